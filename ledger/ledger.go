// Package ledger is the persistent study ledger: the source of truth for
// which (project, MRN, accession) studies have been admitted, what
// pseudonymous identifiers they were assigned, and whether they have
// been exported.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Extract is a named batch.
type Extract struct {
	ExtractID int64
	Slug      string
	CreatedAt time.Time
}

// Image is one study ledger entry.
type Image struct {
	ImageID         int64
	ExtractID       int64
	MRN             string
	AccessionNumber string
	StudyUID        string
	StudyDate       time.Time
	PseudoStudyUID  string // empty until assigned
	PseudoPatientID string // empty until assigned
	ExportedAt      *time.Time
}

// AdmissionItem is the subset of a Message the ledger needs to admit a
// work item.
type AdmissionItem struct {
	MRN             string
	AccessionNumber string
	StudyUID        string
	StudyDate       time.Time
}

// ErrAlreadyExported is returned by MarkExported when exported_at is
// already set.
var ErrAlreadyExported = errors.New("ledger: image already exported")

// ErrAlreadyExportedReQueue names an attempt to re-queue an
// already-exported image. No Store method returns it: Admit leaves
// exported images out of its result instead.
var ErrAlreadyExportedReQueue = errors.New("ledger: cannot re-queue an already exported image")

// ErrSerializationFailure names a transient transaction conflict. No Store
// method returns it: PostgresStore retries such conflicts itself and, once
// its retries run out, returns the wrapped driver error.
var ErrSerializationFailure = errors.New("ledger: serialization failure")

// Store is the full ledger contract. A Postgres-backed implementation
// lives in postgres.go; an in-memory implementation used by tests across
// this module lives in memstore.go.
type Store interface {
	// Admit creates or fetches the Extract for extractSlug, inserts an
	// Image for each item whose (mrn, accession) is not already
	// recorded, and returns the subset of items that are still pending
	// export (exported_at IS NULL and not already recorded as
	// exported). Runs in one transaction per batch.
	Admit(ctx context.Context, extractSlug string, items []AdmissionItem) ([]AdmissionItem, error)

	// AlreadyExported reports whether the image with this pseudo study
	// UID has a non-null exported_at.
	AlreadyExported(ctx context.Context, pseudoStudyUID string) (bool, error)

	// AssignPseudoStudyUID is idempotent: returns the existing pseudo
	// study UID if already set, otherwise generates one via newUID and
	// persists it under a uniqueness constraint, retrying on collision.
	AssignPseudoStudyUID(ctx context.Context, extractSlug, mrn, accessionNumber string, newUID func() (string, error)) (string, error)

	// AssignOrGetPseudoPatientID is idempotent per (extract, mrn): the
	// first assignment wins and is reused for every later study of the
	// same patient in the same extract.
	AssignOrGetPseudoPatientID(ctx context.Context, extractSlug, mrn, hashedCandidate string) (string, error)

	// MarkExported sets exported_at. Returns ErrAlreadyExported if it
	// is already set.
	MarkExported(ctx context.Context, pseudoStudyUID string, when time.Time) error

	// CountExported returns the number of images with a non-null
	// exported_at for the given extract slug, used by the orchestrator's
	// stability loop.
	CountExported(ctx context.Context, extractSlug string) (int, error)
}
