// Package imagingfetcher drives the per-message fetch state machine (C6):
// look for a study locally first, then fall back to querying and
// retrieving it from the primary then secondary remote archive, stamping
// every landed study with its project slug for downstream routing.
package imagingfetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/dicomdataset"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/message"
	"github.com/SAFEHR-data/PIXL-sub000/rawarchive"
)

// Source identifies which archive ultimately served a study.
type Source string

const (
	SourceLocal     Source = "local"
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Result is the outcome of a successful Fetch.
type Result struct {
	Source Source
}

// ErrNotFound means neither archive held the study. It is the Fatal
// taxonomy member for this component: the orchestrator observes it via
// the ledger's lack of progress, not via a direct callback.
var ErrNotFound = errors.New("imagingfetcher: study not found in any archive")

// ErrTransferTimeout means a C-MOVE job exceeded its per-study transfer
// watchdog.
var ErrTransferTimeout = errors.New("imagingfetcher: transfer watchdog expired")

// Config parameterises timeouts and the two remote modality names this
// fetcher falls back through.
type Config struct {
	QueryTimeout       time.Duration // default 10s
	TransferTimeout    time.Duration // default minutes
	JobPollInterval    time.Duration // short interval used while polling C-MOVE job state
	PrimaryModality    string
	SecondaryModality  string
}

// DefaultConfig returns the fetcher's standard timeout and watchdog values.
func DefaultConfig(primaryModality, secondaryModality string) Config {
	return Config{
		QueryTimeout:      10 * time.Second,
		TransferTimeout:   30 * time.Minute,
		JobPollInterval:   2 * time.Second,
		PrimaryModality:   primaryModality,
		SecondaryModality: secondaryModality,
	}
}

// Fetcher runs the state machine against a single raw-store Node, which
// also acts as the C-MOVE destination (its own AET).
type Fetcher struct {
	Raw    *rawarchive.Node
	Config Config
}

func queryFor(m message.Message) rawarchive.Query {
	if m.HasStudyUID() {
		return rawarchive.Query{StudyInstanceUID: m.StudyUID}
	}
	return rawarchive.Query{PatientID: m.MRN, AccessionNumber: m.AccessionNumber}
}

// Fetch runs start → local_probe → … → done for one message, returning the
// Result on success or a Fatal-classified error (ErrNotFound,
// ErrTransferTimeout, or a wrapped lower-level error) otherwise.
func (f *Fetcher) Fetch(ctx context.Context, projectSlug string, m message.Message) (Result, error) {
	q := queryFor(m)

	localIDs, err := f.Raw.QueryLocal(ctx, q)
	if err != nil {
		return Result{}, skerr.Wrap(err)
	}
	if len(localIDs) > 0 {
		resourceID := localIDs[0]
		if err := f.stampProject(ctx, resourceID, projectSlug); err != nil {
			return Result{}, skerr.Wrap(err)
		}
		if err := f.Raw.SendExistingStudyToAnon(ctx, resourceID); err != nil {
			return Result{}, skerr.Wrap(err)
		}
		sklog.Infof("imagingfetcher: mrn=%s accession=%s served from local archive", m.MRN, m.AccessionNumber)
		return Result{Source: SourceLocal}, nil
	}

	for _, attempt := range []struct {
		source   Source
		modality string
	}{
		{SourcePrimary, f.Config.PrimaryModality},
		{SourceSecondary, f.Config.SecondaryModality},
	} {
		queryID, err := f.Raw.QueryRemote(ctx, attempt.modality, q, f.Config.QueryTimeout)
		if err != nil {
			return Result{}, skerr.Wrap(err)
		}
		if queryID == "" {
			continue
		}

		jobID, err := f.Raw.RetrieveFromRemote(ctx, queryID)
		if err != nil {
			return Result{}, skerr.Wrap(err)
		}
		if err := f.waitStable(ctx, jobID); err != nil {
			return Result{}, err
		}

		resourceIDs, err := f.Raw.QueryLocal(ctx, q)
		if err != nil {
			return Result{}, skerr.Wrap(err)
		}
		if len(resourceIDs) == 0 {
			return Result{}, skerr.Fmt("imagingfetcher: c-move reported success but study not found locally for mrn=%s accession=%s", m.MRN, m.AccessionNumber)
		}
		if err := f.stampProject(ctx, resourceIDs[0], projectSlug); err != nil {
			return Result{}, skerr.Wrap(err)
		}
		sklog.Infof("imagingfetcher: mrn=%s accession=%s served from %s archive", m.MRN, m.AccessionNumber, attempt.source)
		return Result{Source: attempt.source}, nil
	}

	return Result{}, skerr.Wrapf(ErrNotFound, "mrn=%s accession=%s", m.MRN, m.AccessionNumber)
}

// waitStable polls jobID until it reaches a terminal state or the
// per-study transfer watchdog expires.
func (f *Fetcher) waitStable(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(f.Config.TransferTimeout)
	ticker := time.NewTicker(f.Config.JobPollInterval)
	defer ticker.Stop()

	for {
		state, err := f.Raw.JobState(ctx, jobID)
		if err != nil {
			return skerr.Wrap(err)
		}
		switch state {
		case rawarchive.JobSuccess:
			return nil
		case rawarchive.JobFailure:
			return skerr.Fmt("imagingfetcher: c-move job %s failed", jobID)
		}
		if time.Now().After(deadline) {
			return skerr.Wrap(ErrTransferTimeout)
		}
		select {
		case <-ctx.Done():
			return skerr.Wrap(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (f *Fetcher) stampProject(ctx context.Context, resourceID, projectSlug string) error {
	key := fmt.Sprintf("%04x,%04x", dicomdataset.ProjectSlugTag.Group, dicomdataset.ProjectSlugTag.Element)
	return f.Raw.ModifyPrivateTagsByStudy(ctx, resourceID, dicomdataset.ProjectSlugPrivateCreator, map[string]string{key: projectSlug})
}
