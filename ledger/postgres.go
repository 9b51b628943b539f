package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
)

// Schema is the DDL for the pixl_pipeline schema, applied by whatever
// migration tooling the CLI driver (an external collaborator) chooses to
// run. It is exported so tests and that tooling share a single source of
// truth for column names.
const Schema = `
CREATE SCHEMA IF NOT EXISTS pixl_pipeline;

CREATE TABLE IF NOT EXISTS pixl_pipeline.extract (
	extract_id  BIGSERIAL PRIMARY KEY,
	slug        TEXT NOT NULL UNIQUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pixl_pipeline.image (
	image_id           BIGSERIAL PRIMARY KEY,
	extract_id         BIGINT NOT NULL REFERENCES pixl_pipeline.extract(extract_id),
	mrn                TEXT NOT NULL,
	accession_number   TEXT NOT NULL,
	study_uid          TEXT NOT NULL DEFAULT '',
	study_date         DATE NOT NULL,
	pseudo_study_uid   TEXT UNIQUE,
	pseudo_patient_id  TEXT,
	exported_at        TIMESTAMPTZ,
	UNIQUE (extract_id, mrn, accession_number)
);

CREATE INDEX IF NOT EXISTS image_extract_patient_idx
	ON pixl_pipeline.image (extract_id, mrn);
`

// PostgresStore is the Postgres-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// maxSerializationRetries bounds the retry loop for serializable
// transaction conflicts, retried up to a small bound.
const maxSerializationRetries = 3

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 = serialization_failure, 40P01 = deadlock_detected.
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PostgresStore) withSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return skerr.Wrap(err)
		}
		err = fn(tx)
		if err == nil {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				if isSerializationFailure(commitErr) {
					lastErr = commitErr
					sklog.Warningf("ledger: serialization failure on commit, retrying (attempt %d)", attempt+1)
					continue
				}
				return skerr.Wrap(commitErr)
			}
			return nil
		}
		_ = tx.Rollback(ctx)
		if isSerializationFailure(err) {
			lastErr = err
			sklog.Warningf("ledger: serialization failure, retrying (attempt %d)", attempt+1)
			continue
		}
		return err
	}
	return skerr.Wrapf(lastErr, "ledger: exhausted %d serialization retries", maxSerializationRetries)
}

// Admit implements Store.
func (s *PostgresStore) Admit(ctx context.Context, extractSlug string, items []AdmissionItem) ([]AdmissionItem, error) {
	var admitted []AdmissionItem
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		admitted = nil

		var extractID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO pixl_pipeline.extract (slug) VALUES ($1)
			ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
			RETURNING extract_id`, extractSlug).Scan(&extractID)
		if err != nil {
			return skerr.Wrap(err)
		}

		for _, item := range items {
			var exportedAt *time.Time
			err := tx.QueryRow(ctx, `
				INSERT INTO pixl_pipeline.image (extract_id, mrn, accession_number, study_uid, study_date)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (extract_id, mrn, accession_number) DO UPDATE SET mrn = EXCLUDED.mrn
				RETURNING exported_at`,
				extractID, item.MRN, item.AccessionNumber, item.StudyUID, item.StudyDate).Scan(&exportedAt)
			if err != nil {
				return skerr.Wrap(err)
			}
			if exportedAt == nil {
				admitted = append(admitted, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return admitted, nil
}

// AlreadyExported implements Store.
func (s *PostgresStore) AlreadyExported(ctx context.Context, pseudoStudyUID string) (bool, error) {
	var exportedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT exported_at FROM pixl_pipeline.image WHERE pseudo_study_uid = $1`, pseudoStudyUID).Scan(&exportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return exportedAt != nil, nil
}

// AssignPseudoStudyUID implements Store.
func (s *PostgresStore) AssignPseudoStudyUID(ctx context.Context, extractSlug, mrn, accessionNumber string, newUID func() (string, error)) (string, error) {
	var result string
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var existing *string
		err := tx.QueryRow(ctx, `
			SELECT i.pseudo_study_uid
			FROM pixl_pipeline.image i
			JOIN pixl_pipeline.extract e ON e.extract_id = i.extract_id
			WHERE e.slug = $1 AND i.mrn = $2 AND i.accession_number = $3`,
			extractSlug, mrn, accessionNumber).Scan(&existing)
		if err != nil {
			return skerr.Wrap(err)
		}
		if existing != nil && *existing != "" {
			result = *existing
			return nil
		}

		const maxCollisionRetries = 5
		for attempt := 0; attempt < maxCollisionRetries; attempt++ {
			uid, err := newUID()
			if err != nil {
				return skerr.Wrap(err)
			}

			// A failed statement aborts the enclosing transaction until a
			// ROLLBACK/SAVEPOINT, so a collision must be isolated in a
			// nested transaction (pgx implements Tx.Begin as a SAVEPOINT)
			// rather than retried on tx directly.
			savepoint, err := tx.Begin(ctx)
			if err != nil {
				return skerr.Wrap(err)
			}
			_, err = savepoint.Exec(ctx, `
				UPDATE pixl_pipeline.image i SET pseudo_study_uid = $1
				FROM pixl_pipeline.extract e
				WHERE e.extract_id = i.extract_id AND e.slug = $2 AND i.mrn = $3 AND i.accession_number = $4`,
				uid, extractSlug, mrn, accessionNumber)
			if err != nil {
				_ = savepoint.Rollback(ctx)
				if isUniqueViolation(err) {
					sklog.Warningf("ledger: pseudo study uid collision, retrying (attempt %d)", attempt+1)
					continue
				}
				return skerr.Wrap(err)
			}
			if err := savepoint.Commit(ctx); err != nil {
				return skerr.Wrap(err)
			}
			result = uid
			return nil
		}
		return skerr.Fmt("ledger: failed to generate a unique pseudo study uid after %d attempts", maxCollisionRetries)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// AssignOrGetPseudoPatientID implements Store.
func (s *PostgresStore) AssignOrGetPseudoPatientID(ctx context.Context, extractSlug, mrn, hashedCandidate string) (string, error) {
	var result string
	err := s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var existing *string
		err := tx.QueryRow(ctx, `
			SELECT i.pseudo_patient_id
			FROM pixl_pipeline.image i
			JOIN pixl_pipeline.extract e ON e.extract_id = i.extract_id
			WHERE e.slug = $1 AND i.mrn = $2 AND i.pseudo_patient_id IS NOT NULL
			LIMIT 1`, extractSlug, mrn).Scan(&existing)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return skerr.Wrap(err)
		}
		if existing != nil && *existing != "" {
			result = *existing
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE pixl_pipeline.image i SET pseudo_patient_id = $1
			FROM pixl_pipeline.extract e
			WHERE e.extract_id = i.extract_id AND e.slug = $2 AND i.mrn = $3`,
			hashedCandidate, extractSlug, mrn)
		if err != nil {
			return skerr.Wrap(err)
		}
		result = hashedCandidate
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// MarkExported implements Store.
func (s *PostgresStore) MarkExported(ctx context.Context, pseudoStudyUID string, when time.Time) error {
	return s.withSerializableTx(ctx, func(tx pgx.Tx) error {
		var alreadyExported *time.Time
		err := tx.QueryRow(ctx, `
			SELECT exported_at FROM pixl_pipeline.image WHERE pseudo_study_uid = $1 FOR UPDATE`,
			pseudoStudyUID).Scan(&alreadyExported)
		if errors.Is(err, pgx.ErrNoRows) {
			return skerr.Fmt("ledger: no image with pseudo study uid %q", pseudoStudyUID)
		}
		if err != nil {
			return skerr.Wrap(err)
		}
		if alreadyExported != nil {
			return ErrAlreadyExported
		}
		_, err = tx.Exec(ctx, `
			UPDATE pixl_pipeline.image SET exported_at = $1 WHERE pseudo_study_uid = $2`,
			when, pseudoStudyUID)
		return skerr.Wrap(err)
	})
}

// CountExported implements Store.
func (s *PostgresStore) CountExported(ctx context.Context, extractSlug string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM pixl_pipeline.image i
		JOIN pixl_pipeline.extract e ON e.extract_id = i.extract_id
		WHERE e.slug = $1 AND i.exported_at IS NOT NULL`, extractSlug).Scan(&count)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return count, nil
}
