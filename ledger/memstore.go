package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// MemStore is an in-memory Store used by this module's test suites in
// place of a live Postgres instance, while still exercising the exact
// invariants the Postgres-backed Store enforces with SQL constraints.
type MemStore struct {
	mtx sync.Mutex

	nextExtractID int64
	nextImageID   int64

	extractsBySlug map[string]*Extract
	images         []*Image
	// patientPseudonyms[extractSlug][mrn] = pseudo patient id
	patientPseudonyms map[string]map[string]string
	usedPseudoUIDs    map[string]bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		extractsBySlug:    make(map[string]*Extract),
		patientPseudonyms: make(map[string]map[string]string),
		usedPseudoUIDs:    make(map[string]bool),
	}
}

func (s *MemStore) extractLocked(slug string) *Extract {
	e, ok := s.extractsBySlug[slug]
	if ok {
		return e
	}
	s.nextExtractID++
	e = &Extract{ExtractID: s.nextExtractID, Slug: slug, CreatedAt: time.Now()}
	s.extractsBySlug[slug] = e
	return e
}

func (s *MemStore) findImageLocked(extractID int64, mrn, accession string) *Image {
	for _, img := range s.images {
		if img.ExtractID == extractID && img.MRN == mrn && img.AccessionNumber == accession {
			return img
		}
	}
	return nil
}

// Admit implements Store.
func (s *MemStore) Admit(ctx context.Context, extractSlug string, items []AdmissionItem) ([]AdmissionItem, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	extract := s.extractLocked(extractSlug)

	var admitted []AdmissionItem
	for _, item := range items {
		existing := s.findImageLocked(extract.ExtractID, item.MRN, item.AccessionNumber)
		if existing == nil {
			s.nextImageID++
			existing = &Image{
				ImageID:         s.nextImageID,
				ExtractID:       extract.ExtractID,
				MRN:             item.MRN,
				AccessionNumber: item.AccessionNumber,
				StudyUID:        item.StudyUID,
				StudyDate:       item.StudyDate,
			}
			s.images = append(s.images, existing)
		}
		if existing.ExportedAt == nil {
			admitted = append(admitted, item)
		}
	}
	return admitted, nil
}

// AlreadyExported implements Store.
func (s *MemStore) AlreadyExported(ctx context.Context, pseudoStudyUID string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, img := range s.images {
		if img.PseudoStudyUID == pseudoStudyUID {
			return img.ExportedAt != nil, nil
		}
	}
	return false, nil
}

// AssignPseudoStudyUID implements Store.
func (s *MemStore) AssignPseudoStudyUID(ctx context.Context, extractSlug, mrn, accessionNumber string, newUID func() (string, error)) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	extract := s.extractLocked(extractSlug)
	img := s.findImageLocked(extract.ExtractID, mrn, accessionNumber)
	if img == nil {
		return "", skerr.Fmt("ledger: no image for extract %q mrn %q accession %q", extractSlug, mrn, accessionNumber)
	}
	if img.PseudoStudyUID != "" {
		return img.PseudoStudyUID, nil
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		uid, err := newUID()
		if err != nil {
			return "", skerr.Wrap(err)
		}
		if s.usedPseudoUIDs[uid] {
			continue
		}
		s.usedPseudoUIDs[uid] = true
		img.PseudoStudyUID = uid
		return uid, nil
	}
	return "", skerr.Fmt("ledger: failed to generate a unique pseudo study uid after %d attempts", maxAttempts)
}

// AssignOrGetPseudoPatientID implements Store.
func (s *MemStore) AssignOrGetPseudoPatientID(ctx context.Context, extractSlug, mrn, hashedCandidate string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	perExtract, ok := s.patientPseudonyms[extractSlug]
	if !ok {
		perExtract = make(map[string]string)
		s.patientPseudonyms[extractSlug] = perExtract
	}
	if existing, ok := perExtract[mrn]; ok {
		return existing, nil
	}
	perExtract[mrn] = hashedCandidate
	return hashedCandidate, nil
}

// MarkExported implements Store.
func (s *MemStore) MarkExported(ctx context.Context, pseudoStudyUID string, when time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, img := range s.images {
		if img.PseudoStudyUID == pseudoStudyUID {
			if img.ExportedAt != nil {
				return ErrAlreadyExported
			}
			whenCopy := when
			img.ExportedAt = &whenCopy
			return nil
		}
	}
	return skerr.Fmt("ledger: no image with pseudo study uid %q", pseudoStudyUID)
}

// CountExported implements Store.
func (s *MemStore) CountExported(ctx context.Context, extractSlug string) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	extract, ok := s.extractsBySlug[extractSlug]
	if !ok {
		return 0, nil
	}
	count := 0
	for _, img := range s.images {
		if img.ExtractID == extract.ExtractID && img.ExportedAt != nil {
			count++
		}
	}
	return count, nil
}
