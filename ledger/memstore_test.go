package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmit_DedupesByExtractMRNAccession(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	items := []AdmissionItem{
		{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()},
		{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()},
		{MRN: "456", AccessionNumber: "BB1", StudyDate: time.Now()},
	}
	admitted, err := s.Admit(ctx, "extract-a", items)
	require.NoError(t, err)
	require.Len(t, admitted, 3)

	admittedAgain, err := s.Admit(ctx, "extract-a", items)
	require.NoError(t, err)
	require.Len(t, admittedAgain, 3, "re-admitting unexported items returns them again")
}

func TestAdmit_SameMRNAccessionDifferentExtractsAreIndependent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	item := AdmissionItem{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()}

	a, err := s.Admit(ctx, "extract-a", []AdmissionItem{item})
	require.NoError(t, err)
	require.Len(t, a, 1)

	b, err := s.Admit(ctx, "extract-b", []AdmissionItem{item})
	require.NoError(t, err)
	require.Len(t, b, 1)
}

func TestAdmit_ExcludesAlreadyExported(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	item := AdmissionItem{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()}

	_, err := s.Admit(ctx, "extract-a", []AdmissionItem{item})
	require.NoError(t, err)

	uid, err := s.AssignPseudoStudyUID(ctx, "extract-a", item.MRN, item.AccessionNumber, func() (string, error) {
		return "1.2.3.4", nil
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkExported(ctx, uid, time.Now()))

	admitted, err := s.Admit(ctx, "extract-a", []AdmissionItem{item})
	require.NoError(t, err)
	require.Empty(t, admitted, "already-exported items are not re-admitted as pending")
}

func TestAssignPseudoStudyUID_IsIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	item := AdmissionItem{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()}
	_, err := s.Admit(ctx, "extract-a", []AdmissionItem{item})
	require.NoError(t, err)

	calls := 0
	newUID := func() (string, error) {
		calls++
		return "1.2.3.4", nil
	}

	first, err := s.AssignPseudoStudyUID(ctx, "extract-a", item.MRN, item.AccessionNumber, newUID)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", first)
	require.Equal(t, 1, calls)

	second, err := s.AssignPseudoStudyUID(ctx, "extract-a", item.MRN, item.AccessionNumber, newUID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls, "second call must not invoke the generator again")
}

func TestAssignPseudoStudyUID_RetriesOnCollision(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	itemA := AdmissionItem{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()}
	itemB := AdmissionItem{MRN: "2", AccessionNumber: "B", StudyDate: time.Now()}
	_, err := s.Admit(ctx, "extract-a", []AdmissionItem{itemA, itemB})
	require.NoError(t, err)

	_, err = s.AssignPseudoStudyUID(ctx, "extract-a", itemA.MRN, itemA.AccessionNumber, func() (string, error) {
		return "1.2.3.4", nil
	})
	require.NoError(t, err)

	attempt := 0
	uidB, err := s.AssignPseudoStudyUID(ctx, "extract-a", itemB.MRN, itemB.AccessionNumber, func() (string, error) {
		attempt++
		if attempt == 1 {
			return "1.2.3.4", nil // collides with itemA's UID
		}
		return "5.6.7.8", nil
	})
	require.NoError(t, err)
	require.Equal(t, "5.6.7.8", uidB)
	require.Equal(t, 2, attempt)
}

func TestAssignPseudoStudyUID_UnknownImage_Errors(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_, err := s.AssignPseudoStudyUID(ctx, "extract-a", "nope", "nope", func() (string, error) {
		return "1.2.3.4", nil
	})
	require.Error(t, err)
}

func TestAssignOrGetPseudoPatientID_ReusesAcrossStudies(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	first, err := s.AssignOrGetPseudoPatientID(ctx, "extract-a", "mrn-1", "hash-a")
	require.NoError(t, err)
	require.Equal(t, "hash-a", first)

	second, err := s.AssignOrGetPseudoPatientID(ctx, "extract-a", "mrn-1", "hash-b")
	require.NoError(t, err)
	require.Equal(t, "hash-a", second, "first assignment wins even if a different candidate is offered later")
}

func TestAssignOrGetPseudoPatientID_IndependentAcrossExtracts(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	a, err := s.AssignOrGetPseudoPatientID(ctx, "extract-a", "mrn-1", "hash-a")
	require.NoError(t, err)
	b, err := s.AssignOrGetPseudoPatientID(ctx, "extract-b", "mrn-1", "hash-b")
	require.NoError(t, err)

	require.Equal(t, "hash-a", a)
	require.Equal(t, "hash-b", b)
}

func TestMarkExported_RejectsDoubleExport(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	item := AdmissionItem{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()}
	_, err := s.Admit(ctx, "extract-a", []AdmissionItem{item})
	require.NoError(t, err)

	uid, err := s.AssignPseudoStudyUID(ctx, "extract-a", item.MRN, item.AccessionNumber, func() (string, error) {
		return "1.2.3.4", nil
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkExported(ctx, uid, time.Now()))

	err = s.MarkExported(ctx, uid, time.Now())
	require.ErrorIs(t, err, ErrAlreadyExported)
}

func TestMarkExported_UnknownUID_Errors(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	err := s.MarkExported(ctx, "no-such-uid", time.Now())
	require.Error(t, err)
}

func TestAlreadyExported(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	item := AdmissionItem{MRN: "123", AccessionNumber: "AA1", StudyDate: time.Now()}
	_, err := s.Admit(ctx, "extract-a", []AdmissionItem{item})
	require.NoError(t, err)

	uid, err := s.AssignPseudoStudyUID(ctx, "extract-a", item.MRN, item.AccessionNumber, func() (string, error) {
		return "1.2.3.4", nil
	})
	require.NoError(t, err)

	exported, err := s.AlreadyExported(ctx, uid)
	require.NoError(t, err)
	require.False(t, exported)

	require.NoError(t, s.MarkExported(ctx, uid, time.Now()))

	exported, err = s.AlreadyExported(ctx, uid)
	require.NoError(t, err)
	require.True(t, exported)
}

func TestAlreadyExported_UnknownUID_ReturnsFalse(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	exported, err := s.AlreadyExported(ctx, "unknown")
	require.NoError(t, err)
	require.False(t, exported)
}

func TestCountExported(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	items := []AdmissionItem{
		{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()},
		{MRN: "2", AccessionNumber: "B", StudyDate: time.Now()},
	}
	_, err := s.Admit(ctx, "extract-a", items)
	require.NoError(t, err)

	count, err := s.CountExported(ctx, "extract-a")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	uid, err := s.AssignPseudoStudyUID(ctx, "extract-a", items[0].MRN, items[0].AccessionNumber, func() (string, error) {
		return "1.2.3.4", nil
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkExported(ctx, uid, time.Now()))

	count, err = s.CountExported(ctx, "extract-a")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCountExported_UnknownExtract_ReturnsZero(t *testing.T) {
	s := NewMemStore()
	count, err := s.CountExported(context.Background(), "unknown")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
