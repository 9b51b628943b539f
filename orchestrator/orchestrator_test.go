package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SAFEHR-data/PIXL-sub000/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/message"
)

func TestDriver_Run_PublishesAdmittedItemsInStudyDateOrder(t *testing.T) {
	store := ledger.NewMemStore()
	var published [][]message.Message
	d := &Driver{
		Ledger: store,
		Publish: func(ctx context.Context, messages []message.Message) error {
			published = append(published, messages)
			return nil
		},
		Config: Config{NumRetries: 1, RetrySleep: time.Millisecond},
	}

	items := []message.Message{
		{MRN: "1", AccessionNumber: "B", StudyDate: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{MRN: "2", AccessionNumber: "A", StudyDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	err := d.Run(context.Background(), "extract-1", items)
	require.NoError(t, err)
	require.NotEmpty(t, published)
	first := published[0]
	require.Len(t, first, 2)
	require.Equal(t, "A", first[0].AccessionNumber)
	require.Equal(t, "B", first[1].AccessionNumber)
}

func TestDriver_Run_SkipsAlreadyExportedDuplicates(t *testing.T) {
	store := ledger.NewMemStore()
	_, err := store.Admit(context.Background(), "extract-1", []ledger.AdmissionItem{{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()}})
	require.NoError(t, err)
	uid, err := store.AssignPseudoStudyUID(context.Background(), "extract-1", "1", "A", func() (string, error) { return "pseudo-1", nil })
	require.NoError(t, err)
	require.NoError(t, store.MarkExported(context.Background(), uid, time.Now()))

	publishCount := 0
	d := &Driver{
		Ledger: store,
		Publish: func(ctx context.Context, messages []message.Message) error {
			publishCount++
			return nil
		},
		Config: Config{NumRetries: 1, RetrySleep: time.Millisecond},
	}

	err = d.Run(context.Background(), "extract-1", []message.Message{{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()}})
	require.NoError(t, err)
	require.Equal(t, 0, publishCount)
}

func TestDriver_Run_StopsWhenExportCountStabilises(t *testing.T) {
	store := ledger.NewMemStore()
	publishCount := 0
	d := &Driver{
		Ledger: store,
		Publish: func(ctx context.Context, messages []message.Message) error {
			publishCount++
			return nil
		},
		Config: Config{NumRetries: 3, RetrySleep: time.Millisecond},
	}

	items := []message.Message{{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()}}
	err := d.Run(context.Background(), "extract-1", items)
	require.NoError(t, err)
	// initial publish + at most one retry publish before the unchanged
	// zero-count stabilises the loop.
	require.LessOrEqual(t, publishCount, 2)
}

func TestDriver_Run_WaitsForDrainBeforeEachCountCheck(t *testing.T) {
	store := ledger.NewMemStore()
	var order []string
	d := &Driver{
		Ledger: store,
		Publish: func(ctx context.Context, messages []message.Message) error {
			order = append(order, "publish")
			return nil
		},
		WaitForDrain: func(ctx context.Context) error {
			order = append(order, "drain")
			return nil
		},
		Config: Config{NumRetries: 2, RetrySleep: time.Millisecond, QueueDrainTimeout: time.Second},
	}

	items := []message.Message{{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()}}
	err := d.Run(context.Background(), "extract-1", items)
	require.NoError(t, err)
	require.NotEmpty(t, order)
	require.Equal(t, "publish", order[0], "the initial publish happens before any stability-loop iteration")
	require.Contains(t, order, "drain", "the stability loop must wait for the queue to drain")
	require.Equal(t, "drain", order[1], "drain wait must run before the first export-count check of the stability loop")
}

func TestDriver_Run_ToleratesDrainTimeout(t *testing.T) {
	store := ledger.NewMemStore()
	d := &Driver{
		Ledger: store,
		Publish: func(ctx context.Context, messages []message.Message) error {
			return nil
		},
		WaitForDrain: func(ctx context.Context) error {
			return ctx.Err()
		},
		Config: Config{NumRetries: 2, RetrySleep: time.Millisecond, QueueDrainTimeout: time.Millisecond},
	}

	items := []message.Message{{MRN: "1", AccessionNumber: "A", StudyDate: time.Now()}}
	err := d.Run(context.Background(), "extract-1", items)
	require.NoError(t, err, "a drain timeout must not fail the whole run")
}
