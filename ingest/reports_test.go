package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeReports_ConcatenatesBatches(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "radiology.parquet")

	batch1 := []Report{{ProcedureOccurrenceID: 4, ImageReport: "this is a radiology report 1"}}
	batch2 := []Report{{ProcedureOccurrenceID: 5, ImageReport: "this is a radiology report 2"}}

	require.NoError(t, MergeReports(out, [][]Report{batch1, batch2}))

	rows, err := ReadReports(out)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(4), rows[0].ProcedureOccurrenceID)
	require.Equal(t, "this is a radiology report 1", rows[0].ImageReport)
	require.Equal(t, int64(5), rows[1].ProcedureOccurrenceID)
}
