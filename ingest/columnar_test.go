package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

func writeParquet(t *testing.T, path string, schema interface{}, rows []interface{}) {
	t.Helper()
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, schema, 2)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, pw.Write(r))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
}

func TestParseColumnar_JoinsThreeTables(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "public"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "private"), 0o755))

	writeParquet(t, filepath.Join(dir, "private", "PERSON_LINKS.parquet"), new(personLink), []interface{}{
		personLink{PersonID: 1, PrimaryMrn: "987654321"},
	})
	writeParquet(t, filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"), new(procedureLink), []interface{}{
		procedureLink{ProcedureOccurrenceID: 4, AccessionNumber: "AA12345601"},
	})
	writeParquet(t, filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"), new(procedureOccurrence), []interface{}{
		procedureOccurrence{ProcedureOccurrenceID: 4, PersonID: 1, ProcedureDate: "2026-02-01"},
	})

	ts := time.Now()
	messages, err := ParseColumnar(dir, "test-extract-uclh-omop-cdm", ts)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "987654321", messages[0].MRN)
	require.Equal(t, "AA12345601", messages[0].AccessionNumber)
	require.Equal(t, int64(4), messages[0].ProcedureOccurrenceID)
}

func TestParseColumnar_DropsRowsWithoutAccession(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "public"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "private"), 0o755))

	writeParquet(t, filepath.Join(dir, "private", "PERSON_LINKS.parquet"), new(personLink), []interface{}{
		personLink{PersonID: 1, PrimaryMrn: "111"},
	})
	writeParquet(t, filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"), new(procedureLink), []interface{}{})
	writeParquet(t, filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"), new(procedureOccurrence), []interface{}{
		procedureOccurrence{ProcedureOccurrenceID: 9, PersonID: 1, ProcedureDate: "2026-02-01"},
	})

	_, err := ParseColumnar(dir, "proj", time.Now())
	require.Error(t, err) // no messages survive the join
}
