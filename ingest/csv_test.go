package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCSV_HappyPath(t *testing.T) {
	csv := "procedure_id,mrn,accession_number,project_name,omop-es-datetime\n" +
		"4,987654321,AA12345601,test-extract-uclh-omop-cdm,01/02/2026 10:30\n"
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	messages, err := ParseCSV(strings.NewReader(csv), ts)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	m := messages[0]
	require.Equal(t, "987654321", m.MRN)
	require.Equal(t, "AA12345601", m.AccessionNumber)
	require.Equal(t, "test-extract-uclh-omop-cdm", m.ProjectName)
	require.Equal(t, int64(4), m.ProcedureOccurrenceID)
	require.Equal(t, ts, m.ExtractGeneratedTimestamp)
	require.Equal(t, 2026, m.StudyDate.Year())
	require.Equal(t, time.Month(2), m.StudyDate.Month())
	require.Equal(t, 1, m.StudyDate.Day())
}

func TestParseCSV_MultipleRows(t *testing.T) {
	csv := "procedure_id,mrn,accession_number,project_name,omop-es-datetime\n" +
		"1,111,AA1,proj,01/01/2026 00:00\n" +
		"2,222,AA2,proj,02/01/2026 00:00\n"
	messages, err := ParseCSV(strings.NewReader(csv), time.Now())
	require.NoError(t, err)
	require.Len(t, messages, 2)
}

func TestParseCSV_RejectsWrongHeader(t *testing.T) {
	csv := "a,b,c,d,e\n1,2,3,4,01/01/2026 00:00\n"
	_, err := ParseCSV(strings.NewReader(csv), time.Now())
	require.Error(t, err)
}

func TestParseCSV_RejectsEmptyFile(t *testing.T) {
	csv := "procedure_id,mrn,accession_number,project_name,omop-es-datetime\n"
	_, err := ParseCSV(strings.NewReader(csv), time.Now())
	require.Error(t, err)
}

func TestParseCSV_RejectsBadDate(t *testing.T) {
	csv := "procedure_id,mrn,accession_number,project_name,omop-es-datetime\n" +
		"1,111,AA1,proj,not-a-date\n"
	_, err := ParseCSV(strings.NewReader(csv), time.Now())
	require.Error(t, err)
}

func TestParseCSV_RejectsNonIntegerProcedureID(t *testing.T) {
	csv := "procedure_id,mrn,accession_number,project_name,omop-es-datetime\n" +
		"abc,111,AA1,proj,01/01/2026 00:00\n"
	_, err := ParseCSV(strings.NewReader(csv), time.Now())
	require.Error(t, err)
}
