// Package ingest parses a batch's ingest file — either a CSV with a fixed
// header or a directory of OMOP-shaped columnar (parquet) tables joined by
// key — into the work items the orchestrator admits and publishes.
package ingest

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/message"
)

// expectedCSVHeader is the fixed first five columns every CSV ingest file
// must carry, in order.
var expectedCSVHeader = []string{"procedure_id", "mrn", "accession_number", "project_name", "omop-es-datetime"}

const csvDateLayout = "02/01/2006 15:04"

// ParseCSV reads a headered CSV ingest file and returns one message per
// data row. omopESTimestamp is stamped onto every message as
// ExtractGeneratedTimestamp, matching the original ingest's convention of
// passing the batch's generation time alongside the file rather than
// deriving it per-row.
func ParseCSV(r io.Reader, omopESTimestamp time.Time) ([]message.Message, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(header) < len(expectedCSVHeader) {
		return nil, skerr.Fmt("ingest: csv header has %d columns, expected at least %d", len(header), len(expectedCSVHeader))
	}
	for i, want := range expectedCSVHeader {
		if header[i] != want {
			return nil, skerr.Fmt("ingest: csv header column %d is %q, expected %q", i, header[i], want)
		}
	}

	var messages []message.Message
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		studyDate, err := time.Parse(csvDateLayout, row[4])
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		procedureID, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		messages = append(messages, message.Message{
			MRN:                       row[1],
			AccessionNumber:           row[2],
			ProjectName:               row[3],
			StudyDate:                 studyDate,
			ProcedureOccurrenceID:     procedureID,
			ExtractGeneratedTimestamp: omopESTimestamp,
		})
	}
	if len(messages) == 0 {
		return nil, skerr.Fmt("ingest: csv file produced no messages")
	}
	return messages, nil
}
