package ingest

import (
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/message"
)

// personLink is one row of private/PERSON_LINKS.parquet.
type personLink struct {
	PersonID   int64  `parquet:"name=person_id, type=INT64"`
	PrimaryMrn string `parquet:"name=PrimaryMrn, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// procedureLink is one row of private/PROCEDURE_OCCURRENCE_LINKS.parquet.
type procedureLink struct {
	ProcedureOccurrenceID int64  `parquet:"name=procedure_occurrence_id, type=INT64"`
	AccessionNumber       string `parquet:"name=AccessionNumber, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// procedureOccurrence is one row of public/PROCEDURE_OCCURRENCE.parquet.
type procedureOccurrence struct {
	ProcedureOccurrenceID int64  `parquet:"name=procedure_occurrence_id, type=INT64"`
	PersonID              int64  `parquet:"name=person_id, type=INT64"`
	ProcedureDate         string `parquet:"name=procedure_date, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const procedureDateLayout = "2006-01-02"

// ParseColumnar reads a directory containing public/ and private/ parquet
// tables and joins them exactly as the original ingest does: PERSON_LINKS
// on person_id against PROCEDURE_OCCURRENCE, then against
// PROCEDURE_OCCURRENCE_LINKS on procedure_occurrence_id, dropping rows with
// no accession number.
func ParseColumnar(dir, projectName string, omopESTimestamp time.Time) ([]message.Message, error) {
	people, err := readPersonLinks(filepath.Join(dir, "private", "PERSON_LINKS.parquet"))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	accessions, err := readProcedureLinks(filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	procedures, err := readProcedureOccurrences(filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"))
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	mrnByPerson := make(map[int64]string, len(people))
	for _, p := range people {
		mrnByPerson[p.PersonID] = p.PrimaryMrn
	}
	accessionByProcedure := make(map[int64]string, len(accessions))
	for _, a := range accessions {
		accessionByProcedure[a.ProcedureOccurrenceID] = a.AccessionNumber
	}

	var messages []message.Message
	for _, proc := range procedures {
		accession, ok := accessionByProcedure[proc.ProcedureOccurrenceID]
		if !ok || accession == "" {
			continue
		}
		mrn, ok := mrnByPerson[proc.PersonID]
		if !ok {
			continue
		}
		studyDate, err := time.Parse(procedureDateLayout, proc.ProcedureDate)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		messages = append(messages, message.Message{
			MRN:                       mrn,
			AccessionNumber:           accession,
			ProjectName:               projectName,
			StudyDate:                 studyDate,
			ProcedureOccurrenceID:     proc.ProcedureOccurrenceID,
			ExtractGeneratedTimestamp: omopESTimestamp,
		})
	}
	if len(messages) == 0 {
		return nil, skerr.Fmt("ingest: columnar join at %s produced no messages", dir)
	}
	return messages, nil
}

func readPersonLinks(path string) ([]personLink, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(personLink), 4)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer pr.ReadStop()

	rows := make([]personLink, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, skerr.Wrap(err)
	}
	return rows, nil
}

func readProcedureLinks(path string) ([]procedureLink, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(procedureLink), 4)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer pr.ReadStop()

	rows := make([]procedureLink, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, skerr.Wrap(err)
	}
	return rows, nil
}

func readProcedureOccurrences(path string) ([]procedureOccurrence, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(procedureOccurrence), 4)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer pr.ReadStop()

	rows := make([]procedureOccurrence, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, skerr.Wrap(err)
	}
	return rows, nil
}
