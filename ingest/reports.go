package ingest

import (
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// Report is one radiology report row, keyed by the procedure occurrence it
// was extracted alongside (supplemented feature 3: `pixl_rd/`'s radiology
// report extraction, joined on procedure_occurrence_id per the purpose
// statement's "accompanying radiology reports").
type Report struct {
	ImageIdentifier       string `parquet:"name=image_identifier, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProcedureOccurrenceID int64  `parquet:"name=procedure_occurrence_id, type=INT64"`
	ImageReport           string `parquet:"name=image_report, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ReadReports loads one batch's radiology report parquet file.
func ReadReports(path string) ([]Report, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer fr.Close() //nolint:errcheck

	pr, err := reader.NewParquetReader(fr, new(Report), 4)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer pr.ReadStop()

	rows := make([]Report, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, skerr.Wrap(err)
	}
	return rows, nil
}

// MergeReports writes the concatenation of every batch's reports to a
// single radiology.parquet file, the shape the export layout's
// `radiology/radiology.parquet` path expects: one merged table
// regardless of how many ingest batches contributed rows.
func MergeReports(outPath string, batches [][]Report) error {
	fw, err := local.NewLocalFileWriter(outPath)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer fw.Close() //nolint:errcheck

	pw, err := writer.NewParquetWriter(fw, new(Report), 4)
	if err != nil {
		return skerr.Wrap(err)
	}

	for _, batch := range batches {
		for _, r := range batch {
			if err := pw.Write(r); err != nil {
				return skerr.Wrap(err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
