// Package uploader is the destination-polymorphic upload dispatch (C8): a
// factory over a project's configured destination, a capability interface
// every sink implements, and the ledger-guarded dispatch logic that decides
// when a study counts as exported.
package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/config"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/ledger"
)

// ParquetFile is one file to deliver as part of a parquet export: its
// sink-relative path (already laid out by ExportLayout) and its bytes.
type ParquetFile struct {
	Path string
	Data []byte
}

// Sink is the capability interface every upload destination implements,
// keyed by destination variant through a single factory rather than a
// class per destination.
type Sink interface {
	// UploadDICOM delivers a zipped study archive to the sink, addressed
	// by its sink-relative path. Returns nil only once the sink has
	// durably accepted the data (for TRE-API, "queued for flush" counts).
	UploadDICOM(ctx context.Context, path string, archive []byte) error

	// UploadParquet delivers one or more parquet files, mirroring the
	// extract's directory layout. Sinks that don't support parquet return
	// ErrParquetNotSupported.
	UploadParquet(ctx context.Context, files []ParquetFile) error
}

// ErrParquetNotSupported is returned by UploadParquet on sinks that only
// handle DICOM, such as DICOM-web and XNAT.
var ErrParquetNotSupported = skerr.Fmt("uploader: this sink does not support parquet upload")

// ExportLayout builds sink-relative paths mirroring the extract's
// directory structure.
type ExportLayout struct {
	ProjectSlug     string
	ExtractTimeSlug string
}

// DICOMPath returns the path for a study's zip archive.
func (l ExportLayout) DICOMPath(pseudoStudyUID string) string {
	return fmt.Sprintf("%s/%s/%s.zip", l.ProjectSlug, l.ExtractTimeSlug, pseudoStudyUID)
}

// OMOPBatchPath returns the path for one OMOP table's parquet file within
// a given ingest batch.
func (l ExportLayout) OMOPBatchPath(table string, batchNumber int) string {
	return fmt.Sprintf("%s/%s/parquet/omop/public/batch_%d/%s.parquet", l.ProjectSlug, l.ExtractTimeSlug, batchNumber, table)
}

// RadiologyPath returns the path for the merged radiology report table.
func (l ExportLayout) RadiologyPath() string {
	return fmt.Sprintf("%s/%s/parquet/radiology/radiology.parquet", l.ProjectSlug, l.ExtractTimeSlug)
}

// NewSink constructs the Sink for a project's configured destination.
func NewSink(destination config.Destination, cfg SinkConfig) (Sink, error) {
	switch destination {
	case config.DestinationNone:
		return &NoneSink{}, nil
	case config.DestinationFTPS:
		return NewFTPSSink(cfg.FTPS), nil
	case config.DestinationDICOMweb:
		return NewDICOMwebSink(cfg.DICOMweb), nil
	case config.DestinationXNAT:
		return NewXNATSink(cfg.XNAT), nil
	case config.DestinationSFTP:
		return NewSFTPSink(cfg.SFTP), nil
	case config.DestinationTREAPI:
		return NewTREAPISink(cfg.TREAPI), nil
	default:
		return nil, skerr.Fmt("uploader: unknown destination %q", destination)
	}
}

// SinkConfig carries the per-destination-kind configuration; only the
// field matching the resolved destination is read.
type SinkConfig struct {
	FTPS     FTPSConfig
	DICOMweb DICOMwebConfig
	XNAT     XNATConfig
	SFTP     SFTPConfig
	TREAPI   TREAPIConfig
}

// FetchArchiveFunc retrieves a study's zip archive from the anonymisation
// node, keyed by pseudo_study_uid.
type FetchArchiveFunc func(ctx context.Context, pseudoStudyUID string) ([]byte, error)

// Dispatcher guards every upload with a ledger double-export check and
// only marks a study exported after the sink accepts it.
type Dispatcher struct {
	Ledger       ledger.Store
	FetchArchive FetchArchiveFunc
}

// UploadDICOM fetches the study archive, guards against double export,
// delivers it to the sink, then marks it exported. Delivery failure
// aborts without touching the ledger.
func (d *Dispatcher) UploadDICOM(ctx context.Context, sink Sink, extractSlug string, layout ExportLayout, pseudoStudyUID string) error {
	already, err := d.Ledger.AlreadyExported(ctx, pseudoStudyUID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if already {
		return ledger.ErrAlreadyExported
	}

	archive, err := d.FetchArchive(ctx, pseudoStudyUID)
	if err != nil {
		return skerr.Wrap(err)
	}

	if err := sink.UploadDICOM(ctx, layout.DICOMPath(pseudoStudyUID), archive); err != nil {
		return skerr.Wrap(err)
	}

	if err := d.Ledger.MarkExported(ctx, pseudoStudyUID, time.Now()); err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("uploader: exported study %s for extract %s", pseudoStudyUID, extractSlug)
	return nil
}

// UploadParquet mirrors the extract directory structure under the sink.
func (d *Dispatcher) UploadParquet(ctx context.Context, sink Sink, files []ParquetFile) error {
	if err := sink.UploadParquet(ctx, files); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
