package uploader

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/httputils"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// NoneSink is the destination for projects that only export parquet to
// local disk, or are still in dry-run (destination.dicom = "none").
// Every call is a no-op success so the dispatcher's ledger bookkeeping
// still runs.
type NoneSink struct{}

// UploadDICOM implements Sink.
func (NoneSink) UploadDICOM(ctx context.Context, path string, archive []byte) error { return nil }

// UploadParquet implements Sink.
func (NoneSink) UploadParquet(ctx context.Context, files []ParquetFile) error { return nil }

// DICOMwebConfig configures a STOW-RS sink.
type DICOMwebConfig struct {
	BaseURL string // e.g. https://dicomweb.example.org; UploadDICOM appends /studies
	Token   string // bearer token, empty to omit
	Timeout time.Duration
}

// DICOMwebSink delivers a study archive via DICOMweb STOW-RS, the wire
// protocol the retrieved pack's HTTP client stack (go/httputils) is built
// to drive: a single multipart/related POST carrying the study's instances.
type DICOMwebSink struct {
	cfg    DICOMwebConfig
	client *http.Client
}

// NewDICOMwebSink builds a DICOMwebSink.
func NewDICOMwebSink(cfg DICOMwebConfig) *DICOMwebSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &DICOMwebSink{cfg: cfg, client: httputils.Response2xxOnly(httputils.NewTimeoutClient(cfg.Timeout))}
}

// UploadDICOM implements Sink via a STOW-RS multipart/related POST. The zip
// archive is carried as a single part; a production DICOMweb server expects
// one part per instance, which requires unpacking the archive's individual
// DICOM parts upstream of this boundary (out of scope here).
func (s *DICOMwebSink) UploadDICOM(ctx context.Context, path string, archive []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.SetBoundary("pixl-stow-boundary") //nolint:errcheck
	part, err := mw.CreatePart(map[string][]string{
		"Content-Type": {`application/dicom`},
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	if _, err := part.Write(archive); err != nil {
		return skerr.Wrap(err)
	}
	if err := mw.Close(); err != nil {
		return skerr.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/studies", &body)
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	httputils.ReadAndClose(resp.Body)
	return nil
}

// UploadParquet implements Sink. DICOMweb has no tabular-data concept.
func (s *DICOMwebSink) UploadParquet(ctx context.Context, files []ParquetFile) error {
	return ErrParquetNotSupported
}

// XNATOverwrite controls how XNAT handles a name collision on import.
type XNATOverwrite string

const (
	XNATOverwriteNone   XNATOverwrite = "none"
	XNATOverwriteAppend XNATOverwrite = "append"
	XNATOverwriteDelete XNATOverwrite = "delete"
)

// XNATDestination selects which XNAT archive tier receives the import.
type XNATDestination string

const (
	XNATDestinationArchive    XNATDestination = "archive"
	XNATDestinationPrearchive XNATDestination = "prearchive"
)

// XNATConfig configures an XNAT REST import sink.
type XNATConfig struct {
	BaseURL     string
	Username    string
	Password    string
	Project     string
	Overwrite   XNATOverwrite
	Destination XNATDestination
	Timeout     time.Duration
}

// XNATSink delivers a study archive via XNAT's REST image-session import
// endpoint (POST /data/services/import): the zip archive is the raw
// request body (application/zip, not multipart as on the DICOM-web path),
// addressed by XNAT's own query parameters.
type XNATSink struct {
	cfg    XNATConfig
	client *http.Client
}

// NewXNATSink builds an XNATSink.
func NewXNATSink(cfg XNATConfig) *XNATSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Overwrite == "" {
		cfg.Overwrite = XNATOverwriteNone
	}
	if cfg.Destination == "" {
		cfg.Destination = XNATDestinationPrearchive
	}
	return &XNATSink{cfg: cfg, client: httputils.Response2xxOnly(httputils.NewTimeoutClient(cfg.Timeout))}
}

// UploadDICOM implements Sink.
func (s *XNATSink) UploadDICOM(ctx context.Context, path string, archive []byte) error {
	url := fmt.Sprintf("%s/data/services/import?import-handler=DICOM-zip&PROJECT_ID=%s&overwrite=%s&dest=%s",
		s.cfg.BaseURL, s.cfg.Project, s.cfg.Overwrite, s.cfg.Destination)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(archive))
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/zip")
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)

	resp, err := s.client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	httputils.ReadAndClose(resp.Body)
	return nil
}

// UploadParquet implements Sink. XNAT has no tabular-data concept.
func (s *XNATSink) UploadParquet(ctx context.Context, files []ParquetFile) error {
	return ErrParquetNotSupported
}

// TREAPIConfig configures a Trusted Research Environment airlock sink.
type TREAPIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// TREAPISink POSTs a study bundle to a TRE's airlock API and then requests
// a flush. A "queued for flush" acknowledgement counts as delivered: the
// TRE airlock owns the eventual human-reviewed release, which this system
// has no visibility into.
type TREAPISink struct {
	cfg    TREAPIConfig
	client *http.Client
}

// NewTREAPISink builds a TREAPISink.
func NewTREAPISink(cfg TREAPIConfig) *TREAPISink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &TREAPISink{cfg: cfg, client: httputils.Response2xxOnly(httputils.NewTimeoutClient(cfg.Timeout))}
}

// UploadDICOM implements Sink: POST the bundle, then request a flush.
func (s *TREAPISink) UploadDICOM(ctx context.Context, path string, archive []byte) error {
	if err := s.post(ctx, "/airlock/bundles/"+path, "application/zip", bytes.NewReader(archive)); err != nil {
		return skerr.Wrap(err)
	}
	return s.post(ctx, "/airlock/flush", "application/json", bytes.NewReader([]byte(`{}`)))
}

// UploadParquet implements Sink.
func (s *TREAPISink) UploadParquet(ctx context.Context, files []ParquetFile) error {
	for _, f := range files {
		if err := s.post(ctx, "/airlock/bundles/"+f.Path, "application/octet-stream", bytes.NewReader(f.Data)); err != nil {
			return skerr.Wrap(err)
		}
	}
	return s.post(ctx, "/airlock/flush", "application/json", bytes.NewReader([]byte(`{}`)))
}

func (s *TREAPISink) post(ctx context.Context, path, contentType string, body *bytes.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, body)
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", contentType)
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	httputils.ReadAndClose(resp.Body)
	return nil
}
