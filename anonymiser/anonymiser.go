// Package anonymiser is the stable-study callback handler (C7): it loads
// the right project config from a study's stamped private tag, applies
// the tag engine to every instance, and packages survivors into a zip
// addressed by pseudo_study_uid for the uploader dispatch.
package anonymiser

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"

	"github.com/SAFEHR-data/PIXL-sub000/config"
	"github.com/SAFEHR-data/PIXL-sub000/go/dicomdataset"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/go/sklog"
	"github.com/SAFEHR-data/PIXL-sub000/go/workerpool"
	"github.com/SAFEHR-data/PIXL-sub000/tagengine"
)

// ResolvedProject bundles a project's config with its already-merged tag
// scheme, the unit a ProjectResolver hands back.
type ResolvedProject struct {
	Project *config.Project
	Scheme  tagengine.Scheme
}

// ProjectResolver looks up a project by the slug read from the stamped
// private tag, falling back to a well-known default only when the tag is
// absent and the caller is running standalone.
type ProjectResolver func(ctx context.Context, projectSlug string, manufacturer string) (ResolvedProject, error)

// Study is one stable study's worth of work handed to the anonymiser.
type Study struct {
	ExtractSlug string
	Identifiers tagengine.Identifiers
	Instances   []*dicomdataset.Dataset
}

// Result is a successfully anonymised and archived study.
type Result struct {
	PseudoStudyUID string
	Archive        []byte // zip, deflate-compressed
	KeptInstances  int
	SkippedCount   int
}

// DiscardedStudyError means every instance was discarded, or the study as
// a whole was discarded by the tag engine's pre-flight checks.
type DiscardedStudyError struct {
	Reason error
}

func (e *DiscardedStudyError) Error() string { return "anonymiser: study discarded: " + e.Reason.Error() }
func (e *DiscardedStudyError) Unwrap() error { return e.Reason }

// Handler applies the tag engine to stable studies and packages the
// result for upload.
type Handler struct {
	Engine  *tagengine.Engine
	Resolve ProjectResolver
	// NewPool builds a fresh worker pool for one HandleStableStudy call.
	// workerpool.Pool is single-use — Wait() closes it permanently — so a
	// Handler shared across requests must not hold a single long-lived
	// Pool; it calls NewPool() once per study instead.
	NewPool              func() *workerpool.Pool
	FallbackProjectSlug string
}

type instanceResult struct {
	dataset *dicomdataset.Dataset
	outcome tagengine.Outcome
	err     error
}

// HandleStableStudy runs the full C7 pipeline for one study.
func (h *Handler) HandleStableStudy(ctx context.Context, projectSlugFromStamp string, study Study) (*Result, error) {
	projectSlug := projectSlugFromStamp
	if projectSlug == "" {
		projectSlug = h.FallbackProjectSlug
		sklog.Warningf("anonymiser: study for mrn=%s accession=%s had no project stamp, falling back to %q",
			study.Identifiers.MRN, study.Identifiers.AccessionNumber, projectSlug)
	}

	manufacturer := ""
	if len(study.Instances) > 0 {
		manufacturer = study.Instances[0].GetString(study.Instances[0].Root(), dicomdataset.Tag{Group: 0x0008, Element: 0x0070})
	}
	resolved, err := h.Resolve(ctx, projectSlug, manufacturer)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	results := make([]instanceResult, len(study.Instances))
	pool := h.NewPool()
	for i, instance := range study.Instances {
		i, instance := i, instance
		pool.Go(func() {
			err := h.Engine.Apply(ctx, instance, resolved.Project, resolved.Scheme, study.ExtractSlug, study.Identifiers)
			results[i] = instanceResult{dataset: instance, outcome: tagengine.OutcomeOf(err), err: err}
		})
	}
	pool.Wait()

	var kept []*dicomdataset.Dataset
	skipped := 0
	for _, r := range results {
		switch {
		case r.err == nil:
			kept = append(kept, r.dataset)
		case r.outcome == tagengine.OutcomeSkipInstance:
			sklog.Infof("anonymiser: skipping instance for mrn=%s accession=%s: %s", study.Identifiers.MRN, study.Identifiers.AccessionNumber, r.err)
			skipped++
		case r.outcome == tagengine.OutcomeDiscardSeries, r.outcome == tagengine.OutcomeDiscardStudy:
			sklog.Warningf("anonymiser: discarding study mrn=%s accession=%s: %s", study.Identifiers.MRN, study.Identifiers.AccessionNumber, r.err)
			return nil, &DiscardedStudyError{Reason: r.err}
		default:
			return nil, skerr.Wrap(r.err)
		}
	}

	if len(kept) == 0 {
		return nil, &DiscardedStudyError{Reason: skerr.Fmt("every instance was skipped")}
	}

	pseudoStudyUID := kept[0].GetString(kept[0].Root(), dicomdataset.Tag{Group: 0x0020, Element: 0x000D})

	archive, err := buildArchive(kept)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	return &Result{
		PseudoStudyUID: pseudoStudyUID,
		Archive:        archive,
		KeptInstances:  len(kept),
		SkippedCount:   skipped,
	}, nil
}

// buildArchive writes each surviving instance's serialiseForArchive output
// into a deflate zip, one entry per instance. The
// actual DICOM byte serialisation is the embedded node's concern, out of
// scope here; this packages whatever representation the caller's
// serialiser produced onto each Element's values.
func buildArchive(instances []*dicomdataset.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i, instance := range instances {
		f, err := w.CreateHeader(&zip.FileHeader{
			Name:   fmt.Sprintf("instance-%04d.dcm", i),
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if _, err := f.Write(serialiseForArchive(instance)); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, skerr.Wrap(err)
	}
	return buf.Bytes(), nil
}

// serialiseForArchive renders a dataset's top-level elements as text, one
// "tag VR value" line per element; sequence items are not written. A production deployment replaces this with the
// DICOM wire serialiser embedded in the raw/anon node; this module only
// owns the allow-list/operation semantics upstream of that boundary.
func serialiseForArchive(d *dicomdataset.Dataset) []byte {
	var buf bytes.Buffer
	for _, el := range d.Elements(d.Root()) {
		fmt.Fprintf(&buf, "%s %s %s\n", el.Tag, el.VR, el.Value)
	}
	return buf.Bytes()
}
