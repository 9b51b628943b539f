// Package tagengine applies a project's tag-operation scheme to a DICOM
// dataset (C3): pre-flight filtering, allow-list enforcement, per-tag
// operation application, and last the pseudonym substitution that writes
// the ledger-assigned identifiers back into the dataset.
package tagengine

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/SAFEHR-data/PIXL-sub000/config"
	"github.com/SAFEHR-data/PIXL-sub000/go/dicomdataset"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
	"github.com/SAFEHR-data/PIXL-sub000/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/ledger"
)

// Op is one tag operation.
type Op string

const (
	OpKeep       Op = "keep"
	OpReplace    Op = "replace"
	OpDelete     Op = "delete"
	OpSecureHash Op = "secure-hash"
)

// TagSpec is one (group, element) → operation entry in a merged scheme.
type TagSpec struct {
	Tag dicomdataset.Tag
	Op  Op
}

// Scheme is a fully merged, ordered list of tag specs ready to apply.
type Scheme []TagSpec

func (s Scheme) lookup(tag dicomdataset.Tag) (TagSpec, bool) {
	for _, spec := range s {
		if spec.Tag == tag {
			return spec, true
		}
	}
	return TagSpec{}, false
}

// RawTagEntry mirrors one entry of an on-disk tag-operation YAML file
// (group and element as unsigned ints, op as a lowercase string).
type RawTagEntry struct {
	Group   uint16 `yaml:"group"`
	Element uint16 `yaml:"element"`
	Op      string `yaml:"op"`
}

// RawOverride is one manufacturer-override block.
type RawOverride struct {
	Manufacturer string        `yaml:"manufacturer"`
	Tags         []RawTagEntry `yaml:"tags"`
}

func rawToSpecs(entries []RawTagEntry) ([]TagSpec, error) {
	specs := make([]TagSpec, 0, len(entries))
	for _, e := range entries {
		op := Op(e.Op)
		switch op {
		case OpKeep, OpReplace, OpDelete, OpSecureHash:
		default:
			return nil, skerr.Fmt("tagengine: unknown op %q for tag (%04X,%04X)", e.Op, e.Group, e.Element)
		}
		specs = append(specs, TagSpec{Tag: dicomdataset.Tag{Group: e.Group, Element: e.Element}, Op: op})
	}
	return specs, nil
}

// MergeSchemes merges a project's ordered base schemes (later entries
// override earlier ones for the same tag) and, if manufacturer matches any
// override block, appends that override's tags last so they win.
func MergeSchemes(base [][]RawTagEntry, overrides []RawOverride, manufacturer string) (Scheme, error) {
	merged := map[dicomdataset.Tag]Op{}
	order := []dicomdataset.Tag{}

	apply := func(entries []RawTagEntry) error {
		specs, err := rawToSpecs(entries)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if _, exists := merged[spec.Tag]; !exists {
				order = append(order, spec.Tag)
			}
			merged[spec.Tag] = spec.Op
		}
		return nil
	}

	for _, scheme := range base {
		if err := apply(scheme); err != nil {
			return nil, err
		}
	}
	for _, ov := range overrides {
		re, err := regexp.Compile("(?i)" + ov.Manufacturer)
		if err != nil {
			return nil, skerr.Wrapf(err, "compiling manufacturer override regex %q", ov.Manufacturer)
		}
		if re.MatchString(manufacturer) {
			if err := apply(ov.Tags); err != nil {
				return nil, err
			}
		}
	}

	out := make(Scheme, 0, len(order))
	for _, tag := range order {
		out = append(out, TagSpec{Tag: tag, Op: merged[tag]})
	}
	return out, nil
}

// Outcome classifies a non-nil Apply error so callers can decide how to
// handle an instance/series/study without string-matching error text.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipInstance
	OutcomeDiscardSeries
	OutcomeDiscardStudy
)

type outcomeError struct {
	outcome Outcome
	err     error
}

func (e *outcomeError) Error() string { return e.err.Error() }
func (e *outcomeError) Unwrap() error { return e.err }

func newOutcomeError(outcome Outcome, format string, args ...interface{}) error {
	return &outcomeError{outcome: outcome, err: fmt.Errorf(format, args...)}
}

// OutcomeOf extracts the Outcome carried by an Apply error, defaulting to
// OutcomeApplied (i.e. "not a classified skip/discard") if err does not
// carry one.
func OutcomeOf(err error) Outcome {
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.outcome
	}
	return OutcomeApplied
}

var (
	tagSeriesDescription = dicomdataset.Tag{Group: 0x0008, Element: 0x103E}
	tagModality          = dicomdataset.Tag{Group: 0x0008, Element: 0x0060}
	tagManufacturer      = dicomdataset.Tag{Group: 0x0008, Element: 0x0070}
	tagSeriesNumber      = dicomdataset.Tag{Group: 0x0020, Element: 0x0011}
	tagStudyInstanceUID  = dicomdataset.Tag{Group: 0x0020, Element: 0x000D}
	tagPatientID         = dicomdataset.Tag{Group: 0x0010, Element: 0x0020}
)

// PreFlight runs the three ordered checks against the dataset's root-level
// elements and returns a classified error if the instance/series must be
// skipped or discarded, or nil if it should proceed.
func PreFlight(d *dicomdataset.Dataset, project *config.Project) error {
	seriesDescription := d.GetString(d.Root(), tagSeriesDescription)
	if project.IsSeriesExcluded(seriesDescription) {
		return newOutcomeError(OutcomeDiscardSeries, "series description %q matches a series filter", seriesDescription)
	}

	modality := d.GetString(d.Root(), tagModality)
	if !project.IsModalityAllowed(modality) {
		return newOutcomeError(OutcomeSkipInstance, "modality %q is not allowed for this project", modality)
	}

	manufacturer := d.GetString(d.Root(), tagManufacturer)
	if _, ok := project.ManufacturerAllowlistEntryFor(manufacturer); !ok {
		return newOutcomeError(OutcomeDiscardSeries, "manufacturer %q is not in the allow-list", manufacturer)
	}
	seriesNumber := d.GetString(d.Root(), tagSeriesNumber)
	if project.IsSeriesNumberExcluded(manufacturer, seriesNumber) {
		return newOutcomeError(OutcomeDiscardSeries, "series number %q is excluded for manufacturer %q", seriesNumber, manufacturer)
	}
	return nil
}

// Identifiers is the (mrn, accession number) pair the ledger needs to
// resolve the pseudonymous identifiers to substitute after scheme
// application.
type Identifiers struct {
	MRN             string
	AccessionNumber string
}

// Engine applies a merged Scheme to a dataset, calling out to the hasher
// for secure-hash ops and to the ledger for the final pseudonym
// substitution.
type Engine struct {
	Hasher *hasher.Client
	Ledger ledger.Store
}

// enforceAllowlist deletes every element not present in scheme with a
// non-delete op, recursing into sequence items. Matches pydicom's
// allow-list semantics: absence from the scheme is itself a delete.
func enforceAllowlist(d *dicomdataset.Dataset, scheme Scheme) {
	var visit func(nodeIdx int)
	visit = func(nodeIdx int) {
		for _, el := range d.Elements(nodeIdx) {
			spec, ok := scheme.lookup(el.Tag)
			if !ok || spec.Op == OpDelete {
				d.Delete(nodeIdx, el.Tag)
				continue
			}
			if el.VR == dicomdataset.VRSequence {
				for _, child := range el.Items {
					visit(child)
				}
			}
		}
	}
	visit(d.Root())
}

// applyOps applies each scheme operation to the elements that survived
// allow-list enforcement, recursing into sequences.
func (e *Engine) applyOps(ctx context.Context, d *dicomdataset.Dataset, nodeIdx int, scheme Scheme, projectSlug string) error {
	for _, el := range d.Elements(nodeIdx) {
		spec, ok := scheme.lookup(el.Tag)
		if !ok {
			continue
		}
		switch spec.Op {
		case OpKeep:
			// no-op
		case OpReplace:
			d.Set(nodeIdx, el.Tag, el.VR, "")
		case OpDelete:
			d.Delete(nodeIdx, el.Tag)
			continue
		case OpSecureHash:
			if !dicomdataset.LongStringVRs[el.VR] {
				return newOutcomeError(OutcomeDiscardStudy, "secure-hash is not defined for VR %q on tag %s", el.VR, el.Tag)
			}
			hashed, err := e.Hasher.Hash(ctx, projectSlug, el.Value, 64)
			if err != nil {
				return skerr.Wrap(err)
			}
			d.Set(nodeIdx, el.Tag, el.VR, hashed)
		}

		if el.VR == dicomdataset.VRSequence {
			for _, child := range el.Items {
				if err := e.applyOps(ctx, d, child, scheme, projectSlug); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Apply runs the full C3 pipeline against d in place: pre-flight, scheme
// merge (scheme must already be merged via MergeSchemes), allow-list
// enforcement, operation application, and pseudonym substitution. extract
// is the batch slug used for ledger lookups.
func (e *Engine) Apply(ctx context.Context, d *dicomdataset.Dataset, project *config.Project, scheme Scheme, extractSlug string, ids Identifiers) error {
	if err := PreFlight(d, project); err != nil {
		return err
	}

	enforceAllowlist(d, scheme)
	if err := e.applyOps(ctx, d, d.Root(), scheme, project.Slug); err != nil {
		return err
	}

	pseudoStudyUID, err := e.Ledger.AssignPseudoStudyUID(ctx, extractSlug, ids.MRN, ids.AccessionNumber, func() (string, error) {
		return e.Hasher.NewStudyUID(ctx)
	})
	if err != nil {
		return skerr.Wrap(err)
	}
	d.Set(d.Root(), tagStudyInstanceUID, dicomdataset.VRUID, pseudoStudyUID)

	hashedPatientID, err := e.Hasher.Hash(ctx, project.Slug, ids.MRN, 64)
	if err != nil {
		return skerr.Wrap(err)
	}
	pseudoPatientID, err := e.Ledger.AssignOrGetPseudoPatientID(ctx, extractSlug, ids.MRN, hashedPatientID)
	if err != nil {
		return skerr.Wrap(err)
	}
	d.Set(d.Root(), tagPatientID, dicomdataset.VRLongString, pseudoPatientID)

	return nil
}

// Validator checks a dataset against a DICOM information-object
// definition, returning any validation errors found. A Validator is
// invoked both before and after anonymisation so only newly introduced
// errors are reported; production wiring is an external collaborator, so
// the default is NoopValidator.
type Validator interface {
	Validate(d *dicomdataset.Dataset) ([]string, error)
}

// NoopValidator reports no errors, used when no IOD validator is wired in.
type NoopValidator struct{}

// Validate implements Validator.
func (NoopValidator) Validate(*dicomdataset.Dataset) ([]string, error) { return nil, nil }

// DiffNewErrors returns the validation errors present in after that were
// not already present in before, so a validator's pre-existing complaints
// about a dataset do not drown out errors the anonymisation itself
// introduced.
func DiffNewErrors(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, e := range before {
		seen[e] = true
	}
	var out []string
	for _, e := range after {
		if !seen[e] {
			out = append(out, e)
		}
	}
	return out
}
