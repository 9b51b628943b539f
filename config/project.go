// Package config holds the resolved, in-memory records this pipeline's
// components are constructed with: each constructor takes a resolved
// config record rather than reaching for a global. Loading and validating
// the on-disk YAML representation lives here too, but the CLI driver that
// discovers which files to load is an external collaborator, out of
// scope for this module.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// Destination is a tagged variant over the closed set of upload
// destinations, resolved from the on-disk string at load time rather
// than dispatched dynamically by string at call time.
type Destination string

const (
	DestinationNone     Destination = "none"
	DestinationFTPS     Destination = "ftps"
	DestinationDICOMweb Destination = "dicomweb"
	DestinationXNAT     Destination = "xnat"
	DestinationSFTP     Destination = "sftp"
	DestinationTREAPI   Destination = "tre-api"
)

func (d Destination) valid() bool {
	switch d {
	case DestinationNone, DestinationFTPS, DestinationDICOMweb, DestinationXNAT, DestinationSFTP, DestinationTREAPI:
		return true
	default:
		return false
	}
}

// Destinations is the pair of sinks a project may deliver to: DICOM
// studies and, separately, parquet exports.
type Destinations struct {
	DICOM   Destination `yaml:"dicom"`
	Parquet Destination `yaml:"parquet"`
}

func (d Destinations) validate() error {
	if !d.DICOM.valid() {
		return skerr.Fmt("invalid destination.dicom: %q", d.DICOM)
	}
	if !d.Parquet.valid() {
		return skerr.Fmt("invalid destination.parquet: %q", d.Parquet)
	}
	if d.Parquet == DestinationDICOMweb || d.Parquet == DestinationXNAT {
		return skerr.Fmt("destination.parquet cannot be %q", d.Parquet)
	}
	return nil
}

// ManufacturerAllowlistEntry allows a manufacturer (matched by regex) and
// optionally excludes specific series numbers for it.
type ManufacturerAllowlistEntry struct {
	Regex                string   `yaml:"regex"`
	ExcludeSeriesNumbers []string `yaml:"exclude_series_numbers"`

	compiled *regexp.Regexp
}

func (m *ManufacturerAllowlistEntry) compile() error {
	re, err := regexp.Compile("(?i)" + m.Regex)
	if err != nil {
		return skerr.Wrapf(err, "compiling manufacturer regex %q", m.Regex)
	}
	m.compiled = re
	return nil
}

// TagOperationFiles names the base and manufacturer-override tag-scheme
// files for a project.
type TagOperationFiles struct {
	Base                 []string `yaml:"base"`
	ManufacturerOverrides []string `yaml:"manufacturer_overrides"`
}

// Project is the resolved per-project configuration.
type Project struct {
	Name                 string                       `yaml:"name"`
	AzureKVAlias         string                       `yaml:"azure_kv_alias"`
	Modalities           []string                     `yaml:"modalities"`
	SeriesFilters        []string                     `yaml:"series_filters"`
	AllowedManufacturers []ManufacturerAllowlistEntry `yaml:"allowed_manufacturers"`
	TagOperationFiles    TagOperationFiles            `yaml:"tag_operation_files"`
	Destination          Destinations                 `yaml:"destination"`

	// Slug is derived, not loaded from YAML, and is filled in by Validate.
	Slug string `yaml:"-"`
}

// Load parses a project config document from YAML bytes. name,
// azure_kv_alias and modalities are read from a top-level "project" block
// when one is present; every other key is read from the top level.
func Load(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, skerr.Wrap(err)
	}
	var doc struct {
		Project *Project `yaml:"project"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, skerr.Wrap(err)
	}
	if doc.Project != nil {
		p.Name, p.AzureKVAlias, p.Modalities = doc.Project.Name, doc.Project.AzureKVAlias, doc.Project.Modalities
	}
	if err := p.Validate(); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &p, nil
}

// Slugify derives a project slug from a human-readable project name:
// lowercase, non-alphanumerics replaced by hyphens.
func Slugify(name string) string {
	var sb strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			sb.WriteRune(r)
			prevHyphen = false
			continue
		}
		if !prevHyphen {
			sb.WriteByte('-')
			prevHyphen = true
		}
	}
	return strings.Trim(sb.String(), "-")
}

// Validate checks the project config's invariants and compiles its
// manufacturer regexes. It is idempotent and safe to call more than once.
func (p *Project) Validate() error {
	if p.Name == "" {
		return skerr.Fmt("project name must not be empty")
	}
	p.Slug = Slugify(p.Name)
	if len(p.Modalities) == 0 {
		return skerr.Fmt("project %q must allow at least one modality", p.Name)
	}
	if len(p.TagOperationFiles.Base) == 0 {
		return skerr.Fmt("project %q must have at least one base tag operations file", p.Name)
	}
	if len(p.AllowedManufacturers) == 0 {
		p.AllowedManufacturers = []ManufacturerAllowlistEntry{{Regex: "no manufacturers allowed ^"}}
	}
	for i := range p.AllowedManufacturers {
		if err := p.AllowedManufacturers[i].compile(); err != nil {
			return skerr.Wrap(err)
		}
	}
	if err := p.Destination.validate(); err != nil {
		return skerr.Wrapf(err, "project %q", p.Name)
	}
	return nil
}

// IsSeriesExcluded reports whether seriesDescription matches any
// case-insensitive substring in series_filters.
func (p *Project) IsSeriesExcluded(seriesDescription string) bool {
	if seriesDescription == "" {
		return false
	}
	upper := strings.ToUpper(seriesDescription)
	for _, filt := range p.SeriesFilters {
		if strings.Contains(upper, strings.ToUpper(filt)) {
			return true
		}
	}
	return false
}

// IsModalityAllowed reports whether modality is in the project's
// modalities allow-list.
func (p *Project) IsModalityAllowed(modality string) bool {
	for _, m := range p.Modalities {
		if m == modality {
			return true
		}
	}
	return false
}

// ManufacturerAllowlistEntryFor returns the matching allow-list entry for
// manufacturer, or (nil, false) if none matches.
func (p *Project) ManufacturerAllowlistEntryFor(manufacturer string) (*ManufacturerAllowlistEntry, bool) {
	for i := range p.AllowedManufacturers {
		entry := &p.AllowedManufacturers[i]
		if entry.compiled != nil && entry.compiled.MatchString(manufacturer) {
			return entry, true
		}
	}
	return nil, false
}

// IsSeriesNumberExcluded reports whether seriesNumber is excluded for the
// given manufacturer's allow-list entry.
func (p *Project) IsSeriesNumberExcluded(manufacturer, seriesNumber string) bool {
	entry, ok := p.ManufacturerAllowlistEntryFor(manufacturer)
	if !ok || seriesNumber == "" {
		return false
	}
	for _, excl := range entry.ExcludeSeriesNumbers {
		if strings.Contains(seriesNumber, excl) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for log lines.
func (p *Project) String() string {
	return fmt.Sprintf("project(name=%s slug=%s)", p.Name, p.Slug)
}
