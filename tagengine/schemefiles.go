package tagengine

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/SAFEHR-data/PIXL-sub000/config"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// tagFile is the on-disk shape of a base tag-operation file: a bare list
// under a top-level "tags" key.
type tagFile struct {
	Tags []RawTagEntry `yaml:"tags"`
}

// LoadTagFile reads one base tag-operation YAML file.
func LoadTagFile(path string) ([]RawTagEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var f tagFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, skerr.Wrap(err)
	}
	return f.Tags, nil
}

// LoadOverrideFile reads one manufacturer-override YAML file.
func LoadOverrideFile(path string) (RawOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RawOverride{}, skerr.Wrap(err)
	}
	var o RawOverride
	if err := yaml.Unmarshal(data, &o); err != nil {
		return RawOverride{}, skerr.Wrap(err)
	}
	return o, nil
}

// BuildScheme loads every file named by a project's TagOperationFiles and
// merges them for the given manufacturer, the on-disk equivalent of
// MergeSchemes, used by cmd/pixl-anon when it resolves a project.
func BuildScheme(files config.TagOperationFiles, manufacturer string) (Scheme, error) {
	var base [][]RawTagEntry
	for _, path := range files.Base {
		entries, err := LoadTagFile(path)
		if err != nil {
			return Scheme{}, skerr.Wrap(err)
		}
		base = append(base, entries)
	}

	var overrides []RawOverride
	for _, path := range files.ManufacturerOverrides {
		o, err := LoadOverrideFile(path)
		if err != nil {
			return Scheme{}, skerr.Wrap(err)
		}
		overrides = append(overrides, o)
	}

	return MergeSchemes(base, overrides, manufacturer)
}
