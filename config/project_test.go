package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify_LowercasesAndHyphenatesNonAlphanumerics(t *testing.T) {
	assert.Equal(t, "test-extract-uclh-omop-cdm", Slugify("Test Extract: UCLH OMOP-CDM"))
	assert.Equal(t, "a-b-c", Slugify("A_B__C"))
	assert.Equal(t, "abc123", Slugify("ABC123"))
}

const validYAML = `
project:
  name: Test Extract
  modalities: [DX, CR]
series_filters: ["localiser"]
allowed_manufacturers:
  - regex: "siemens"
    exclude_series_numbers: ["99"]
tag_operation_files:
  base: ["base.yaml"]
destination:
  dicom: ftps
  parquet: none
`

func TestLoad_ValidYAML_ParsesAndDerivesSlug(t *testing.T) {
	p, err := Load([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "test-extract", p.Slug)
	assert.True(t, p.IsModalityAllowed("DX"))
	assert.False(t, p.IsModalityAllowed("MR"))
}

func TestLoad_ParquetDestinationCannotBeDicomwebOrXnat(t *testing.T) {
	for _, bad := range []string{"dicomweb", "xnat"} {
		yamlDoc := `
project:
  name: P
  modalities: [DX]
tag_operation_files:
  base: ["base.yaml"]
destination:
  dicom: ftps
  parquet: ` + bad + "\n"
		_, err := Load([]byte(yamlDoc))
		require.Error(t, err)
	}
}

func TestLoad_NoModalities_Rejected(t *testing.T) {
	yamlDoc := `
project:
  name: P
tag_operation_files:
  base: ["base.yaml"]
destination:
  dicom: none
  parquet: none
`
	_, err := Load([]byte(yamlDoc))
	require.Error(t, err)
}

func TestIsSeriesExcluded_CaseInsensitiveSubstring(t *testing.T) {
	p := &Project{SeriesFilters: []string{"Localiser"}}
	assert.True(t, p.IsSeriesExcluded("AXIAL LOCALISER SCAN"))
	assert.True(t, p.IsSeriesExcluded("axial localiser scan"))
	assert.False(t, p.IsSeriesExcluded("AXIAL T1"))
}

func TestManufacturerAllowlistEntryFor_MatchesRegexCaseInsensitively(t *testing.T) {
	p, err := Load([]byte(validYAML))
	require.NoError(t, err)

	entry, ok := p.ManufacturerAllowlistEntryFor("SIEMENS Healthineers")
	require.True(t, ok)
	assert.True(t, p.IsSeriesNumberExcluded("SIEMENS Healthineers", "series-99"))
	assert.False(t, p.IsSeriesNumberExcluded("SIEMENS Healthineers", "series-1"))
	_, ok = p.ManufacturerAllowlistEntryFor("GE")
	assert.False(t, ok)
	_ = entry
}
