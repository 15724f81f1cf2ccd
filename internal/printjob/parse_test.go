package printjob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sliceInfoFixture = `<?xml version="1.0" encoding="UTF-8"?>
<config>
  <plate>
    <metadata key="index" value="1"/>
    <metadata key="label_object_enabled" value="true"/>
    <filament id="1" tray_info_idx="GFL99" type="PLA" color="#FF0000" used_m="1.5" used_g="4.2"/>
    <filament id="2" tray_info_idx="GFA00" type="PETG" color="#00FF00" used_m="0.5" used_g="1.4"/>
    <warning msg="bed_temperature_too_high" level="warning" error_code="1000C001"/>
    <object identify_id="500" name="cube" skipped="false"/>
    <object identify_id="501" name="cone" skipped="true"/>
  </plate>
</config>`

const modelSettingsFixture = `<?xml version="1.0" encoding="UTF-8"?>
<config>
  <plate>
    <metadata key="plater_id" value="1"/>
    <metadata key="pick_file" value="Metadata/pick_1.png"/>
  </plate>
</config>`

const gcodeFixture = `; HEADER_BLOCK_START
; BambuStudio 01.08.00.57
; model printing time: 1h 2m 3s; total estimated time: 1h 5m 30s
; total layer number: 120
; total filament weight [g] : 25.5
; HEADER_BLOCK_END
G28
; filament_ids = 1;2
; filament_settings_id = ; "Bambu PLA Basic @BBL A1";"Bambu PETG Basic @BBL A1"
`

func writeBundleFixture(t *testing.T, extractDir string) {
	t.Helper()
	metadataDir := filepath.Join(extractDir, "Metadata")
	require.NoError(t, os.MkdirAll(metadataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "slice_info.config"), []byte(sliceInfoFixture), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "model_settings.config"), []byte(modelSettingsFixture), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "plate_1.gcode"), []byte(gcodeFixture), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "plate_1.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(metadataDir, "pick_1.png"), []byte("png"), 0o644))
}

func TestParseSliceMetadata(t *testing.T) {
	dir := t.TempDir()
	writeBundleFixture(t, dir)

	plates := parseSliceMetadata(dir)
	require.Len(t, plates, 1)
	plate := plates[0]

	require.NotNil(t, plate.Index)
	assert.Equal(t, 1, *plate.Index)
	assert.Equal(t, "true", plate.Metadata["label_object_enabled"])

	require.Len(t, plate.Filaments, 2)
	assert.Equal(t, 1, plate.Filaments[0].ID)
	assert.Equal(t, "GFL99", plate.Filaments[0].TrayInfoIdx)
	assert.Equal(t, 1.5, plate.Filaments[0].UsedM)

	require.Len(t, plate.Warnings, 1)
	assert.Equal(t, "bed_temperature_too_high", plate.Warnings[0].Msg)

	require.Len(t, plate.Objects, 2)
	require.NotNil(t, plate.Objects[0].IdentifyID)
	assert.Equal(t, 500, *plate.Objects[0].IdentifyID)
	assert.False(t, plate.Objects[0].Skipped)
	assert.True(t, plate.Objects[1].Skipped)
}

func TestParseModelSettings(t *testing.T) {
	dir := t.TempDir()
	writeBundleFixture(t, dir)

	plates := parseModelSettings(dir)
	require.Len(t, plates, 1)
	require.NotNil(t, plates[0].Index)
	assert.Equal(t, 1, *plates[0].Index)
	assert.Equal(t, "Metadata/pick_1.png", plates[0].Metadata["pick_file"])
}

func TestParseMissingConfigs(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, parseSliceMetadata(dir))
	assert.Nil(t, parseModelSettings(dir))
}

func TestParseGcodeHeader(t *testing.T) {
	dir := t.TempDir()
	writeBundleFixture(t, dir)

	summary := parseGcodeHeader(filepath.Join(dir, "Metadata", "plate_1.gcode"))

	require.NotNil(t, summary.ModelPrintingTimeS)
	assert.Equal(t, 3723, *summary.ModelPrintingTimeS)
	require.NotNil(t, summary.EstimatedTimeS)
	assert.Equal(t, 3930, *summary.EstimatedTimeS)
	require.NotNil(t, summary.TotalLayerNumber)
	assert.Equal(t, 120, *summary.TotalLayerNumber)
	require.NotNil(t, summary.TotalFilamentWeightG)
	assert.Equal(t, 25.5, *summary.TotalFilamentWeightG)
	assert.Equal(t, []string{"1", "2"}, summary.FilamentIDs)
	assert.Equal(t, []string{"Bambu PLA Basic @BBL A1", "Bambu PETG Basic @BBL A1"}, summary.FilamentSettings)
}

func TestParseGcodeHeaderMissingFile(t *testing.T) {
	summary := parseGcodeHeader(filepath.Join(t.TempDir(), "nope.gcode"))
	assert.Nil(t, summary.EstimatedTimeS)
	assert.Empty(t, summary.FilamentIDs)
}

func TestParseDurationSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"1h 2m 3s", 3723},
		{"45m", 2700},
		{"30s", 30},
		{"2h", 7200},
		{"", 0},
	}
	for _, tt := range tests {
		got := parseDurationSeconds(tt.in)
		require.NotNil(t, got, tt.in)
		assert.Equal(t, tt.want, *got, tt.in)
	}
}

func TestExtractPlateIndex(t *testing.T) {
	idx := extractPlateIndex("plate_3.gcode")
	require.NotNil(t, idx)
	assert.Equal(t, 3, *idx)
	assert.Nil(t, extractPlateIndex("model.gcode"))
	assert.Nil(t, extractPlateIndex(""))
}
