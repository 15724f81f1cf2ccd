package hms

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntToHexGroups(t *testing.T) {
	assert.Equal(t, "0300-2B00-0002-0001", IntToHexGroups(0x03002B0000020001))
	assert.Equal(t, "0A01-0003", IntToHexGroups(0x0A010003))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "0300-2B00-0002-0001", NormalizeCode("03002b0000020001"))
	assert.Equal(t, "0A01-0003", NormalizeCode("0a010003"))
	assert.Equal(t, "", NormalizeCode(""))
}

func TestDeviceTypeFromSerial(t *testing.T) {
	assert.Equal(t, "01S", DeviceTypeFromSerial("01S00A123456789"))
	assert.Equal(t, "", DeviceTypeFromSerial("ab"))
}

func TestTablesFallsBackTo22E(t *testing.T) {
	dir := t.TempDir()
	writeTableFile(t, dir, "22E", map[string]string{"0300-2B00-0002-0001": "Nozzle clog"})

	tables := NewTables(dir)
	desc := tables.ResolveHMS("0300-2B00-0002-0001", "XYZ0001A00001")
	require.Equal(t, "Nozzle clog", desc)
}

func TestTablesPrefersDeviceSpecificFile(t *testing.T) {
	dir := t.TempDir()
	writeTableFile(t, dir, "22E", map[string]string{"0300-2B00-0002-0001": "generic"})
	writeTableFile(t, dir, "01S", map[string]string{"0300-2B00-0002-0001": "specific"})

	tables := NewTables(dir)
	desc := tables.ResolveHMS("0300-2B00-0002-0001", "01S00A123456789")
	require.Equal(t, "specific", desc)
}

func writeTableFile(t *testing.T, dir, device string, hms map[string]string) {
	t.Helper()
	items := ""
	first := true
	for code, intro := range hms {
		if !first {
			items += ","
		}
		first = false
		items += `{"ecode":"` + code + `","intro":"` + intro + `"}`
	}
	content := `{"device_hms":{"en":[` + items + `]},"device_error":{"en":[]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hms_en_"+device+".json"), []byte(content), 0o644))
}
