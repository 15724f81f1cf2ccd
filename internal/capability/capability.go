// Package capability resolves per-model field-visibility overrides (§4.4
// step 6), ported from the original source's static capability registry.
package capability

import (
	"strings"

	"github.com/bambu-fleet/monitor/internal/model"
)

var printerFieldOverrides = map[string]map[string]bool{
	"bambu lab a1": {
		"print.chamber_temp": false,
		"print.fan_gear":     false,
		"print.layer_inspect": false,
	},
}

var amsFieldOverrides = map[string]map[string]bool{
	"ams lite": {
		"trays.remain":  false,
		"unit.humidity": false,
		"unit.temp":     false,
	},
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// ResolvePrinter returns capability flags for the named printer model.
func ResolvePrinter(modelName string) model.PrinterCapabilities {
	overrides := printerFieldOverrides[normalize(modelName)]
	fields := map[string]bool{}
	for k, v := range overrides {
		fields[k] = v
	}
	return model.PrinterCapabilities{Model: modelName, Fields: fields}
}

// ResolveAMSUnit returns capability flags for the named AMS product.
func ResolveAMSUnit(productName string) model.AmsUnitCapabilities {
	overrides := amsFieldOverrides[normalize(productName)]
	fields := map[string]bool{}
	for k, v := range overrides {
		fields[k] = v
	}
	return model.AmsUnitCapabilities{ProductName: productName, Fields: fields}
}
