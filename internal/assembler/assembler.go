// Package assembler turns a printer's deep-merged master document into the
// typed PrinterState snapshot (§4.4). It is a pure transform: given the same
// master document and previous state it always produces the same result, so
// the orchestrator (the system's single writer) can call it freely without
// talking to any wire client itself.
package assembler

import (
	"sort"
	"strings"

	"github.com/bambu-fleet/monitor/internal/capability"
	"github.com/bambu-fleet/monitor/internal/hms"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/stage"
)

// Assembler holds the HMS/error description tables; everything else it does
// is stateless.
type Assembler struct {
	tables *hms.Tables
}

func New(tables *hms.Tables) *Assembler {
	return &Assembler{tables: tables}
}

// Assemble derives a new PrinterState from a printer's merged master
// document. serial is used for HMS/print-error device-table lookups. The
// result starts as a copy of prev, so fields not derived from master
// (printer_online, last_sent_project_file, and the AMS block when master
// carries none) keep their previous values; print-again evaluation reads
// printer_online and last_sent_project_file from them.
func (a *Assembler) Assemble(master map[string]any, serial string, prev model.PrinterState) model.PrinterState {
	state := prev

	printSection := asMap(master["print"])
	if printSection == nil {
		printSection = master
	}
	moduleIndex := a.collectInfoModules(master)

	state.Print = a.parsePrint(printSection, moduleIndex, serial)
	state.Print.StageLabels = make([]string, len(state.Print.StageHistory))
	for i, code := range state.Print.StageHistory {
		state.Print.StageLabels[i] = stage.ResolveLabel(code)
	}
	state.Print.StageLabel = stage.ResolveLabel(state.Print.Stage)

	amsSection := master["ams"]
	if amsSection == nil {
		amsSection = printSection["ams"]
	}
	if amsSection != nil {
		amsModule := moduleIndex["ams_f1/0"]
		state.Ams = a.parseAms(amsSection, amsModule)
	}
	a.applyAmsStatus(&state, printSection)

	a.attachExternalSpool(&state, master)

	printerModel := a.detectPrinterModel(moduleIndex, master)
	state.Capabilities = capability.ResolvePrinter(printerModel)
	for i := range state.Ams.AmsUnits {
		state.Ams.AmsUnits[i].Capabilities = capability.ResolveAMSUnit(state.Ams.AmsUnits[i].ProductName)
	}

	state.Print.PrintAgain = EvaluatePrintAgain(state.Print, state.LastSentProjectFile, state.PrinterOnline)

	return state
}

func (a *Assembler) applyAmsStatus(state *model.PrinterState, printSection map[string]any) {
	raw, ok := printSection["ams_status"]
	if !ok || raw == nil {
		return
	}
	state.Ams.Main, state.Ams.Sub = model.ResolveAmsStatus(toInt(raw, 0))
}

// collectInfoModules walks master["info"] and master["print"]["info"] blocks
// that carry command=="get_version" and indexes their module list by
// lowercased name, first occurrence wins.
func (a *Assembler) collectInfoModules(master map[string]any) map[string]map[string]any {
	index := map[string]map[string]any{}
	collect := func(section any) {
		m := asMap(section)
		if m == nil {
			return
		}
		if s, _ := m["command"].(string); s != "get_version" {
			return
		}
		modules, _ := m["module"].([]any)
		for _, entry := range modules {
			mod := asMap(entry)
			if mod == nil {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(toStr(mod["name"])))
			if name == "" {
				continue
			}
			if _, exists := index[name]; exists {
				continue
			}
			index[name] = mod
		}
	}
	collect(master["info"])
	if printSection := asMap(master["print"]); printSection != nil {
		collect(printSection["info"])
	}
	return index
}

func (a *Assembler) detectPrinterModel(moduleIndex map[string]map[string]any, master map[string]any) string {
	for _, key := range []string{"ota", "mb_core", "mb0"} {
		if mod, ok := moduleIndex[key]; ok {
			if product := toStr(mod["product_name"]); product != "" {
				return product
			}
		}
	}
	names := make([]string, 0, len(moduleIndex))
	for name := range moduleIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if product := toStr(moduleIndex[name]["product_name"]); product != "" {
			return product
		}
	}
	if info := asMap(master["info"]); info != nil {
		if product := toStr(info["product_name"]); product != "" {
			return product
		}
	}
	if printSection := asMap(master["print"]); printSection != nil {
		if product := toStr(printSection["product_name"]); product != "" {
			return product
		}
	}
	return ""
}
