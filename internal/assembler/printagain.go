package assembler

import (
	"strings"

	"github.com/bambu-fleet/monitor/internal/model"
)

// EvaluatePrintAgain derives the "print again" affordance (§4.11), grounded
// on the original's update_print_again_state / evaluate_print_again_state.
// Exported so internal/orchestrator can re-derive it outside a full
// Assemble pass (e.g. when only last_sent_project_file or online changes).
func EvaluatePrintAgain(print model.PrintStatus, lastSent *model.LastSentProjectFile, online bool) model.PrintAgainState {
	if print.GcodeState != model.GcodeFinish && print.GcodeState != model.GcodeFailed {
		return model.PrintAgainState{Reason: "print_in_progress"}
	}

	payload := buildPrintAgainPayload(lastSent)
	if payload == nil {
		return model.PrintAgainState{Reason: "no_payload"}
	}

	sentFile := extractFilename(lastSent.File)
	if sentFile == "" {
		sentFile = extractFilename(lastSent.URL)
	}
	currentFile := extractFilename(print.File)
	if sentFile == "" || currentFile == "" || sentFile != currentFile {
		return model.PrintAgainState{Reason: "file_mismatch"}
	}

	enabled := online
	reason := ""
	if !enabled {
		reason = "printer_offline"
	}

	return model.PrintAgainState{Visible: true, Enabled: enabled, Payload: payload, Reason: reason}
}

func buildPrintAgainPayload(lastSent *model.LastSentProjectFile) *model.PrintAgainPayload {
	if lastSent == nil || lastSent.Command != "project_file" {
		return nil
	}
	if lastSent.URL == "" || lastSent.Plate == "" {
		return nil
	}
	return &model.PrintAgainPayload{
		Command:       lastSent.Command,
		URL:           lastSent.URL,
		Plate:         lastSent.Plate,
		BedLeveling:   lastSent.BedLeveling,
		FlowCali:      lastSent.FlowCali,
		Timelapse:     lastSent.Timelapse,
		UseAms:        lastSent.UseAms,
		LayerInspect:  lastSent.LayerInspect,
		VibrationCali: lastSent.VibrationCali,
	}
}

func extractFilename(value string) string {
	if value == "" {
		return ""
	}
	parts := strings.FieldsFunc(value, func(r rune) bool { return r == '\\' || r == '/' })
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
