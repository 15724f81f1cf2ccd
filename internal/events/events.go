// Package events derives discrete printer events (print finished/paused,
// print errors, HMS errors) from the state-update stream (§4.7). It
// registers itself as a notifier hook and keeps a bounded, newest-first
// ring buffer of events per printer.
package events

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bambu-fleet/monitor/internal/model"
)

const defaultMaxEventsPerPrinter = 50

const (
	channelGcodeState = "gcode_state"
	channelPrintError = "print_error"
	channelHMS        = "hms_errors"
)

// Service collects printer events triggered by state transitions, grounded
// on original_source/app/services/event_service.py.
type Service struct {
	maxEvents int

	mu        sync.Mutex
	events    map[string][]model.PrinterEvent // newest-first, per printer
	snapshots map[[2]string]string            // (printer_id, channel) -> normalized value
}

func New() *Service {
	return &Service{
		maxEvents: defaultMaxEventsPerPrinter,
		events:    map[string][]model.PrinterEvent{},
		snapshots: map[[2]string]string{},
	}
}

// Hook implements notifier.Hook; register it on startup.
func (s *Service) Hook(printerID string, state model.PrinterState) {
	current := state.Print.GcodeState
	if current == "" {
		current = model.GcodeUnknown
	}
	changed := s.updateSnapshot(printerID, channelGcodeState, string(current))
	if changed && (current == model.GcodeFinish || current == model.GcodePause) {
		message := "Print paused"
		if current == model.GcodeFinish {
			message = "Print finished"
		}
		s.appendEvent(s.buildEvent(printerID, state, message, current))
	}

	s.trackPrintError(printerID, state)
	s.trackHMSErrors(printerID, state)
}

func (s *Service) buildEvent(printerID string, state model.PrinterState, message string, gcodeState model.GcodeState) model.PrinterEvent {
	if gcodeState == "" {
		gcodeState = state.Print.GcodeState
	}
	if gcodeState == "" {
		gcodeState = model.GcodeUnknown
	}
	return model.PrinterEvent{
		ID:            uuid.NewString(),
		PrinterID:     printerID,
		GcodeState:    gcodeState,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
		Percent:       state.Print.Percent,
		Layer:         state.Print.Layer,
		RemainingTime: state.Print.RemainingTime,
		FinishTime:    state.Print.FinishTime,
		File:          state.Print.File,
	}
}

func (s *Service) trackPrintError(printerID string, state model.PrinterState) {
	err := state.Print.PrintError
	var snapshot any
	var message string
	if err != nil {
		code := cleanText(err.Code)
		desc := cleanText(err.Description)
		subCode := cleanText(err.SubCode)
		snapshot = map[string]string{"code": code, "description": desc, "sub_code": subCode}
		label := code
		if label == "" {
			label = "Unknown code"
		}
		if desc != "" {
			if code != "" {
				label = code + " - " + desc
			} else {
				label = desc
			}
		}
		message = "Print error detected: " + label
	}

	changed := s.updateSnapshot(printerID, channelPrintError, normalizeSnapshot(snapshot))
	if snapshot != nil && changed {
		s.appendEvent(s.buildEvent(printerID, state, message, ""))
	}
}

func (s *Service) trackHMSErrors(printerID string, state model.PrinterState) {
	type normalizedErr struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	var normalized []normalizedErr
	for _, e := range state.Print.HMSErrors {
		normalized = append(normalized, normalizedErr{
			Code:        cleanText(e.HexCode),
			Description: cleanText(e.Description),
		})
	}

	var snapshot any
	var message string
	if len(normalized) > 0 {
		snapshot = normalized
		first := normalized[0]
		label := first.Code
		if label == "" {
			label = "Unknown HMS code"
		}
		if first.Description != "" {
			if first.Code != "" {
				label = first.Code + " - " + first.Description
			} else {
				label = first.Description
			}
		}
		message = "HMS error detected: " + label
	}

	changed := s.updateSnapshot(printerID, channelHMS, normalizeSnapshot(snapshot))
	if len(normalized) > 0 && changed {
		s.appendEvent(s.buildEvent(printerID, state, message, ""))
	}
}

func (s *Service) appendEvent(evt model.PrinterEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := append([]model.PrinterEvent{evt}, s.events[evt.PrinterID]...)
	if len(queue) > s.maxEvents {
		queue = queue[:s.maxEvents]
	}
	s.events[evt.PrinterID] = queue
}

// List returns recent events, newest first, optionally filtered to one
// printer and truncated to limit (§4.7, §6.1).
func (s *Service) List(printerID string, limit int) []model.PrinterEvent {
	s.mu.Lock()
	var combined []model.PrinterEvent
	if printerID != "" {
		combined = append(combined, s.events[printerID]...)
	} else {
		for _, queue := range s.events {
			combined = append(combined, queue...)
		}
	}
	s.mu.Unlock()

	sort.Slice(combined, func(i, j int) bool { return combined[i].CreatedAt.After(combined[j].CreatedAt) })
	if limit > 0 && len(combined) > limit {
		combined = combined[:limit]
	}
	return combined
}

// Clear drops stored events for printerID, or every printer if printerID is
// empty.
func (s *Service) Clear(printerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if printerID != "" {
		delete(s.events, printerID)
		for key := range s.snapshots {
			if key[0] == printerID {
				delete(s.snapshots, key)
			}
		}
		return
	}
	s.events = map[string][]model.PrinterEvent{}
	s.snapshots = map[[2]string]string{}
}

// updateSnapshot stores the normalized value and reports whether it changed
// vs. the prior value for (printerID, channel). An empty normalized value
// clears the snapshot (mirrors the original's None-pops-the-key behavior).
func (s *Service) updateSnapshot(printerID, channel, normalized string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{printerID, channel}
	if normalized == "" {
		_, existed := s.snapshots[key]
		delete(s.snapshots, key)
		return existed
	}
	if prev, ok := s.snapshots[key]; ok && prev == normalized {
		return false
	}
	s.snapshots[key] = normalized
	return true
}

func normalizeSnapshot(value any) string {
	if value == nil {
		return ""
	}
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}

func cleanText(s string) string {
	return strings.TrimSpace(s)
}
