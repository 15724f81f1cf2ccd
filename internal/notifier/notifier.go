// Package notifier implements the pub/sub backbone of the state pipeline
// (§4.6): a hook registry any service can subscribe to, plus the SSE stream
// service that turns state updates into versioned snapshot/diff events.
package notifier

import (
	"log/slog"

	"github.com/bambu-fleet/monitor/internal/model"
)

// Hook is called synchronously, in registration order, every time a
// printer's state is published. A hook that panics is recovered and logged,
// so one bad subscriber never breaks another (§4.6).
type Hook func(printerID string, state model.PrinterState)

// Notifier is the central dispatcher for state-change hooks.
type Notifier struct {
	hooks []Hook
}

func New() *Notifier { return &Notifier{} }

// Register adds hook to the dispatch list. Not safe to call concurrently
// with Notify; all registrations happen during startup wiring.
func (n *Notifier) Register(hook Hook) { n.hooks = append(n.hooks, hook) }

// Notify runs every registered hook for (printerID, state), isolating
// panics/errors per hook so one failing observer doesn't stop the rest.
func (n *Notifier) Notify(printerID string, state model.PrinterState) {
	for _, hook := range n.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("state hook panicked", "printer_id", printerID, "error", r)
				}
			}()
			hook(printerID, state)
		}()
	}
}
