// Package repository implements the per-printer state store (§4.2): a
// process-level map of per-printer locked stores, each holding the raw
// deep-merged master document plus the typed snapshot. Grounded on the
// original source's StateRepository/_PrinterStore and on the teacher's
// lock-guarded-map idiom used throughout engine/.
package repository

import (
	"sync"
	"sync/atomic"

	"github.com/bambu-fleet/monitor/internal/model"
)

type printerStore struct {
	mu     sync.Mutex
	master map[string]any
	state  model.PrinterState
}

// Repository owns every configured printer's store plus the atomic
// active-printer pointer (§4.2).
type Repository struct {
	mapMu  sync.Mutex
	stores map[string]*printerStore

	activePrinterID atomic.Value // string
}

func New() *Repository {
	r := &Repository{stores: map[string]*printerStore{}}
	r.activePrinterID.Store("")
	return r
}

func (r *Repository) storeFor(id string) *printerStore {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	s, ok := r.stores[id]
	if !ok {
		s = &printerStore{master: map[string]any{}, state: model.Default()}
		r.stores[id] = s
	}
	return s
}

// GetState returns a deep copy of the printer's typed snapshot, or the
// default zero-value state for an unknown id.
func (r *Repository) GetState(id string) model.PrinterState {
	s := r.storeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// GetMaster returns a deep copy of the printer's raw merged document.
func (r *Repository) GetMaster(id string) map[string]any {
	s := r.storeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.state, s.master)
}

func cloneMap(_ model.PrinterState, m map[string]any) map[string]any {
	return deepCloneAny(m).(map[string]any)
}

func deepCloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCloneAny(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCloneAny(vv)
		}
		return out
	default:
		return v
	}
}

// Updater mutates a printer's master document and/or state in place while
// holding the store's lock, then reports whether the resulting snapshot
// should be published (false if nothing changed and no notification should
// fire).
type Updater func(master *map[string]any, state *model.PrinterState) (publish bool)

// Update acquires the printer's store lock, invokes fn, and returns a clone
// of the resulting state plus whether fn asked to publish it. This is the
// system's single writer path (invariant 2, §3.2); the orchestrator is the
// only caller.
func (r *Repository) Update(id string, fn Updater) (model.PrinterState, bool) {
	s := r.storeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	publish := fn(&s.master, &s.state)
	return s.state.Clone(), publish
}

// Reset drops a printer's store, e.g. on printer removal (§4.2).
func (r *Repository) Reset(id string) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	delete(r.stores, id)
}

// SetActivePrinter updates the atomic active-printer pointer.
func (r *Repository) SetActivePrinter(id string) { r.activePrinterID.Store(id) }

// ActivePrinter returns the current active-printer id, or "" if none.
func (r *Repository) ActivePrinter() string { return r.activePrinterID.Load().(string) }

// IsActivePrinter reports whether id is the current active printer.
func (r *Repository) IsActivePrinter(id string) bool { return r.ActivePrinter() == id }
