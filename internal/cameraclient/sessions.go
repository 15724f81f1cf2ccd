package cameraclient

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxViewers = 2
	DefaultSessionTTL = 45 * time.Second
)

// SessionManager enforces a best-effort WebRTC viewer limit with
// keepalive-based expiry. Sessions not seen within the TTL are pruned on
// the next claim.
type SessionManager struct {
	mu         sync.Mutex
	maxViewers int
	ttl        time.Duration
	sessions   map[string]time.Time
	now        func() time.Time
}

func NewSessionManager(maxViewers int, ttl time.Duration) *SessionManager {
	if maxViewers <= 0 {
		maxViewers = DefaultMaxViewers
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		maxViewers: maxViewers,
		ttl:        ttl,
		sessions:   map[string]time.Time{},
		now:        time.Now,
	}
}

// Claim returns a new session id, or "" when the live set is at capacity.
func (m *SessionManager) Claim() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if len(m.sessions) >= m.maxViewers {
		return ""
	}
	id := uuid.NewString()
	m.sessions[id] = m.now()
	return id
}

// Keepalive refreshes a session's TTL; false if the session is unknown.
func (m *SessionManager) Keepalive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	m.sessions[sessionID] = m.now()
	return true
}

// Release frees a viewer slot.
func (m *SessionManager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *SessionManager) pruneLocked() {
	deadline := m.now().Add(-m.ttl)
	for id, seen := range m.sessions {
		if seen.Before(deadline) {
			delete(m.sessions, id)
		}
	}
}
