package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusListening    Status = "listening"
	StatusSpeaking     Status = "speaking"
	StatusDisconnected Status = "disconnected"
)

// Session is the per-connection state for one terminal. Run binding and
// frame dispatch happen on the owning connection goroutine; the mutex only
// guards the fields the registry snapshot endpoint reads concurrently.
type Session struct {
	DeviceID  string
	ClientID  string
	SessionID string

	mu             sync.Mutex
	status         Status
	connectedAt    time.Time
	lastActivityAt time.Time

	preemptOnce sync.Once
	preempt     func()
}

// New builds a freshly authenticated session. A missing client id gets a
// generated one, matching terminal firmware that omits it.
func New(deviceID, clientID string) *Session {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Session{
		DeviceID:       deviceID,
		ClientID:       clientID,
		SessionID:      uuid.NewString(),
		status:         StatusConnected,
		connectedAt:    now,
		lastActivityAt: now,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.lastActivityAt = time.Now().UTC()
}

// Touch records inbound activity without changing status.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now().UTC()
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// SetPreemptHook installs the callback invoked when another connection
// presents the same device id. The owning connection handler uses it to
// cancel its own read loop.
func (s *Session) SetPreemptHook(hook func()) {
	s.preempt = hook
}

// Preempt fires the preempt hook at most once. Safe to call on sessions that
// never had a hook installed.
func (s *Session) Preempt() {
	s.preemptOnce.Do(func() {
		if s.preempt != nil {
			s.preempt()
		}
	})
}

// Info is the read-only projection served by the device listing endpoint.
type Info struct {
	DeviceID       string    `json:"device_id"`
	ClientID       string    `json:"client_id"`
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		DeviceID:       s.DeviceID,
		ClientID:       s.ClientID,
		SessionID:      s.SessionID,
		Status:         s.status,
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivityAt,
	}
}
