package session

import "sync"

// Registry is the process-wide device table. The lock is held only for the
// duration of a single map operation, never across I/O.
type Registry struct {
	mu       sync.Mutex
	byDevice map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{byDevice: make(map[string]*Session)}
}

// Register inserts a session under its device id. If another session already
// holds the id, that session is returned so the caller can preempt its
// connection; the new session always wins the slot.
func (r *Registry) Register(s *Session) (evicted *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.byDevice[s.DeviceID]
	r.byDevice[s.DeviceID] = s
	if prior == s {
		return nil
	}
	return prior
}

// Remove deletes the entry only if it still points at the given session, so
// a preempted connection's teardown cannot remove its successor.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byDevice[s.DeviceID]
	if !ok || current != s {
		return false
	}
	delete(r.byDevice, s.DeviceID)
	return true
}

func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDevice)
}

// Snapshot lists all connected devices for the HTTP listing endpoint.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}
