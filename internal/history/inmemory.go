package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps a bounded transcript per device. It backs deployments
// without a database and every test.
type InMemoryStore struct {
	mu       sync.Mutex
	byDevice map[string][]Turn
	maxTurns int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byDevice: make(map[string][]Turn),
		maxTurns: 256,
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.byDevice[turn.DeviceID], turn)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.byDevice[turn.DeviceID] = turns
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, deviceID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.byDevice[deviceID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
