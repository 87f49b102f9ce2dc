package command

import (
	"context"
	"sync"
)

// MockExecutor records dispatched calls for tests.
type MockExecutor struct {
	mu    sync.Mutex
	Err   error
	calls []Call
}

type Call struct {
	Domain  string
	Service string
	Target  Target
}

func (m *MockExecutor) Execute(_ context.Context, domain, service string, target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.calls = append(m.calls, Call{Domain: domain, Service: service, Target: target})
	return nil
}

func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
