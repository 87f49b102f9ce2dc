package pipeline

import (
	"context"
	"sync"
)

// MockBackend is the in-process streaming backend used by tests and the
// "mock" provider mode of the bridge binary.
type MockBackend struct {
	mu          sync.Mutex
	HandlerByte byte
	StartErr    error
	runs        []*MockRun
}

func NewMockBackend(handlerByte byte) *MockBackend {
	return &MockBackend{HandlerByte: handlerByte}
}

func (b *MockBackend) StartRun(_ context.Context, req StartRequest) (RunHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	run := &MockRun{
		handlerID: b.HandlerByte,
		request:   req,
		events:    make(chan Event, 64),
	}
	b.runs = append(b.runs, run)
	return run, nil
}

// Runs returns every run ever started, newest last.
func (b *MockBackend) Runs() []*MockRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MockRun, len(b.runs))
	copy(out, b.runs)
	return out
}

func (b *MockBackend) RunCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

type MockRun struct {
	mu        sync.Mutex
	handlerID byte
	request   StartRequest
	events    chan Event
	closed    bool

	chunks     [][]byte
	endStreams int
	aborts     int

	FeedErr      error
	EndStreamErr error
	AbortErr     error
}

func (r *MockRun) HandlerID() byte      { return r.handlerID }
func (r *MockRun) Events() <-chan Event { return r.events }

func (r *MockRun) Request() StartRequest { return r.request }

func (r *MockRun) FeedAudio(_ context.Context, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FeedErr != nil {
		return r.FeedErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.chunks = append(r.chunks, buf)
	return nil
}

func (r *MockRun) EndStream(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EndStreamErr != nil {
		return r.EndStreamErr
	}
	r.endStreams++
	return nil
}

func (r *MockRun) Abort(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	if r.AbortErr != nil {
		return r.AbortErr
	}
	return nil
}

// Emit pushes a backend event toward the connection loop.
func (r *MockRun) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- ev
}

func (r *MockRun) CloseEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}

func (r *MockRun) Chunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func (r *MockRun) FeedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *MockRun) EndStreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endStreams
}

func (r *MockRun) AbortCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborts
}

// MockDialog is the synchronous fallback used when no streaming backend is
// configured.
type MockDialog struct {
	mu       sync.Mutex
	Reply    string
	Err      error
	requests []ConverseRequest
}

func NewMockDialog(reply string) *MockDialog {
	return &MockDialog{Reply: reply}
}

func (d *MockDialog) Converse(_ context.Context, req ConverseRequest) (ConverseResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return ConverseResult{}, d.Err
	}
	d.requests = append(d.requests, req)
	return ConverseResult{Text: d.Reply, ConversationID: req.ConversationID}, nil
}

func (d *MockDialog) Requests() []ConverseRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ConverseRequest, len(d.requests))
	copy(out, d.requests)
	return out
}
