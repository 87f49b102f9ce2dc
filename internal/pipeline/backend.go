package pipeline

import (
	"context"
	"time"
)

// Backend event types with session-state side effects. Every other type is
// forwarded to the terminal untouched.
const (
	EventSTTStart = "stt-start"
	EventTTSStart = "tts-start"
	EventRunEnd   = "run-end"
)

// DefaultHandlerID is the routing byte used when the backend does not assign
// one for a run.
const DefaultHandlerID byte = 1

// Event is one asynchronous backend notification. Audio, when set, is raw
// synthesized audio to be framed and sent to the terminal as binary.
type Event struct {
	Type  string
	Data  map[string]any
	Audio []byte
}

// StartRequest parameterizes one pipeline run. Zero values fall back to the
// connection's configuration snapshot.
type StartRequest struct {
	Language       string
	PipelineID     string
	TTSEngine      string
	StartStage     string
	EndStage       string
	SampleRate     int
	Timeout        time.Duration
	ConversationID string
	DeviceID       string
	Text           string
}

// RunHandle drives a single in-flight backend run. Events must be closed by
// the backend once the run reaches a terminal state.
type RunHandle interface {
	HandlerID() byte
	FeedAudio(ctx context.Context, chunk []byte) error
	EndStream(ctx context.Context) error
	Abort(ctx context.Context) error
	Events() <-chan Event
}

// Backend is the streaming pipeline capability: speech in, events out.
type Backend interface {
	StartRun(ctx context.Context, req StartRequest) (RunHandle, error)
}

// Dialog is the synchronous text-only fallback capability.
type Dialog interface {
	Converse(ctx context.Context, req ConverseRequest) (ConverseResult, error)
}

type ConverseRequest struct {
	Text           string
	ConversationID string
	DeviceID       string
	Language       string
}

type ConverseResult struct {
	Text           string
	ConversationID string
}

// Binding is the result of one-time capability detection over a backend
// pairing. The controller never re-probes per call.
type Binding struct {
	backend Backend
	dialog  Dialog
}

// Bind inspects the available capabilities once. A nil streaming backend
// selects the dialog fallback for every run on this binding.
func Bind(backend Backend, dialog Dialog) *Binding {
	return &Binding{backend: backend, dialog: dialog}
}

// Streaming reports whether the richer pipeline capability is available.
func (b *Binding) Streaming() bool {
	return b.backend != nil
}

func (b *Binding) StartRun(ctx context.Context, req StartRequest) (RunHandle, error) {
	return b.backend.StartRun(ctx, req)
}

func (b *Binding) Converse(ctx context.Context, req ConverseRequest) (ConverseResult, error) {
	return b.dialog.Converse(ctx, req)
}
