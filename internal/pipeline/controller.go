package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/eliaswynn/voxbridge/internal/config"
	"github.com/eliaswynn/voxbridge/internal/emotion"
	"github.com/eliaswynn/voxbridge/internal/history"
	"github.com/eliaswynn/voxbridge/internal/observability"
	"github.com/eliaswynn/voxbridge/internal/protocol"
	"github.com/eliaswynn/voxbridge/internal/session"
)

type Stage string

const (
	StageStarting       Stage = "starting"
	StageStreamingAudio Stage = "streaming-audio"
	StageAwaitingResult Stage = "awaiting-result"
	StageCompleted      Stage = "completed"
	StageAborted        Stage = "aborted"
)

const (
	defaultStartStage = "stt"
	defaultEndStage   = "tts"
	defaultSampleRate = 16000
)

// Run is one in-flight backend invocation, exclusively owned by its session.
type Run struct {
	handle    RunHandle
	handlerID byte
	stage     Stage
}

func (r *Run) Stage() Stage { return r.stage }

// Controller drives pipeline runs for a single connection. All methods are
// called from the connection's own goroutine, so the controller holds no
// locks; backend failures become outbound error frames, never panics, and
// only the transport layer may kill the connection.
type Controller struct {
	binding    *Binding
	cfg        config.Config
	sess       *session.Session
	store      history.Store
	classifier emotion.Classifier
	metrics    *observability.Metrics
	emit       func(frame any)
	emitAudio  func(frame protocol.AudioFrame)

	run *Run
}

func NewController(
	binding *Binding,
	cfg config.Config,
	sess *session.Session,
	store history.Store,
	classifier emotion.Classifier,
	metrics *observability.Metrics,
	emit func(frame any),
	emitAudio func(frame protocol.AudioFrame),
) *Controller {
	return &Controller{
		binding:    binding,
		cfg:        cfg,
		sess:       sess,
		store:      store,
		classifier: classifier,
		metrics:    metrics,
		emit:       emit,
		emitAudio:  emitAudio,
	}
}

func (c *Controller) Active() bool { return c.run != nil }

// HandlerID reports the routing byte bound to the active run.
func (c *Controller) HandlerID() (byte, bool) {
	if c.run == nil {
		return 0, false
	}
	return c.run.handlerID, true
}

// Events exposes the active run's backend event stream. A nil channel (no
// run) blocks forever in the caller's select, which is exactly what we want.
func (c *Controller) Events() <-chan Event {
	if c.run == nil {
		return nil
	}
	return c.run.handle.Events()
}

// Start begins a new run, aborting any run still active. On the streaming
// backend it binds the routing byte and announces run-start; without one it
// falls back to a synchronous dialog exchange and emits a single
// conversation-response.
func (c *Controller) Start(ctx context.Context, req protocol.PipelineRun) {
	if c.run != nil {
		c.Abort(ctx)
	}

	if !c.binding.Streaming() {
		c.converse(ctx, req)
		return
	}

	timeout := c.cfg.RunTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	start := StartRequest{
		Language:       orDefault(req.Language, c.cfg.Language),
		PipelineID:     orDefault(req.PipelineID, c.cfg.PipelineID),
		TTSEngine:      c.cfg.TTSEngine,
		StartStage:     orDefault(req.StartStage, defaultStartStage),
		EndStage:       orDefault(req.EndStage, defaultEndStage),
		SampleRate:     req.SampleRate,
		Timeout:        timeout,
		ConversationID: orDefault(req.ConversationID, c.sess.SessionID),
		DeviceID:       c.sess.DeviceID,
		Text:           req.Text,
	}
	if start.SampleRate <= 0 {
		start.SampleRate = defaultSampleRate
	}

	handle, err := c.binding.StartRun(ctx, start)
	if err != nil {
		c.metrics.BackendErrors.WithLabelValues("start").Inc()
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: "pipeline-start-failed", Message: err.Error()})
		return
	}

	handlerID := handle.HandlerID()
	if handlerID == 0 {
		handlerID = DefaultHandlerID
	}
	c.run = &Run{handle: handle, handlerID: handlerID, stage: StageStreamingAudio}
	c.sess.SetStatus(session.StatusListening)
	c.metrics.PipelineRuns.WithLabelValues("streaming").Inc()

	c.emit(protocol.RunStart{
		Type:           protocol.TypeRunStart,
		HandlerID:      int(handlerID),
		TimeoutSeconds: int(timeout / time.Second),
	})
}

// FeedAudio forwards one decoded audio frame to the backend. Frames for a
// stale or unknown handler id are dropped without acknowledgment: they are
// leftovers from a run that already ended, not a client action.
func (c *Controller) FeedAudio(ctx context.Context, frame protocol.AudioFrame) {
	if c.run == nil || frame.HandlerID != c.run.handlerID {
		return
	}
	if err := c.run.handle.FeedAudio(ctx, frame.Payload); err != nil {
		c.metrics.BackendErrors.WithLabelValues("feed").Inc()
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: "pipeline-feed-failed", Message: err.Error()})
		c.clearRun("failed")
	}
}

// EndStream signals that no more audio arrives for the active run. The run
// keeps going until the backend delivers run-end.
func (c *Controller) EndStream(ctx context.Context) {
	if c.run == nil {
		return
	}
	c.run.stage = StageAwaitingResult
	if err := c.run.handle.EndStream(ctx); err != nil {
		c.metrics.BackendErrors.WithLabelValues("end_stream").Inc()
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: "pipeline-end-failed", Message: err.Error()})
		c.clearRun("failed")
	}
}

// HandleEvent forwards one backend event to the terminal and applies the
// three status side effects (stt-start, tts-start, run-end).
func (c *Controller) HandleEvent(ctx context.Context, ev Event) {
	if c.run == nil {
		return
	}
	handlerID := c.run.handlerID

	switch ev.Type {
	case EventSTTStart:
		c.sess.SetStatus(session.StatusListening)
	case EventTTSStart:
		c.sess.SetStatus(session.StatusSpeaking)
		if text := eventText(ev); text != "" {
			c.saveTurn(ctx, "assistant", text)
		}
	case EventRunEnd:
		c.run.stage = StageCompleted
		c.clearRun("completed")
	default:
		if text := eventText(ev); text != "" && ev.Type == "stt-end" {
			c.saveTurn(ctx, "user", text)
		}
	}

	c.emit(protocol.BackendEvent{Type: protocol.FrameType(ev.Type), Data: ev.Data})
	if len(ev.Audio) > 0 && c.emitAudio != nil {
		c.emitAudio(protocol.AudioFrame{HandlerID: handlerID, Payload: ev.Audio})
	}
}

// Abort cancels the active run. Best effort: backend refusal is logged and
// swallowed, client-visible state resets immediately either way.
func (c *Controller) Abort(ctx context.Context) {
	if c.run == nil {
		return
	}
	if err := c.run.handle.Abort(ctx); err != nil {
		c.metrics.BackendErrors.WithLabelValues("abort").Inc()
		log.Printf("pipeline abort failed for %s: %v", c.sess.DeviceID, err)
	}
	c.run.stage = StageAborted
	c.clearRun("aborted")
}

func (c *Controller) converse(ctx context.Context, req protocol.PipelineRun) {
	res, err := c.binding.Converse(ctx, ConverseRequest{
		Text:           req.Text,
		ConversationID: orDefault(req.ConversationID, c.sess.SessionID),
		DeviceID:       c.sess.DeviceID,
		Language:       orDefault(req.Language, c.cfg.Language),
	})
	if err != nil {
		c.metrics.BackendErrors.WithLabelValues("converse").Inc()
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: "conversation-failed", Message: err.Error()})
		return
	}

	c.metrics.PipelineRuns.WithLabelValues("dialog").Inc()
	c.metrics.RunOutcomes.WithLabelValues("completed").Inc()
	if req.Text != "" {
		c.saveTurn(ctx, "user", req.Text)
	}
	c.saveTurn(ctx, "assistant", res.Text)

	c.emit(protocol.ConversationResponse{
		Type:           protocol.TypeConversationResponse,
		Text:           res.Text,
		ConversationID: res.ConversationID,
		Emotion:        c.classifier.Classify(req.Text, res.Text),
	})
}

func (c *Controller) clearRun(outcome string) {
	c.metrics.RunOutcomes.WithLabelValues(outcome).Inc()
	c.run = nil
	c.sess.SetStatus(session.StatusConnected)
}

func (c *Controller) saveTurn(ctx context.Context, role, content string) {
	if c.store == nil {
		return
	}
	turn := history.Turn{
		DeviceID:  c.sess.DeviceID,
		SessionID: c.sess.SessionID,
		Role:      role,
		Content:   content,
	}
	if err := c.store.SaveTurn(ctx, turn); err != nil {
		log.Printf("history save failed for %s: %v", c.sess.DeviceID, err)
	}
}

// eventText digs the transcript text out of the event payload shapes the
// backend emits: a flat "text" field, stt-end's stt_output, or tts-start's
// tts_input.
func eventText(ev Event) string {
	if ev.Data == nil {
		return ""
	}
	if text, ok := ev.Data["text"].(string); ok {
		return text
	}
	for _, key := range []string{"stt_output", "tts_input"} {
		if nested, ok := ev.Data[key].(map[string]any); ok {
			if text, ok := nested["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
