package bridge

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eliaswynn/voxbridge/internal/command"
	"github.com/eliaswynn/voxbridge/internal/pipeline"
	"github.com/eliaswynn/voxbridge/internal/protocol"
	"github.com/eliaswynn/voxbridge/internal/session"
)

type inboundMsg struct {
	messageType int
	data        []byte
}

type outboundMsg struct {
	frame any
	audio *protocol.AudioFrame
}

// conn is the per-connection protocol multiplexer. The run loop is the only
// goroutine that touches sess and ctrl; the reader and writer goroutines just
// move bytes.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	cancel context.CancelFunc

	outbound chan outboundMsg

	sess *session.Session
	ctrl *pipeline.Controller

	teardownOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, cancel context.CancelFunc) *conn {
	return &conn{
		srv:      srv,
		ws:       ws,
		cancel:   cancel,
		outbound: make(chan outboundMsg, 256),
	}
}

// run processes frames strictly in arrival order, interleaved with backend
// events for the active run. It returns when the peer goes away, the context
// is canceled (preemption, shutdown, write failure) or authentication fails.
func (c *conn) run(ctx context.Context, inbound <-chan inboundMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if !c.handleInbound(ctx, msg) {
				return
			}
		case ev, ok := <-c.events():
			if !ok {
				// Backend dropped the event stream without a run-end; treat
				// the run as dead.
				c.ctrl.Abort(ctx)
				continue
			}
			c.ctrl.HandleEvent(ctx, ev)
		}
	}
}

// events returns nil before authentication and between runs; a nil channel
// never fires in the select above.
func (c *conn) events() <-chan pipeline.Event {
	if c.ctrl == nil {
		return nil
	}
	return c.ctrl.Events()
}

// handleInbound dispatches one frame. The return value reports whether the
// connection should keep running; per-frame failures never stop the loop,
// only an authentication rejection does.
func (c *conn) handleInbound(ctx context.Context, msg inboundMsg) bool {
	if c.sess != nil {
		c.sess.Touch()
	}

	switch msg.messageType {
	case websocket.BinaryMessage:
		c.handleBinary(ctx, msg.data)
		return true
	case websocket.TextMessage:
		return c.handleControl(ctx, msg.data)
	default:
		return true
	}
}

func (c *conn) handleBinary(ctx context.Context, data []byte) {
	c.srv.metrics.Frames.WithLabelValues("inbound", "binary").Inc()
	if c.ctrl == nil {
		return
	}
	frame, err := protocol.DecodeAudioFrame(data)
	if err != nil {
		// Empty binary frames are stale noise, same as mismatched routing.
		return
	}
	if frame.EndOfStream {
		c.ctrl.EndStream(ctx)
		return
	}
	c.ctrl.FeedAudio(ctx, frame)
}

func (c *conn) handleControl(ctx context.Context, data []byte) bool {
	parsed, err := protocol.ParseClientFrame(data)
	if err != nil {
		if c.sess == nil {
			// Pre-hello garbage is ignored, not acknowledged.
			return true
		}
		code := "invalid-frame"
		if errors.Is(err, protocol.ErrUnknownType) {
			code = "unknown-frame-type"
		}
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: code, Message: err.Error()})
		return true
	}

	if t, ok := frameTypeOf(parsed); ok {
		c.srv.metrics.Frames.WithLabelValues("inbound", string(t)).Inc()
	}

	if hello, ok := parsed.(protocol.Hello); ok {
		if c.sess != nil {
			c.debugf("duplicate hello from %s ignored", c.sess.DeviceID)
			return true
		}
		return c.handleHello(ctx, hello)
	}

	// Everything else requires a completed handshake; pre-hello frames are
	// ignored until the terminal identifies itself.
	if c.sess == nil {
		return true
	}

	switch f := parsed.(type) {
	case protocol.Ping:
		c.emit(protocol.Pong{Type: protocol.TypePong})
	case protocol.Listen:
		c.handleListen(ctx, f)
	case protocol.Abort:
		c.ctrl.Abort(ctx)
		c.emit(protocol.AbortAck{Type: protocol.TypeAbort, Message: "session aborted"})
	case protocol.PipelineRun:
		c.ctrl.Start(ctx, f)
	case protocol.IoTControl:
		c.handleIoTControl(ctx, f)
	}
	return true
}

func (c *conn) handleHello(ctx context.Context, hello protocol.Hello) bool {
	sess, err := session.Authenticate(hello, c.srv.cfg)
	if err != nil {
		c.srv.metrics.SessionEvents.WithLabelValues("auth_rejected").Inc()
		c.debugf("handshake rejected for %s: %v", hello.DeviceID, err)
		code := "auth-failed"
		if errors.Is(err, session.ErrMissingToken) {
			code = "missing-token"
		} else if errors.Is(err, session.ErrTokenNotAllowed) {
			code = "token-not-allowed"
		}
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: code, Message: "authentication failed"})
		return false
	}

	sess.SetPreemptHook(c.cancel)
	if evicted := c.srv.registry.Register(sess); evicted != nil {
		c.debugf("device %s reconnected, preempting prior session %s", sess.DeviceID, evicted.SessionID)
		c.srv.metrics.SessionEvents.WithLabelValues("preempted").Inc()
		evicted.Preempt()
	}

	c.sess = sess
	c.ctrl = pipeline.NewController(
		c.srv.binding,
		c.srv.cfg,
		sess,
		c.srv.store,
		c.srv.classifier,
		c.srv.metrics,
		c.emit,
		c.emitAudio,
	)

	c.srv.metrics.SessionEvents.WithLabelValues("connected").Inc()
	c.srv.metrics.ActiveSessions.Set(float64(c.srv.registry.Count()))
	c.debugf("device %s connected (client %s, session %s)", sess.DeviceID, sess.ClientID, sess.SessionID)

	c.emit(protocol.HelloAck{
		Type:      protocol.TypeHello,
		SessionID: sess.SessionID,
		Transport: "websocket",
		AudioSettings: protocol.AudioSettings{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
		ServerInfo: protocol.ServerInfo{
			Name:         "voxbridge",
			Version:      serverVersion,
			Capabilities: serverCapabilities,
		},
	})
	return true
}

func (c *conn) handleIoTControl(ctx context.Context, frame protocol.IoTControl) {
	domain, service := command.Split(frame.Command)
	err := c.srv.executor.Execute(ctx, domain, service, command.Target{EntityID: frame.EntityID})
	if err != nil {
		c.srv.metrics.CommandDispatches.WithLabelValues("error").Inc()
		c.debugf("iot control %s failed: %v", frame.Command, err)
		c.emit(protocol.IoTControlResult{Type: protocol.TypeIoTControl, Status: "error", Message: err.Error()})
		return
	}
	c.srv.metrics.CommandDispatches.WithLabelValues("success").Inc()
	c.emit(protocol.IoTControlResult{Type: protocol.TypeIoTControl, Status: "success", Message: "executed: " + frame.Command})
}

// teardown releases everything exactly once, on every exit path: the active
// run is aborted best-effort and the registry entry is removed only if this
// connection still owns it.
func (c *conn) teardown() {
	c.teardownOnce.Do(func() {
		if c.ctrl != nil && c.ctrl.Active() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.ctrl.Abort(ctx)
			cancel()
		}
		if c.sess != nil {
			c.sess.SetStatus(session.StatusDisconnected)
			c.srv.registry.Remove(c.sess)
			c.srv.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
			c.srv.metrics.ActiveSessions.Set(float64(c.srv.registry.Count()))
			c.debugf("device %s disconnected (connected for %s)", c.sess.DeviceID, time.Since(c.sess.ConnectedAt()).Round(time.Second))
		}
	})
}

// emit queues one control frame for the writer goroutine. The writer drains
// the channel until it is closed, so this never blocks indefinitely.
func (c *conn) emit(frame any) {
	c.outbound <- outboundMsg{frame: frame}
}

func (c *conn) emitAudio(frame protocol.AudioFrame) {
	f := frame
	c.outbound <- outboundMsg{audio: &f}
}

// writeLoop owns every websocket write. On a transport failure it cancels
// the connection and keeps draining so queued senders never block.
func (c *conn) writeLoop() {
	dead := false
	for msg := range c.outbound {
		if dead {
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		var err error
		if msg.audio != nil {
			err = c.ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(*msg.audio))
			c.srv.metrics.Frames.WithLabelValues("outbound", "binary").Inc()
		} else {
			err = c.ws.WriteJSON(msg.frame)
			if t, ok := frameTypeOf(msg.frame); ok {
				c.srv.metrics.Frames.WithLabelValues("outbound", string(t)).Inc()
			}
		}
		if err != nil {
			dead = true
			c.cancel()
		}
	}
}

func (c *conn) debugf(format string, args ...any) {
	if c.srv.cfg.Debug {
		log.Printf(format, args...)
	}
}

func frameTypeOf(v any) (protocol.FrameType, bool) {
	switch m := v.(type) {
	case protocol.Hello:
		return m.Type, true
	case protocol.Listen:
		return m.Type, true
	case protocol.Abort:
		return m.Type, true
	case protocol.IoTControl:
		return m.Type, true
	case protocol.PipelineRun:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.HelloAck:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.ListenAck:
		return m.Type, true
	case protocol.AbortAck:
		return m.Type, true
	case protocol.IoTControlResult:
		return m.Type, true
	case protocol.RunStart:
		return m.Type, true
	case protocol.ErrorFrame:
		return m.Type, true
	case protocol.ConversationResponse:
		return m.Type, true
	case protocol.BackendEvent:
		return m.Type, true
	default:
		return "", false
	}
}
