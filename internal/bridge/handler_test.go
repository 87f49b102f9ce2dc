package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eliaswynn/voxbridge/internal/command"
	"github.com/eliaswynn/voxbridge/internal/config"
	"github.com/eliaswynn/voxbridge/internal/emotion"
	"github.com/eliaswynn/voxbridge/internal/history"
	"github.com/eliaswynn/voxbridge/internal/observability"
	"github.com/eliaswynn/voxbridge/internal/pipeline"
	"github.com/eliaswynn/voxbridge/internal/session"
)

type testEnv struct {
	srv      *httptest.Server
	registry *session.Registry
	executor *command.MockExecutor
	store    *history.InMemoryStore
}

func defaultTestConfig() config.Config {
	return config.Config{Language: "zh-CN", RunTimeout: 300 * time.Second}
}

func startBridge(t *testing.T, cfg config.Config, binding *pipeline.Binding) *testEnv {
	t.Helper()
	registry := session.NewRegistry()
	executor := &command.MockExecutor{}
	store := history.NewInMemoryStore()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	server := New(cfg, registry, binding, executor, store, emotion.NewKeywordClassifier(), metrics)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, registry: registry, executor: executor, store: store}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + WSPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readControl(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	return data
}

func handshake(t *testing.T, ws *websocket.Conn, deviceID string) map[string]any {
	t.Helper()
	sendJSON(t, ws, map[string]any{"type": "hello", "device_id": deviceID})
	ack := readControl(t, ws)
	if ack["type"] != "hello" {
		t.Fatalf("handshake reply type = %v, want hello", ack["type"])
	}
	return ack
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestHandshakeAckPayload(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)

	ack := handshake(t, ws, "dev-1")
	if ack["session_id"] == "" || ack["session_id"] == nil {
		t.Fatalf("hello ack missing session_id: %v", ack)
	}
	audio, ok := ack["audio_settings"].(map[string]any)
	if !ok {
		t.Fatalf("hello ack missing audio_settings: %v", ack)
	}
	if audio["format"] != "opus" || audio["sample_rate"] != float64(16000) || audio["channels"] != float64(1) || audio["frame_duration"] != float64(60) {
		t.Fatalf("unexpected audio settings: %v", audio)
	}
	info, ok := ack["server_info"].(map[string]any)
	if !ok || info["name"] != "voxbridge" {
		t.Fatalf("unexpected server info: %v", ack)
	}
	if env.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", env.registry.Count())
	}
}

func TestPipelineRunEndToEnd(t *testing.T) {
	backend := pipeline.NewMockBackend(7)
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(backend, nil))
	ws := dialWS(t, env)

	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run"})
	start := readControl(t, ws)
	if start["type"] != "run-start" {
		t.Fatalf("frame type = %v, want run-start", start["type"])
	}
	handlerID := byte(start["handler_id"].(float64))
	if handlerID != 7 {
		t.Fatalf("handler_id = %d, want 7", handlerID)
	}
	if start["timeout"] != float64(300) {
		t.Fatalf("timeout = %v, want 300", start["timeout"])
	}

	chunk := append([]byte{handlerID}, bytes.Repeat([]byte{0xCD}, 64)...)
	for i := 0; i < 3; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("write audio frame: %v", err)
		}
	}
	waitFor(t, "3 audio chunks", func() bool {
		runs := backend.Runs()
		return len(runs) == 1 && runs[0].FeedCount() == 3
	})

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{handlerID}); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
	run := backend.Runs()[0]
	waitFor(t, "end of stream", func() bool { return run.EndStreamCount() == 1 })

	run.Emit(pipeline.Event{Type: pipeline.EventRunEnd, Data: map[string]any{"reason": "finished"}})
	end := readControl(t, ws)
	if end["type"] != "run-end" {
		t.Fatalf("frame type = %v, want run-end", end["type"])
	}

	sess, ok := env.registry.Get("dev-1")
	if !ok {
		t.Fatalf("session missing from registry")
	}
	waitFor(t, "status connected", func() bool { return sess.Status() == session.StatusConnected })
}

func TestBackendAudioForwardedAsBinary(t *testing.T) {
	backend := pipeline.NewMockBackend(7)
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(backend, nil))
	ws := dialWS(t, env)

	handshake(t, ws, "dev-1")
	sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run"})
	readControl(t, ws) // run-start

	backend.Runs()[0].Emit(pipeline.Event{Type: "tts-chunk", Audio: []byte{0xAA, 0xBB}})
	readControl(t, ws) // forwarded tts-chunk control frame
	data := readBinary(t, ws)
	if data[0] != 7 || !bytes.Equal(data[1:], []byte{0xAA, 0xBB}) {
		t.Fatalf("binary frame = %v, want handler 7 + payload", data)
	}
}

func TestAuthGating(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RequireToken = true
	cfg.AllowedTokens = []string{"abc"}
	env := startBridge(t, cfg, pipeline.Bind(pipeline.NewMockBackend(7), nil))

	// Wrong token: error frame, closed connection, no registry entry.
	ws := dialWS(t, env)
	sendJSON(t, ws, map[string]any{"type": "hello", "device_id": "dev-1", "authorization": "Bearer xyz"})
	reply := readControl(t, ws)
	if reply["type"] != "error" || reply["code"] != "token-not-allowed" {
		t.Fatalf("reply = %v, want token-not-allowed error", reply)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after auth failure")
	}
	if env.registry.Count() != 0 {
		t.Fatalf("registry count = %d, want 0 after rejection", env.registry.Count())
	}

	// Correct token: accepted, exactly one entry.
	ws2 := dialWS(t, env)
	sendJSON(t, ws2, map[string]any{"type": "hello", "device_id": "dev-1", "authorization": "Bearer abc"})
	ack := readControl(t, ws2)
	if ack["type"] != "hello" {
		t.Fatalf("reply = %v, want hello ack", ack)
	}
	if env.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", env.registry.Count())
	}
}

func TestMissingTokenRejected(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RequireToken = true
	env := startBridge(t, cfg, pipeline.Bind(pipeline.NewMockBackend(7), nil))

	ws := dialWS(t, env)
	sendJSON(t, ws, map[string]any{"type": "hello", "device_id": "dev-1"})
	reply := readControl(t, ws)
	if reply["type"] != "error" || reply["code"] != "missing-token" {
		t.Fatalf("reply = %v, want missing-token error", reply)
	}
}

func TestTeardownMidRunAbortsAndUnregisters(t *testing.T) {
	backend := pipeline.NewMockBackend(7)
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(backend, nil))
	ws := dialWS(t, env)

	handshake(t, ws, "dev-1")
	sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run"})
	readControl(t, ws) // run-start

	_ = ws.Close()

	waitFor(t, "registry cleanup", func() bool { return env.registry.Count() == 0 })
	waitFor(t, "run abort", func() bool {
		runs := backend.Runs()
		return len(runs) == 1 && runs[0].AbortCount() == 1
	})
}

func TestTeardownBeforeHello(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)
	_ = ws.Close()

	// Nothing registered, nothing to clean; just make sure later connections
	// still work.
	time.Sleep(20 * time.Millisecond)
	if env.registry.Count() != 0 {
		t.Fatalf("registry count = %d, want 0", env.registry.Count())
	}
	ws2 := dialWS(t, env)
	handshake(t, ws2, "dev-1")
}

func TestTeardownAfterRunEnd(t *testing.T) {
	backend := pipeline.NewMockBackend(7)
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(backend, nil))
	ws := dialWS(t, env)

	handshake(t, ws, "dev-1")
	sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run"})
	readControl(t, ws) // run-start
	run := backend.Runs()[0]
	run.Emit(pipeline.Event{Type: pipeline.EventRunEnd})
	readControl(t, ws) // run-end

	_ = ws.Close()
	waitFor(t, "registry cleanup", func() bool { return env.registry.Count() == 0 })
	if run.AbortCount() != 0 {
		t.Fatalf("completed run should not be aborted at teardown, aborts = %d", run.AbortCount())
	}
}

func TestLegacyListenEquivalence(t *testing.T) {
	chunkA := append([]byte{7}, bytes.Repeat([]byte{1}, 32)...)
	chunkB := append([]byte{7}, bytes.Repeat([]byte{2}, 32)...)

	runSequence := func(t *testing.T, legacy bool) *pipeline.MockRun {
		backend := pipeline.NewMockBackend(7)
		env := startBridge(t, defaultTestConfig(), pipeline.Bind(backend, nil))
		ws := dialWS(t, env)
		handshake(t, ws, "dev-1")

		if legacy {
			sendJSON(t, ws, map[string]any{"type": "listen", "state": "start"})
			ack := readControl(t, ws)
			if ack["type"] != "listen" || ack["state"] != "listening" {
				t.Fatalf("listen ack = %v", ack)
			}
			readControl(t, ws) // run-start
		} else {
			sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run"})
			readControl(t, ws) // run-start
		}

		for _, chunk := range [][]byte{chunkA, chunkB} {
			if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				t.Fatalf("write audio: %v", err)
			}
		}
		waitFor(t, "audio chunks", func() bool {
			runs := backend.Runs()
			return len(runs) == 1 && runs[0].FeedCount() == 2
		})

		if legacy {
			sendJSON(t, ws, map[string]any{"type": "listen", "state": "stop"})
		} else {
			if err := ws.WriteMessage(websocket.BinaryMessage, []byte{7}); err != nil {
				t.Fatalf("write sentinel: %v", err)
			}
		}
		run := backend.Runs()[0]
		waitFor(t, "end of stream", func() bool { return run.EndStreamCount() == 1 })
		return run
	}

	legacyRun := runSequence(t, true)
	modernRun := runSequence(t, false)

	if legacyRun.FeedCount() != modernRun.FeedCount() {
		t.Fatalf("feed counts differ: legacy %d, modern %d", legacyRun.FeedCount(), modernRun.FeedCount())
	}
	if legacyRun.EndStreamCount() != modernRun.EndStreamCount() {
		t.Fatalf("end stream counts differ")
	}
	for i, chunk := range legacyRun.Chunks() {
		if !bytes.Equal(chunk, modernRun.Chunks()[i]) {
			t.Fatalf("chunk %d differs between legacy and modern sequences", i)
		}
	}
}

func TestFramesBeforeHelloIgnored(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)

	sendJSON(t, ws, map[string]any{"type": "listen", "state": "start"})
	sendJSON(t, ws, map[string]any{"type": "ping"})
	sendJSON(t, ws, map[string]any{"type": "hello", "device_id": "dev-1"})

	// The first reply must be the hello ack: everything before it was ignored.
	ack := readControl(t, ws)
	if ack["type"] != "hello" {
		t.Fatalf("first reply = %v, want hello ack", ack)
	}
}

func TestPingPong(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "ping"})
	reply := readControl(t, ws)
	if reply["type"] != "pong" {
		t.Fatalf("reply = %v, want pong", reply)
	}
}

func TestAbortAcknowledgedWithoutRun(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "abort"})
	reply := readControl(t, ws)
	if reply["type"] != "abort" {
		t.Fatalf("reply = %v, want abort ack", reply)
	}
}

func TestMalformedFrameRecovered(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	reply := readControl(t, ws)
	if reply["type"] != "error" || reply["code"] != "invalid-frame" {
		t.Fatalf("reply = %v, want invalid-frame error", reply)
	}

	// Connection keeps working.
	sendJSON(t, ws, map[string]any{"type": "ping"})
	if reply := readControl(t, ws); reply["type"] != "pong" {
		t.Fatalf("reply after recovery = %v, want pong", reply)
	}
}

func TestUnknownFrameTypeAcknowledged(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "bogus"})
	reply := readControl(t, ws)
	if reply["type"] != "error" || reply["code"] != "unknown-frame-type" {
		t.Fatalf("reply = %v, want unknown-frame-type error", reply)
	}
}

func TestIoTControlDispatch(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "iot_control", "command": "light.turn_on", "entity_id": "light.kitchen"})
	reply := readControl(t, ws)
	if reply["type"] != "iot_control" || reply["status"] != "success" {
		t.Fatalf("reply = %v, want iot_control success", reply)
	}

	calls := env.executor.Calls()
	if len(calls) != 1 || calls[0].Domain != "light" || calls[0].Service != "turn_on" || calls[0].Target.EntityID != "light.kitchen" {
		t.Fatalf("unexpected executor calls: %+v", calls)
	}
}

func TestIoTControlFailureReported(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))
	env.executor.Err = errors.New("service unavailable")
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "iot_control", "command": "light.turn_on"})
	reply := readControl(t, ws)
	if reply["type"] != "iot_control" || reply["status"] != "error" {
		t.Fatalf("reply = %v, want iot_control error", reply)
	}

	// Dispatch failures are not connection-fatal.
	sendJSON(t, ws, map[string]any{"type": "ping"})
	if reply := readControl(t, ws); reply["type"] != "pong" {
		t.Fatalf("reply after failure = %v, want pong", reply)
	}
}

func TestDuplicateDevicePreemptsPriorConnection(t *testing.T) {
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(pipeline.NewMockBackend(7), nil))

	ws1 := dialWS(t, env)
	ack1 := handshake(t, ws1, "dev-1")

	ws2 := dialWS(t, env)
	ack2 := handshake(t, ws2, "dev-1")
	if ack1["session_id"] == ack2["session_id"] {
		t.Fatalf("sessions should be distinct")
	}

	// The first connection gets closed by the server.
	_ = ws1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws1.ReadMessage(); err == nil {
		t.Fatalf("first connection should have been preempted")
	}

	waitFor(t, "single registry entry", func() bool { return env.registry.Count() == 1 })
	sess, ok := env.registry.Get("dev-1")
	if !ok || sess.SessionID != ack2["session_id"] {
		t.Fatalf("registry should hold the second session")
	}

	// The surviving connection still works.
	sendJSON(t, ws2, map[string]any{"type": "ping"})
	if reply := readControl(t, ws2); reply["type"] != "pong" {
		t.Fatalf("reply on surviving connection = %v, want pong", reply)
	}
}

func TestDialogFallbackEndToEnd(t *testing.T) {
	dialog := pipeline.NewMockDialog("it is sunny")
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(nil, dialog))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run", "text": "what is the weather"})
	reply := readControl(t, ws)
	if reply["type"] != "conversation-response" || reply["text"] != "it is sunny" {
		t.Fatalf("reply = %v, want conversation-response", reply)
	}
	if reply["emotion"] == "" || reply["emotion"] == nil {
		t.Fatalf("conversation-response missing emotion: %v", reply)
	}
}

func TestStaleBinaryFramesDropped(t *testing.T) {
	backend := pipeline.NewMockBackend(7)
	env := startBridge(t, defaultTestConfig(), pipeline.Bind(backend, nil))
	ws := dialWS(t, env)
	handshake(t, ws, "dev-1")

	// No run yet: binary frames are dropped without acknowledgment.
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{7, 1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	sendJSON(t, ws, map[string]any{"type": "assist_pipeline/run"})
	readControl(t, ws) // run-start

	// Wrong handler byte: dropped too.
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{8, 1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	sendJSON(t, ws, map[string]any{"type": "ping"})
	if reply := readControl(t, ws); reply["type"] != "pong" {
		t.Fatalf("reply = %v, want pong", reply)
	}
	if backend.Runs()[0].FeedCount() != 0 {
		t.Fatalf("FeedCount = %d, want 0 for stale frames", backend.Runs()[0].FeedCount())
	}
}
