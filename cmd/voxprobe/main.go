package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eliaswynn/voxbridge/internal/protocol"
)

// voxprobe is a smoke client: it performs the terminal handshake, starts one
// pipeline run, streams synthetic audio chunks and prints every frame the
// bridge sends back until the run ends.

type options struct {
	baseURL     string
	deviceID    string
	token       string
	chunks      int
	chunkBytes  int
	text        string
	language    string
	runTimeout  time.Duration
	chunkPacing time.Duration
	verbose     bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var runTimeoutMS int
	var chunkPacingMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8090", "bridge base URL")
	flag.StringVar(&cfg.deviceID, "device-id", "voxprobe", "device_id for the handshake")
	flag.StringVar(&cfg.token, "token", "", "bearer token (optional)")
	flag.IntVar(&cfg.chunks, "chunks", 5, "number of synthetic audio chunks to stream")
	flag.IntVar(&cfg.chunkBytes, "chunk-bytes", 960, "payload size per audio chunk in bytes")
	flag.StringVar(&cfg.text, "text", "", "optional text input instead of audio (dialog fallback)")
	flag.StringVar(&cfg.language, "language", "", "optional run language override")
	flag.IntVar(&runTimeoutMS, "run-timeout-ms", 15000, "timeout waiting for the run to finish in milliseconds")
	flag.IntVar(&chunkPacingMS, "chunk-pacing-ms", 60, "delay between audio chunks in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print every received frame")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.deviceID) == "" {
		return options{}, fmt.Errorf("device-id is required")
	}
	if cfg.chunks <= 0 {
		return options{}, fmt.Errorf("chunks must be > 0")
	}
	if cfg.chunkBytes < 1 || cfg.chunkBytes > 1<<16 {
		return options{}, fmt.Errorf("chunk-bytes must be in [1,65536]")
	}
	if runTimeoutMS < 1000 {
		runTimeoutMS = 1000
	}
	if chunkPacingMS < 0 {
		chunkPacingMS = 0
	}
	cfg.runTimeout = time.Duration(runTimeoutMS) * time.Millisecond
	cfg.chunkPacing = time.Duration(chunkPacingMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	hello := protocol.Hello{
		Type:      protocol.TypeHello,
		DeviceID:  cfg.deviceID,
		Transport: "websocket",
		Version:   3,
	}
	if strings.TrimSpace(cfg.token) != "" {
		hello.Authorization = "Bearer " + strings.TrimSpace(cfg.token)
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	ack, err := awaitFrame(conn, cfg.runTimeout, string(protocol.TypeHello), string(protocol.TypeError))
	if err != nil {
		return fmt.Errorf("await hello ack: %w", err)
	}
	if ack["type"] == string(protocol.TypeError) {
		return fmt.Errorf("handshake rejected: %v (%v)", ack["code"], ack["message"])
	}
	sessionID, _ := ack["session_id"].(string)
	if cfg.verbose {
		fmt.Printf("voxprobe: session=%s transport=%v\n", sessionID, ack["transport"])
	}

	runFrame := protocol.PipelineRun{
		Type:     protocol.TypePipelineRun,
		Language: cfg.language,
		Text:     strings.TrimSpace(cfg.text),
	}
	if err := conn.WriteJSON(runFrame); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	if runFrame.Text != "" {
		// Dialog fallback: one synchronous exchange, no audio to stream.
		reply, err := awaitFrame(conn, cfg.runTimeout, string(protocol.TypeConversationResponse), string(protocol.TypeError))
		if err != nil {
			return fmt.Errorf("await conversation response: %w", err)
		}
		if reply["type"] == string(protocol.TypeError) {
			return fmt.Errorf("run failed: %v (%v)", reply["code"], reply["message"])
		}
		fmt.Printf("voxprobe: response=%q emotion=%v\n", reply["text"], reply["emotion"])
		return nil
	}

	started, err := awaitFrame(conn, cfg.runTimeout, string(protocol.TypeRunStart), string(protocol.TypeError))
	if err != nil {
		return fmt.Errorf("await run-start: %w", err)
	}
	if started["type"] == string(protocol.TypeError) {
		return fmt.Errorf("run rejected: %v (%v)", started["code"], started["message"])
	}
	handlerID := byte(1)
	if v, ok := started["handler_id"].(float64); ok && v > 0 && v < 256 {
		handlerID = byte(v)
	}
	if cfg.verbose {
		fmt.Printf("voxprobe: run started handler_id=%d timeout=%v\n", handlerID, started["timeout"])
	}

	for i := 0; i < cfg.chunks; i++ {
		frame := protocol.AudioFrame{HandlerID: handlerID, Payload: syntheticChunk(cfg.chunkBytes, i)}
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(frame)); err != nil {
			return fmt.Errorf("chunk %d: %w", i+1, err)
		}
		if cfg.chunkPacing > 0 {
			time.Sleep(cfg.chunkPacing)
		}
	}
	sentinel := protocol.AudioFrame{HandlerID: handlerID, EndOfStream: true}
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudioFrame(sentinel)); err != nil {
		return fmt.Errorf("end-of-stream sentinel: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("voxprobe: streamed %d chunks of %d bytes\n", cfg.chunks, cfg.chunkBytes)
	}

	deadline := time.Now().Add(cfg.runTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timeout after %s waiting for run-end", cfg.runTimeout)
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			if cfg.verbose {
				fmt.Printf("voxprobe: <- binary %d bytes\n", len(data))
			}
			continue
		}
		frame := map[string]any{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if cfg.verbose {
			fmt.Printf("voxprobe: <- %s\n", strings.TrimSpace(string(data)))
		}
		// Backend events are forwarded verbatim; run-end is the terminal one.
		if frame["type"] == "run-end" {
			break
		}
		if frame["type"] == string(protocol.TypeError) {
			return fmt.Errorf("run failed: %v (%v)", frame["code"], frame["message"])
		}
	}

	fmt.Println("voxprobe: run completed")
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/terminal/ws"
	return u.String(), nil
}

func awaitFrame(conn *websocket.Conn, timeout time.Duration, types ...string) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timeout after %s", timeout)
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		frame := map[string]any{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		t, _ := frame["type"].(string)
		for _, want := range types {
			if t == want {
				return frame, nil
			}
		}
	}
}

// syntheticChunk produces a deterministic payload; the byte pattern only has
// to be non-empty, backends treat it as opaque audio.
func syntheticChunk(size, seq int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte((seq + i) % 251)
	}
	return buf
}
