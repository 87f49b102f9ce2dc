package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies control frame variants on the terminal websocket.
type FrameType string

const (
	// Client-emitted.
	TypeHello       FrameType = "hello"
	TypeListen      FrameType = "listen"
	TypeAbort       FrameType = "abort"
	TypeIoTControl  FrameType = "iot_control"
	TypePipelineRun FrameType = "assist_pipeline/run"
	TypePing        FrameType = "ping"

	// Server-emitted.
	TypePong                 FrameType = "pong"
	TypeRunStart             FrameType = "run-start"
	TypeError                FrameType = "error"
	TypeConversationResponse FrameType = "conversation-response"
)

var (
	ErrInvalidEncoding = errors.New("invalid frame encoding")
	ErrUnknownType     = errors.New("unknown frame type")
)

type Envelope struct {
	Type FrameType `json:"type"`
}

// Hello is the first frame a terminal must send on a new connection.
type Hello struct {
	Type          FrameType `json:"type"`
	DeviceID      string    `json:"device_id"`
	ClientID      string    `json:"client_id,omitempty"`
	Authorization string    `json:"authorization,omitempty"`
	Transport     string    `json:"transport,omitempty"`
	Version       int       `json:"version,omitempty"`
}

// Listen carries the legacy two-state voice protocol.
type Listen struct {
	Type  FrameType `json:"type"`
	State string    `json:"state"`
	Mode  string    `json:"mode,omitempty"`
}

type Abort struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason,omitempty"`
}

type IoTControl struct {
	Type     FrameType `json:"type"`
	Command  string    `json:"command"`
	EntityID string    `json:"entity_id,omitempty"`
}

// PipelineRun requests a backend pipeline run. All fields override the
// server-side defaults for this run only.
type PipelineRun struct {
	Type           FrameType `json:"type"`
	Language       string    `json:"language,omitempty"`
	PipelineID     string    `json:"pipeline_id,omitempty"`
	StartStage     string    `json:"start_stage,omitempty"`
	EndStage       string    `json:"end_stage,omitempty"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	TimeoutSeconds int       `json:"timeout,omitempty"`
	Text           string    `json:"text,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

type Ping struct {
	Type FrameType `json:"type"`
}

// AudioSettings is negotiated once at handshake and echoed in the hello ack.
type AudioSettings struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

type ServerInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// HelloAck acknowledges a successful handshake.
type HelloAck struct {
	Type          FrameType     `json:"type"`
	SessionID     string        `json:"session_id"`
	Transport     string        `json:"transport"`
	AudioSettings AudioSettings `json:"audio_settings"`
	ServerInfo    ServerInfo    `json:"server_info"`
}

type Pong struct {
	Type FrameType `json:"type"`
}

type ListenAck struct {
	Type  FrameType `json:"type"`
	State string    `json:"state"`
}

type AbortAck struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

type IoTControlResult struct {
	Type    FrameType `json:"type"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// RunStart announces a newly started pipeline run and the routing byte the
// terminal must prefix audio frames with. Timeout is advisory.
type RunStart struct {
	Type           FrameType `json:"type"`
	HandlerID      int       `json:"handler_id"`
	TimeoutSeconds int       `json:"timeout"`
}

type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// ConversationResponse carries the synchronous dialog fallback reply.
type ConversationResponse struct {
	Type           FrameType `json:"type"`
	Text           string    `json:"text"`
	ConversationID string    `json:"conversation_id"`
	Emotion        string    `json:"emotion,omitempty"`
}

// BackendEvent forwards a backend pipeline event to the terminal verbatim.
type BackendEvent struct {
	Type FrameType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// ParseClientFrame decodes one inbound control frame. Unknown JSON fields are
// ignored for forward compatibility; an unrecognized type is reported as
// ErrUnknownType so the caller can acknowledge without dropping the
// connection.
func ParseClientFrame(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return msg, nil
	case TypeListen:
		var msg Listen
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		if msg.State == "" {
			return nil, fmt.Errorf("%w: listen frame missing state", ErrInvalidEncoding)
		}
		return msg, nil
	case TypeAbort:
		var msg Abort
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return msg, nil
	case TypeIoTControl:
		var msg IoTControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		if msg.Command == "" {
			return nil, fmt.Errorf("%w: iot_control frame missing command", ErrInvalidEncoding)
		}
		return msg, nil
	case TypePipelineRun:
		var msg PipelineRun
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EncodeFrame marshals any outbound control frame.
func EncodeFrame(frame any) ([]byte, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return raw, nil
}
