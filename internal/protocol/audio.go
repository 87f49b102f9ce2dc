package protocol

import "fmt"

// AudioFrame is one decoded binary websocket message. The first byte of a
// multi-byte frame routes the payload to the run it belongs to; a one-byte
// frame is the end-of-stream sentinel for that handler id.
type AudioFrame struct {
	HandlerID   byte
	Payload     []byte
	EndOfStream bool
}

// DecodeAudioFrame splits a raw binary message into routing byte and payload.
func DecodeAudioFrame(raw []byte) (AudioFrame, error) {
	switch {
	case len(raw) == 0:
		return AudioFrame{}, fmt.Errorf("%w: empty binary frame", ErrInvalidEncoding)
	case len(raw) == 1:
		return AudioFrame{HandlerID: raw[0], EndOfStream: true}, nil
	default:
		return AudioFrame{HandlerID: raw[0], Payload: raw[1:]}, nil
	}
}

// EncodeAudioFrame produces the wire form of an audio frame. Sentinel frames
// encode as the single handler byte.
func EncodeAudioFrame(f AudioFrame) []byte {
	if f.EndOfStream {
		return []byte{f.HandlerID}
	}
	out := make([]byte, 1+len(f.Payload))
	out[0] = f.HandlerID
	copy(out[1:], f.Payload)
	return out
}
