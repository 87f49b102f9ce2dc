package bridge

import (
	"context"

	"github.com/eliaswynn/voxbridge/internal/protocol"
)

// handleListen adapts the legacy two-state listen protocol onto the pipeline
// controller. start maps to a run with default stages and sample rate; stop
// maps to the end-of-stream sentinel for whatever run is bound (no-op when
// none is).
func (c *conn) handleListen(ctx context.Context, frame protocol.Listen) {
	switch frame.State {
	case "start":
		c.emit(protocol.ListenAck{Type: protocol.TypeListen, State: "listening"})
		c.ctrl.Start(ctx, protocol.PipelineRun{Type: protocol.TypePipelineRun})
	case "stop":
		c.ctrl.EndStream(ctx)
	case "detect":
		// Wake-word detection happens on the terminal; just acknowledge.
		c.emit(protocol.ListenAck{Type: protocol.TypeListen, State: frame.State})
	default:
		c.emit(protocol.ErrorFrame{Type: protocol.TypeError, Code: "invalid-listen-state", Message: "unsupported listen state: " + frame.State})
	}
}
