package history

import (
	"context"
	"time"
)

// Turn is one recorded side of a voice interaction: what the user said
// (role "user") or what the assistant replied (role "assistant").
type Turn struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	RecentTurns(ctx context.Context, deviceID string, limit int) ([]Turn, error)
	Close() error
}
