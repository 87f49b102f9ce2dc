package history

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.SaveTurn(ctx, Turn{DeviceID: "dev-1", SessionID: "s1", Role: "user", Content: "turn on the light"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	if err := s.SaveTurn(ctx, Turn{DeviceID: "dev-1", SessionID: "s1", Role: "assistant", Content: "done"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	turns, err := s.RecentTurns(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("RecentTurns() len = %d, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turns out of order: %+v", turns)
	}
	if turns[0].ID == "" || turns[0].CreatedAt.IsZero() {
		t.Fatalf("SaveTurn should populate id and timestamp")
	}
}

func TestInMemoryStoreBoundsTranscript(t *testing.T) {
	s := NewInMemoryStore()
	s.maxTurns = 4
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.SaveTurn(ctx, Turn{DeviceID: "dev-1", Content: fmt.Sprintf("turn %d", i)}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, "dev-1", 100)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("RecentTurns() len = %d, want 4", len(turns))
	}
	if turns[len(turns)-1].Content != "turn 9" {
		t.Fatalf("latest turn = %q, want %q", turns[len(turns)-1].Content, "turn 9")
	}
}

func TestInMemoryStoreIsolatesDevices(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.SaveTurn(ctx, Turn{DeviceID: "dev-1", Content: "a"})
	_ = s.SaveTurn(ctx, Turn{DeviceID: "dev-2", Content: "b"})

	turns, err := s.RecentTurns(ctx, "dev-2", 10)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "b" {
		t.Fatalf("unexpected turns for dev-2: %+v", turns)
	}
}
