package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDialogConverse(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conversation_id": "conv-9",
			"response": map[string]any{
				"speech": map[string]any{
					"plain": map[string]any{"speech": "done"},
				},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDialog(srv.URL, "tok")
	res, err := d.Converse(context.Background(), ConverseRequest{Text: "turn on the light", Language: "en-US", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	if gotPath != "/api/conversation/process" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["text"] != "turn on the light" || gotBody["language"] != "en-US" {
		t.Fatalf("request body = %v", gotBody)
	}
	if res.Text != "done" || res.ConversationID != "conv-9" {
		t.Fatalf("result = %+v", res)
	}
}

func TestHTTPDialogKeepsConversationIDWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"speech": map[string]any{
					"plain": map[string]any{"speech": "ok"},
				},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDialog(srv.URL, "")
	res, err := d.Converse(context.Background(), ConverseRequest{Text: "hi", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	if res.ConversationID != "conv-1" {
		t.Fatalf("ConversationID = %q, want conv-1", res.ConversationID)
	}
}

func TestHTTPDialogStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDialog(srv.URL, "")
	if _, err := d.Converse(context.Background(), ConverseRequest{Text: "hi"}); err == nil {
		t.Fatalf("expected error for non-2xx status")
	}
}
