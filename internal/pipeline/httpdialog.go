package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDialog talks to a Home-Assistant-style conversation endpoint:
// POST {base}/api/conversation/process. It is the production dialog fallback
// when no streaming pipeline backend is bound.
type HTTPDialog struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPDialog(baseURL, token string) *HTTPDialog {
	return &HTTPDialog{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type converseRequestBody struct {
	Text           string `json:"text"`
	Language       string `json:"language,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type converseResponseBody struct {
	ConversationID string `json:"conversation_id"`
	Response       struct {
		Speech struct {
			Plain struct {
				Speech string `json:"speech"`
			} `json:"plain"`
		} `json:"speech"`
	} `json:"response"`
}

func (d *HTTPDialog) Converse(ctx context.Context, req ConverseRequest) (ConverseResult, error) {
	body, err := json.Marshal(converseRequestBody{
		Text:           req.Text,
		Language:       req.Language,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return ConverseResult{}, fmt.Errorf("encode converse request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/conversation/process", bytes.NewReader(body))
	if err != nil {
		return ConverseResult{}, fmt.Errorf("build converse request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return ConverseResult{}, fmt.Errorf("converse: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ConverseResult{}, fmt.Errorf("converse: status %d", resp.StatusCode)
	}

	var out converseResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ConverseResult{}, fmt.Errorf("decode converse response: %w", err)
	}

	conversationID := out.ConversationID
	if conversationID == "" {
		conversationID = req.ConversationID
	}
	return ConverseResult{
		Text:           out.Response.Speech.Plain.Speech,
		ConversationID: conversationID,
	}, nil
}
