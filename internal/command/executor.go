package command

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

// DefaultDomain is assumed when a command carries no "domain." prefix.
const DefaultDomain = "homeassistant"

// Executor dispatches one smart-home service call. Failures are reported to
// the terminal as iot_control status frames, never as connection errors.
type Executor interface {
	Execute(ctx context.Context, domain, service string, target Target) error
}

type Target struct {
	EntityID string `json:"entity_id,omitempty"`
}

// Split turns an iot_control command like "light.turn_on" into its
// domain/service pair, defaulting the domain when no dot is present.
func Split(command string) (domain, service string) {
	if i := strings.Index(command, "."); i >= 0 {
		return command[:i], command[i+1:]
	}
	return DefaultDomain, command
}

// HTTPExecutor calls a Home-Assistant-style REST service endpoint:
// POST {base}/api/services/{domain}/{service}.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPExecutor(baseURL, token string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, domain, service string, target Target) error {
	body, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encode service call: %w", err)
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", e.baseURL, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build service call: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("call %s.%s: status %d", domain, service, resp.StatusCode)
	}
	return nil
}

// NopExecutor accepts every command without side effects. Used when no
// command endpoint is configured.
type NopExecutor struct{}

func (NopExecutor) Execute(context.Context, string, string, Target) error { return nil }
