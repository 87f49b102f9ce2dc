package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/eliaswynn/voxbridge/internal/command"
	"github.com/eliaswynn/voxbridge/internal/config"
	"github.com/eliaswynn/voxbridge/internal/emotion"
	"github.com/eliaswynn/voxbridge/internal/history"
	"github.com/eliaswynn/voxbridge/internal/observability"
	"github.com/eliaswynn/voxbridge/internal/pipeline"
	"github.com/eliaswynn/voxbridge/internal/session"
)

// WSPath is the terminal websocket endpoint.
const WSPath = "/api/terminal/ws"

const serverVersion = "0.2.0"

var serverCapabilities = []string{"stt", "tts", "iot_control", "emotion", "assist_pipeline"}

// Server hosts the terminal websocket endpoint plus the small operational
// HTTP surface (health, metrics, device listing).
type Server struct {
	cfg        config.Config
	registry   *session.Registry
	binding    *pipeline.Binding
	executor   command.Executor
	store      history.Store
	classifier emotion.Classifier
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(
	cfg config.Config,
	registry *session.Registry,
	binding *pipeline.Binding,
	executor command.Executor,
	store history.Store,
	classifier emotion.Classifier,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		binding:    binding,
		executor:   executor,
		store:      store,
		classifier: classifier,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Terminals are not browsers and usually omit Origin; allow
				// those. Browser connections must be same-origin unless the
				// deployment opts out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get(WSPath, s.handleTerminalWS)
	r.Get("/v1/devices", s.handleListDevices)
	r.Get("/v1/devices/{id}/history", s.handleDeviceHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": s.registry.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"streaming": s.binding.Streaming(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"devices": s.registry.Snapshot(),
	})
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if strings.TrimSpace(deviceID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_device_id", "missing device id")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := s.store.RecentTurns(r.Context(), deviceID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleTerminalWS upgrades the connection and hands it to the per-connection
// protocol loop. Read, write and dispatch each live on their own goroutine;
// all session mutation happens on the dispatch loop.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(s, ws, cancel)

	inbound := make(chan inboundMsg, 64)
	go func() {
		defer close(inbound)
		ws.SetReadLimit(2 << 20)
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			select {
			case inbound <- inboundMsg{messageType: msgType, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.run(ctx, inbound)
	c.teardown()

	// Flush queued frames (auth errors in particular) before dropping the
	// transport.
	close(c.outbound)
	<-writerDone
	_ = ws.Close()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
