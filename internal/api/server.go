// Package api implements the HTTP API: the chat endpoint, read-only
// views of the collection, and a live event stream.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/nugget/sage/internal/agent"
	"github.com/nugget/sage/internal/buildinfo"
	"github.com/nugget/sage/internal/connwatch"
	"github.com/nugget/sage/internal/conversation"
	"github.com/nugget/sage/internal/events"
	"github.com/nugget/sage/internal/garden"
	"github.com/nugget/sage/internal/llm"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner runs one conversational turn. *agent.Loop satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, userMessage string, state *conversation.State) (*agent.TurnResult, error)
}

// Store is the read and care-logging surface of the plant store.
// *garden.Store satisfies it.
type Store interface {
	ListPlants(ctx context.Context) ([]garden.Plant, error)
	ListWishlist(ctx context.Context) ([]garden.WishlistEntry, error)
	CareSchedule(ctx context.Context) ([]garden.ScheduleEntry, error)
	CompleteTask(ctx context.Context, plantID int64, task garden.TaskKind) error
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     TurnRunner
	sessions *conversation.Sessions
	store    Store
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	markdown goldmark.Markdown
	upgrader websocket.Upgrader
	model    *connwatch.Watcher
	usage    UsageReader
}

// NewServer creates a new API server. bus may be nil, in which case
// the event stream endpoint reports 503.
func NewServer(address string, port int, loop TurnRunner, sessions *conversation.Sessions, store Store, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		sessions: sessions,
		store:    store,
		bus:      bus,
		logger:   logger.With("component", "api"),
		markdown: goldmark.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// WatchModel makes /health report the provider watcher's state. A
// provider outage degrades health but does not fail it; the store is
// the only hard dependency.
func (s *Server) WatchModel(w *connwatch.Watcher) {
	s.model = w
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	// Collection views
	mux.HandleFunc("GET /api/plants", s.handlePlants)
	mux.HandleFunc("GET /api/schedule", s.handleSchedule)
	mux.HandleFunc("GET /api/wishlist", s.handleWishlist)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/usage/{trace}", s.handleTraceUsage)
	mux.HandleFunc("POST /api/plants/{id}/care/{task}", s.handleCompleteTask)

	// Health and introspection
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // two model calls per turn
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through so /v1/events can upgrade behind the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Sage",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	storeStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		status, code, storeStatus = "unhealthy", http.StatusServiceUnavailable, err.Error()
	}

	body := map[string]any{
		"status":   status,
		"store":    storeStatus,
		"sessions": s.sessions.Len(),
	}
	if s.model != nil {
		ms := s.model.Status()
		body["model"] = ms
		if !ms.Ready && code == http.StatusOK {
			body["status"] = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	Response       string   `json:"response"`
	HTML           string   `json:"html"`
	ConversationID string   `json:"conversation_id"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
	Model          string   `json:"model,omitempty"`
	TraceID        string   `json:"trace_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if convID == "" {
		convID = conversation.NewID()
	}

	ctx := llm.WithTraceID(r.Context(), r.Header.Get(llm.TraceHeader))

	state, release, err := s.sessions.Acquire(ctx, convID)
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation is busy")
		return
	}
	defer release()

	res, err := s.loop.RunTurn(ctx, req.Message, state)
	if err != nil {
		var me *agent.ModelError
		if errors.As(err, &me) {
			s.errorResponse(w, http.StatusBadGateway, "Sorry, I couldn't reach the language model. Please try again.")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Sorry, something went wrong handling that message.")
		return
	}

	html, err := s.renderMarkdown(res.Reply)
	if err != nil {
		s.logger.Warn("markdown render failed", "error", err, "trace_id", res.TraceID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(llm.TraceHeader, res.TraceID)
	writeJSON(w, ChatResponse{
		Response:       res.Reply,
		HTML:           html,
		ConversationID: convID,
		ToolCalls:      res.Operations,
		Model:          res.Model,
		TraceID:        res.TraceID,
	}, s.logger)
}

func (s *Server) renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
