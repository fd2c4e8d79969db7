// Package http exposes the search engine over HTTP and WebSocket.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/thoughtsearch/budget"
	"github.com/scttfrdmn/thoughtsearch/checkpointing"
	"github.com/scttfrdmn/thoughtsearch/observability"
	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

// Version is reported by /health.
const Version = "0.1.0"

// Error codes returned in ErrorResponse.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeNoAnswer       = "NO_ANSWER"
	CodeSearchFailed   = "SEARCH_FAILED"
	CodeCancelled      = "CANCELLED"
	CodeBudgetExceeded = "BUDGET_EXCEEDED"
)

// EngineFactory builds a search engine for one request. opts carries
// per-request options such as a round observer.
type EngineFactory func(opts ...reasoning.MCTSOption) *reasoning.MCTS

// SearchRequest is the body of POST /search, POST /resume and of every
// WebSocket request message.
type SearchRequest struct {
	Query     string `json:"query,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Rounds    int    `json:"rounds,omitempty"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamMessage is one WebSocket message sent to the client.
type StreamMessage struct {
	// Type is "round", "result" or "error".
	Type   string                  `json:"type"`
	Round  *reasoning.RoundEvent   `json:"round,omitempty"`
	Result *reasoning.SearchResult `json:"result,omitempty"`
	Error  *ErrorResponse          `json:"error,omitempty"`
}

// SearchServer serves searches over HTTP.
type SearchServer struct {
	engines        EngineFactory
	checkpoints    *checkpointing.CheckpointManager
	metricsHandler http.Handler
	logger         *slog.Logger
	defaultRounds  int
	maxRounds      int
	startTime      time.Time

	upgrader websocket.Upgrader
	server   *http.Server
	mux      *http.ServeMux
	mu       sync.Mutex
}

// ServerOption configures a SearchServer.
type ServerOption func(*SearchServer)

// WithCheckpoints enables /resume and /sessions/{id}.
func WithCheckpoints(manager *checkpointing.CheckpointManager) ServerOption {
	return func(s *SearchServer) {
		s.checkpoints = manager
	}
}

// WithMetricsHandler serves handler on /metrics.
func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(s *SearchServer) {
		s.metricsHandler = handler
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *SearchServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRounds sets the rounds used when a request does not give any and the
// most a request may ask for. A max of zero means unlimited.
func WithRounds(defaultRounds, maxRounds int) ServerOption {
	return func(s *SearchServer) {
		if defaultRounds > 0 {
			s.defaultRounds = defaultRounds
		}
		s.maxRounds = maxRounds
	}
}

// WithReadTimeout bounds how long reading a request may take.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *SearchServer) {
		s.server.ReadHeaderTimeout = d
	}
}

// NewSearchServer creates a new search server listening on addr.
func NewSearchServer(engines EngineFactory, addr string, opts ...ServerOption) *SearchServer {
	mux := http.NewServeMux()
	s := &SearchServer{
		engines:       engines,
		logger:        slog.Default(),
		defaultRounds: 3,
		startTime:     time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		mux: mux,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux.Handle("/health", observability.TraceHTTP(http.HandlerFunc(s.handleHealth), "health"))
	mux.Handle("/search", observability.TraceHTTP(http.HandlerFunc(s.handleSearch), "search"))
	mux.Handle("/resume", observability.TraceHTTP(http.HandlerFunc(s.handleResume), "resume"))
	mux.Handle("GET /sessions/{id}", observability.TraceHTTP(http.HandlerFunc(s.handleSession), "session"))
	mux.Handle("/ws", observability.TraceHTTP(http.HandlerFunc(s.handleStream), "stream"))
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	return s
}

// Handler returns the server's root handler.
func (s *SearchServer) Handler() http.Handler {
	return s.mux
}

// Start serves in the background until Stop is called.
func (s *SearchServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.InfoContext(ctx, "search server listening", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("search server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx is
// done.
func (s *SearchServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.InfoContext(ctx, "search server stopping")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *SearchServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     Version,
		"uptime":      time.Since(s.startTime).Seconds(),
		"checkpoints": s.checkpoints != nil,
	})
}

// handleSearch runs a new search.
func (s *SearchServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.sendError(w, CodeInvalidRequest, "query is required")
		return
	}

	result, err := s.engines().Search(r.Context(), req.Query, req.Rounds)
	if err != nil {
		s.sendSearchError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleResume continues a checkpointed search.
func (s *SearchServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.checkpoints == nil {
		s.sendError(w, CodeNotImplemented, "checkpointing is disabled")
		return
	}

	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if req.SessionID == "" {
		s.sendError(w, CodeInvalidRequest, "session_id is required")
		return
	}

	result, err := s.checkpoints.Resume(r.Context(), s.engines(), req.SessionID, req.Rounds)
	if err != nil {
		s.sendSearchError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleSession reports checkpoint statistics for a session.
func (s *SearchServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.sendError(w, CodeNotImplemented, "checkpointing is disabled")
		return
	}

	sessionID := r.PathValue("id")
	stats, err := s.checkpoints.GetSessionStats(r.Context(), sessionID)
	if err != nil {
		s.sendSearchError(w, r, err)
		return
	}
	if stats.TotalCheckpoints == 0 {
		s.sendError(w, CodeNotFound, fmt.Sprintf("no checkpoints for session %s", sessionID))
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleStream runs searches over a WebSocket connection. Each request
// message starts a search (or a resume when it carries a session id and no
// query); round events are streamed as they complete, followed by the
// result or an error.
func (s *SearchServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		var req SearchRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.DebugContext(ctx, "websocket read ended", "error", err)
			}
			return
		}

		if err := s.streamSearch(ctx, conn, req); err != nil {
			s.logger.DebugContext(ctx, "websocket write failed", "error", err)
			return
		}
	}
}

func (s *SearchServer) streamSearch(ctx context.Context, conn *websocket.Conn, req SearchRequest) error {
	rounds, err := s.rounds(req.Rounds)
	if err != nil {
		return conn.WriteJSON(StreamMessage{Type: "error", Error: &ErrorResponse{Code: CodeInvalidRequest, Message: err.Error()}})
	}

	// The observer runs on the search goroutine, so writes stay serialized.
	var writeErr error
	engine := s.engines(reasoning.WithRoundObserver(func(event reasoning.RoundEvent) {
		if writeErr != nil {
			return
		}
		writeErr = conn.WriteJSON(StreamMessage{Type: "round", Round: &event})
	}))

	var result *reasoning.SearchResult
	switch {
	case strings.TrimSpace(req.Query) != "":
		result, err = engine.Search(ctx, req.Query, rounds)
	case req.SessionID != "" && s.checkpoints != nil:
		result, err = s.checkpoints.Resume(ctx, engine, req.SessionID, rounds)
	default:
		return conn.WriteJSON(StreamMessage{Type: "error", Error: &ErrorResponse{Code: CodeInvalidRequest, Message: "query is required"}})
	}
	if writeErr != nil {
		return writeErr
	}

	if err != nil {
		code, _ := classify(err)
		return conn.WriteJSON(StreamMessage{Type: "error", Error: &ErrorResponse{Code: code, Message: err.Error()}})
	}
	return conn.WriteJSON(StreamMessage{Type: "result", Result: result})
}

// decodeRequest reads the JSON body and resolves the round count.
func (s *SearchServer) decodeRequest(w http.ResponseWriter, r *http.Request) (SearchRequest, bool) {
	defer r.Body.Close()

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, CodeInvalidRequest, "failed to decode request body")
		return req, false
	}

	rounds, err := s.rounds(req.Rounds)
	if err != nil {
		s.sendError(w, CodeInvalidRequest, err.Error())
		return req, false
	}
	req.Rounds = rounds
	return req, true
}

func (s *SearchServer) rounds(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("rounds must be non-negative, got %d", requested)
	case requested == 0:
		return s.defaultRounds, nil
	case s.maxRounds > 0 && requested > s.maxRounds:
		return 0, fmt.Errorf("rounds must be at most %d, got %d", s.maxRounds, requested)
	}
	return requested, nil
}

// classify maps a search error to an error code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, checkpointing.ErrNoCheckpoint):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, reasoning.ErrNoAnswer):
		return CodeNoAnswer, http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return CodeCancelled, 499
	case budget.IsBudgetExceeded(err):
		return CodeBudgetExceeded, http.StatusTooManyRequests
	}
	return CodeSearchFailed, http.StatusBadGateway
}

func (s *SearchServer) sendSearchError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	s.logger.WarnContext(r.Context(), "search request failed", "path", r.URL.Path, "code", code, "error", err)
	s.sendJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

// sendError sends an error response.
func (s *SearchServer) sendError(w http.ResponseWriter, code, message string) {
	status := http.StatusInternalServerError
	switch code {
	case CodeInvalidRequest:
		status = http.StatusBadRequest
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeNotImplemented:
		status = http.StatusNotImplemented
	}
	s.sendJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func (s *SearchServer) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
