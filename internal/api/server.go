// Package api serves the gateway's HTTP surface: the internal alert
// broadcast endpoint, message history, health and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"groupchat/internal/auth"
	"groupchat/internal/hub"
	"groupchat/internal/logging"
	"groupchat/internal/metrics"
	"groupchat/internal/router"
	ws "groupchat/internal/websocket"
	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

// InternalTokenHeader carries the shared secret of the internal endpoint.
const InternalTokenHeader = "X-Internal-Token"

const (
	maxAlertBodyBytes   = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Publisher persists and fans out a message.
type Publisher interface {
	Publish(ctx context.Context, msg *types.ChatMessage) (hub.Result, error)
}

// HealthChecker reports whether the message store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the collaborators the server calls into.
type Dependencies struct {
	Publisher Publisher
	Oracle    interfaces.MembershipOracle
	History   interfaces.MessageStore
	Verifier  interfaces.IdentityVerifier
	Health    HealthChecker
	Registry  *ws.Registry
	Gatherer  prometheus.Gatherer
}

// Config tunes the HTTP surface.
type Config struct {
	SharedSecret        string
	GroupTimeout        time.Duration
	MaxConcurrentGroups int
	// MaxBodyLength bounds the alert message in characters, as for chat.
	MaxBodyLength int
	// SeparateInternal keeps /internal/alerts off the public mux.
	SeparateInternal bool
}

// Server handles HTTP requests.
type Server struct {
	deps     Dependencies
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	router   *http.ServeMux
	internal *http.ServeMux
	started  time.Time
}

// NewServer creates a new HTTP server.
func NewServer(deps Dependencies, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.GroupTimeout <= 0 {
		cfg.GroupTimeout = 3 * time.Second
	}
	s := &Server{
		deps:     deps,
		config:   cfg,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("api"),
		router:   http.NewServeMux(),
		internal: http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	alerts := s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.broadcastAlert)))
	s.internal.Handle("POST /internal/alerts", alerts)
	s.internal.HandleFunc("GET /healthz", s.liveness)
	if !s.config.SeparateInternal {
		s.router.Handle("POST /internal/alerts", alerts)
	}

	s.router.Handle("GET /api/groups/{groupID}/messages",
		s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.groupHistory))))
	s.router.Handle("OPTIONS /api/", s.corsMiddleware(http.NotFoundHandler()))
	s.router.HandleFunc("GET /healthz", s.liveness)
	s.router.HandleFunc("GET /readyz", s.readiness)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Handle mounts an extra handler on the public mux, used for the socket
// endpoints.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.router.Handle(pattern, handler)
}

// ServeHTTP implements http.Handler for the public listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// InternalHandler serves the dedicated internal listener.
func (s *Server) InternalHandler() http.Handler {
	return s.internal
}

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HistoryResponse is returned by the history endpoint, oldest first.
type HistoryResponse struct {
	GroupID  string               `json:"group_id"`
	Messages []*types.ChatMessage `json:"messages"`
}

// ReadinessResponse reports store health and live socket counts.
type ReadinessResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Connections ws.Stats  `json:"connections"`
	Uptime      string    `json:"uptime"`
}

func (s *Server) authorizeInternal(r *http.Request) bool {
	if s.config.SharedSecret == "" {
		return false
	}
	got := r.Header.Get(InternalTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.config.SharedSecret)) == 1
}

// broadcastAlert fans an emergency alert out to every group of an event.
// Groups run concurrently, each under its own timeout; a failed group does
// not roll back the others.
func (s *Server) broadcastAlert(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeInternal(r) {
		s.sendError(w, "internal token missing or invalid", http.StatusForbidden)
		return
	}

	var req types.AlertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAlertBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if err := types.ValidateBody(req.Message, s.config.MaxBodyLength); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	groups, err := s.deps.Oracle.GroupsForEvent(r.Context(), req.EventID)
	if err != nil {
		s.logger.Error("failed to resolve event groups", zap.String("event_id", req.EventID), zap.Error(err))
		s.sendError(w, "Failed to resolve event groups", http.StatusInternalServerError)
		return
	}
	if len(groups) == 0 {
		s.sendError(w, "No groups for event", http.StatusNotFound)
		return
	}

	sentAt := time.Now().UTC()
	results := make([]types.GroupAlertResult, len(groups))

	var g errgroup.Group
	if s.config.MaxConcurrentGroups > 0 {
		g.SetLimit(s.config.MaxConcurrentGroups)
	}
	for i, groupID := range groups {
		g.Go(func() error {
			results[i] = s.alertGroup(r.Context(), groupID, &req, sentAt)
			return nil
		})
	}
	_ = g.Wait()

	resp := types.AlertResponse{
		Success: lo.EveryBy(results, types.GroupAlertResult.Succeeded),
		EventID: req.EventID,
		Groups:  results,
	}
	s.logger.Info("alert broadcast",
		zap.String("event_id", req.EventID),
		zap.String("alert_id", req.AlertID),
		zap.Int("groups", len(groups)),
		zap.Bool("success", resp.Success),
	)
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) alertGroup(parent context.Context, groupID string, req *types.AlertRequest, sentAt time.Time) types.GroupAlertResult {
	ctx, cancel := context.WithTimeout(parent, s.config.GroupTimeout)
	defer cancel()

	msg := &types.ChatMessage{
		ID:       uuid.NewString(),
		GroupID:  groupID,
		SenderID: req.UserID,
		Body:     req.Message,
		SentAt:   sentAt,
		Kind:     types.KindAlert,
		AlertID:  req.AlertID,
		Location: req.Location(),
	}
	result := types.GroupAlertResult{GroupID: groupID, MessageID: msg.ID}

	res, err := s.deps.Publisher.Publish(ctx, msg)
	result.Delivered = res.Delivered
	result.Failed = res.Failed

	switch {
	case err == nil:
		result.Persisted = true
		s.metrics.AlertGroup("ok")
		return result
	case errors.Is(err, router.ErrBroadcastFailed):
		result.Persisted = true
	}

	outcome := "error"
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		result.Error = fmt.Sprintf("timed out after %s", s.config.GroupTimeout)
	case errors.Is(err, router.ErrPersistenceFailed):
		outcome = "persist_failed"
		result.Error = types.CodePersistenceFailed
	default:
		result.Error = err.Error()
	}
	s.metrics.AlertGroup(outcome)
	s.logger.Warn("alert group failed",
		zap.String("group_id", groupID),
		zap.String("alert_id", req.AlertID),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	return result
}

// groupHistory pages backwards through a group's stored messages. It uses
// the same 401/403 rules as the socket handshake.
func (s *Server) groupHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := s.deps.Verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		if !auth.IsUnauthenticated(err) {
			s.logger.Error("identity verification failed", zap.Error(err))
			s.sendError(w, "Failed to verify credential", http.StatusInternalServerError)
			return
		}
		s.sendError(w, "Missing or invalid credential", http.StatusUnauthorized)
		return
	}

	groupID := r.PathValue("groupID")
	if !types.IsValidID(groupID) {
		s.sendError(w, interfaces.ErrForbidden.Error(), http.StatusForbidden)
		return
	}
	member, err := s.deps.Oracle.IsMember(r.Context(), groupID, identity.UserID)
	if err != nil {
		s.logger.Error("membership check failed", zap.String("group_id", groupID), zap.Error(err))
		s.sendError(w, "Failed to check membership", http.StatusInternalServerError)
		return
	}
	if !member {
		s.sendError(w, interfaces.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.sendError(w, "before must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
	}

	messages, err := s.deps.History.GroupHistory(r.Context(), groupID, before, limit)
	if err != nil {
		s.logger.Error("history query failed", zap.String("group_id", groupID), zap.Error(err))
		s.sendError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}
	s.sendJSON(w, http.StatusOK, HistoryResponse{GroupID: groupID, Messages: messages})
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Registry != nil {
		resp.Connections = s.deps.Registry.Stats()
	}

	code := http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = fmt.Sprintf("error: %v", err)
			code = http.StatusServiceUnavailable
		}
	}
	s.sendJSON(w, code, resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+InternalTokenHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
