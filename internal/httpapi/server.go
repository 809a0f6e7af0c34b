package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ent0n29/motiongate/internal/config"
	"github.com/ent0n29/motiongate/internal/gateway"
	"github.com/ent0n29/motiongate/internal/observability"
	"github.com/ent0n29/motiongate/internal/reliability"
	"github.com/ent0n29/motiongate/internal/session"
)

const (
	ServiceName    = "Text-to-Motion API Gateway"
	ServiceVersion = "1.0.0"

	sessionHeader = "X-Session-ID"
	maxBodyBytes  = 64 << 10
)

type Server struct {
	cfg     config.Config
	service *gateway.Service
	metrics *observability.Metrics
	logger  *zap.Logger
	origins map[string]struct{}
	cors    map[string]struct{}
}

func New(cfg config.Config, service *gateway.Service, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		service: service,
		metrics: metrics,
		logger:  logger,
		origins: make(map[string]struct{}),
		cors:    make(map[string]struct{}),
	}
	for _, o := range cfg.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		logger.Warn("ALLOWED_ORIGINS=* is incompatible with credentials; CORS will allow no origins")
	} else {
		for _, o := range cfg.AllowedOrigins {
			s.cors[o] = struct{}{}
		}
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(s.recoverer)
	r.Use(s.corsHeaders)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", s.handleConfig)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAllowedOrigin)
			r.Post("/session", s.handleCreateSession)
			r.Post("/generate", s.handleGenerate)
			r.Get("/motions", s.handleListMotions)
			r.Delete("/motions", s.handleClearMotions)
			r.Get("/motions/{id}", s.handleGetMotion)
			r.Delete("/motions/{id}", s.handleDeleteMotion)
			r.Get("/history", s.handleHistory)
		})
	})
	return r
}

func (s *Server) caller(r *http.Request) gateway.Caller {
	ip := session.ClientIP(r, s.cfg.TrustProxyHeaders)
	return gateway.Caller{
		SessionID:   strings.TrimSpace(r.Header.Get(sessionHeader)),
		Origin:      ip,
		Fingerprint: session.Fingerprint(ip, r.UserAgent()),
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "running",
		"service":         ServiceName,
		"version":         ServiceVersion,
		"remote_server":   net.JoinHostPort(s.cfg.RemoteWSHost, strconv.Itoa(s.cfg.RemoteWSPort)),
		"active_sessions": s.service.ActiveSessions(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.service.ActiveSessions(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"latency":         s.service.Latency(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"max_motion_length":       gateway.MaxMotionLength,
		"min_motion_length":       gateway.MinMotionLength,
		"max_inference_steps":     gateway.MaxInferenceSteps,
		"min_inference_steps":     gateway.MinInferenceSteps,
		"default_motion_length":   gateway.DefaultMotionLength,
		"default_inference_steps": gateway.DefaultInferenceSteps,
		"max_stored_motions":      s.cfg.MaxStoredMotionsPerUser,
		"data_retention_minutes":  s.cfg.DataRetentionMinutes,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.CreateSession(s.caller(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	w.Header().Set(sessionHeader, sess.ID)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
		"message":    "Session created successfully",
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req gateway.GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = reliability.Invalid("body", "request body is required")
		} else {
			err = reliability.Invalid("body", err.Error())
		}
		s.respondFailure(w, r, err)
		return
	}

	sess, rec, err := s.service.Generate(r.Context(), s.caller(r), req)
	if sess.ID != "" {
		w.Header().Set(sessionHeader, sess.ID)
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"motion_id": rec.ID,
		"motion":    rec,
		"message":   "Motion generated successfully",
	})
}

func (s *Server) handleListMotions(w http.ResponseWriter, r *http.Request) {
	sess, list, err := s.service.ListMotions(s.caller(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	w.Header().Set(sessionHeader, sess.ID)
	respondJSON(w, http.StatusOK, map[string]any{
		"motions":    list,
		"session_id": sess.ID,
	})
}

func (s *Server) handleGetMotion(w http.ResponseWriter, r *http.Request) {
	sess, rec, err := s.service.GetMotion(s.caller(r), chi.URLParam(r, "id"))
	if sess.ID != "" {
		w.Header().Set(sessionHeader, sess.ID)
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMotion(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.DeleteMotion(s.caller(r), chi.URLParam(r, "id"))
	if sess.ID != "" {
		w.Header().Set(sessionHeader, sess.ID)
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Motion deleted",
	})
}

func (s *Server) handleClearMotions(w http.ResponseWriter, r *http.Request) {
	sess, n, err := s.service.ClearMotions(s.caller(r))
	if sess.ID != "" {
		w.Header().Set(sessionHeader, sess.ID)
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleared": n,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondFailure(w, r, reliability.Invalid("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	sess, entries, err := s.service.History(r.Context(), s.caller(r), limit)
	if sess.ID != "" {
		w.Header().Set(sessionHeader, sess.ID)
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"session_id": sess.ID,
	})
}

// respondFailure classifies err and writes the error envelope. Internal
// detail is logged, never sent.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := reliability.Classify(err)
	if f.Kind == reliability.KindInternal {
		s.logger.Error("unhandled error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(f.RetryAfter/time.Second)))
	}
	respondError(w, f.Status, f.Code, f.Message)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Success: false, Error: message, Code: code})
}
