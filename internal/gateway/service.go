package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/motiongate/internal/bridge"
	"github.com/ent0n29/motiongate/internal/journal"
	"github.com/ent0n29/motiongate/internal/motion"
	"github.com/ent0n29/motiongate/internal/observability"
	"github.com/ent0n29/motiongate/internal/policy"
	"github.com/ent0n29/motiongate/internal/ratelimit"
	"github.com/ent0n29/motiongate/internal/reliability"
	"github.com/ent0n29/motiongate/internal/session"
)

const (
	journalTimeout      = 2 * time.Second
	DefaultHistoryLimit = 20
)

// Backend produces one motion payload per request.
type Backend interface {
	Generate(ctx context.Context, req bridge.Request) ([]byte, error)
}

// Caller identifies the client behind a request.
type Caller struct {
	SessionID   string
	Origin      string
	Fingerprint string
}

// Config wires a Service. Store and Backend are required.
type Config struct {
	Store   *session.Store
	Backend Backend
	// Origins defaults to Store's in-memory origin windows.
	Origins ratelimit.OriginLimiter
	Journal journal.Store
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service runs the gateway control flow: resolve the session, admit the call,
// talk to the backend, convert the payload and cache the result.
type Service struct {
	store   *session.Store
	backend Backend
	origins ratelimit.OriginLimiter
	journal journal.Store
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("gateway: backend is required")
	}
	if cfg.Origins == nil {
		cfg.Origins = cfg.Store
	}
	if cfg.Journal == nil {
		cfg.Journal = journal.NewInMemoryStore(journal.DefaultPerSession)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics("motiongate")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Service{
		store:   cfg.Store,
		backend: cfg.Backend,
		origins: cfg.Origins,
		journal: cfg.Journal,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	s.store.SetHooks(session.Hooks{
		OnCreate: func(session.Session) { s.onSessionEvent("created") },
		OnRebind: func(session.Session) { s.onSessionEvent("rebound") },
		OnExpire: s.onExpire,
	})
	return s, nil
}

func (s *Service) onSessionEvent(event string) {
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
	s.metrics.ActiveSessions.Set(float64(s.store.Count()))
}

func (s *Service) onExpire(sess session.Session) {
	s.onSessionEvent("expired")
	s.metrics.StoredResults.Set(float64(s.store.ResultCount()))
	if f, ok := s.journal.(interface{ Forget(string) }); ok {
		f.Forget(sess.ID)
	}
}

// ActiveSessions is the number of live sessions.
func (s *Service) ActiveSessions() int { return s.store.Count() }

// Latency reports rolling per-stage generation latencies.
func (s *Service) Latency() observability.LatencySnapshot { return s.metrics.Latency.Snapshot() }

// CreateSession resolves the caller's session, creating one when needed.
func (s *Service) CreateSession(c Caller) (session.Session, error) {
	return s.store.Resolve(c.SessionID, c.Fingerprint, true)
}

func (s *Service) resolve(c Caller) (session.Session, error) {
	return s.store.Resolve(c.SessionID, c.Fingerprint, false)
}

// Generate runs one admitted generation and stores the result in the caller's
// session. The cache is only touched when every earlier step succeeded.
func (s *Service) Generate(ctx context.Context, c Caller, req GenerateRequest) (session.Session, motion.Record, error) {
	started := s.now()
	gen, err := req.Normalize(started)
	if err != nil {
		return session.Session{}, motion.Record{}, err
	}
	sess, err := s.resolve(c)
	if err != nil {
		return session.Session{}, motion.Record{}, err
	}

	ok, err := s.store.AdmitSession(sess.ID)
	if err != nil {
		return sess, motion.Record{}, err
	}
	if !ok {
		s.metrics.RateLimited.WithLabelValues("session").Inc()
		s.logger.Info("session rate limited", zap.String("session_id", sess.ID))
		return sess, motion.Record{}, ratelimit.ErrSessionLimited
	}
	ok, err = s.origins.AdmitOrigin(ctx, c.Origin)
	if err != nil {
		s.logger.Warn("origin limiter degraded", zap.String("origin", c.Origin), zap.Error(err))
	}
	if !ok {
		s.metrics.RateLimited.WithLabelValues("origin").Inc()
		s.logger.Info("origin rate limited", zap.String("origin", c.Origin))
		return sess, motion.Record{}, ratelimit.ErrOriginLimited
	}

	rec, err := s.produce(ctx, gen)
	if err != nil {
		f := reliability.Classify(err)
		s.logger.Error("generation error",
			zap.String("session_id", sess.ID),
			zap.String("kind", string(f.Kind)),
			zap.Error(err))
		s.record(ctx, journal.Entry{
			SessionID: sess.ID,
			Prompt:    gen.Text,
			Outcome:   string(f.Kind),
			Code:      f.Code,
			CreatedAt: started,
		})
		return sess, motion.Record{}, err
	}

	_, evicted, err := s.store.PutResult(sess.ID, rec)
	if err != nil {
		return sess, motion.Record{}, err
	}
	if evicted {
		s.metrics.Evictions.Inc()
	}
	s.metrics.StoredResults.Set(float64(s.store.ResultCount()))
	s.metrics.Latency.Observe(observability.StageTotal, s.now().Sub(started))
	s.record(ctx, journal.Entry{
		SessionID:  sess.ID,
		MotionID:   rec.ID,
		Prompt:     gen.Text,
		FrameCount: rec.FrameCount,
		Duration:   rec.Duration,
		Outcome:    journal.OutcomeOK,
		CreatedAt:  rec.CreatedAt,
	})
	s.logger.Info("generated motion", zap.String("motion_id", rec.ID), zap.String("session_id", sess.ID))
	return sess, rec, nil
}

func (s *Service) produce(ctx context.Context, gen Generation) (motion.Record, error) {
	callStarted := time.Now()
	payload, err := s.backend.Generate(ctx, gen.BackendRequest())
	outcome := journal.OutcomeOK
	if err != nil {
		outcome = string(reliability.Classify(err).Kind)
	}
	s.metrics.ObserveBackend(outcome, time.Since(callStarted))
	if err != nil {
		return motion.Record{}, err
	}

	createdAt := s.now()
	convertStarted := time.Now()
	rec, err := motion.Convert(payload, motion.DisplayName(gen.Text), createdAt)
	s.metrics.Latency.Observe(observability.StageConvert, time.Since(convertStarted))
	if err != nil {
		return motion.Record{}, err
	}
	rec.ID = NewMotionID(createdAt)
	rec.TextPrompt = gen.Text
	rec.Parameters = gen.Parameters()
	return rec, nil
}

func (s *Service) record(ctx context.Context, e journal.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	e.Prompt, _ = policy.RedactPrompt(e.Prompt)
	if err := s.journal.Append(ctx, e); err != nil {
		s.logger.Warn("journal append failed", zap.String("session_id", e.SessionID), zap.Error(err))
	}
}

// NewMotionID builds ids of the form gen_YYYYMMDD_HHMMSS_<8 hex>.
func NewMotionID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("gen_%s_%s", at.Format("20060102_150405"), suffix)
}

// ListMotions returns summaries of the caller's motions, newest first.
func (s *Service) ListMotions(c Caller) (session.Session, []motion.Summary, error) {
	sess, err := s.resolve(c)
	if err != nil {
		return session.Session{}, nil, err
	}
	recs, err := s.store.ListResults(sess.ID)
	if err != nil {
		return sess, nil, err
	}
	out := make([]motion.Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return sess, out, nil
}

func (s *Service) GetMotion(c Caller, motionID string) (session.Session, motion.Record, error) {
	sess, err := s.resolve(c)
	if err != nil {
		return session.Session{}, motion.Record{}, err
	}
	rec, err := s.store.GetResult(sess.ID, motionID)
	return sess, rec, err
}

func (s *Service) DeleteMotion(c Caller, motionID string) (session.Session, error) {
	sess, err := s.resolve(c)
	if err != nil {
		return session.Session{}, err
	}
	if err := s.store.DeleteResult(sess.ID, motionID); err != nil {
		return sess, err
	}
	s.metrics.StoredResults.Set(float64(s.store.ResultCount()))
	s.logger.Info("deleted motion", zap.String("motion_id", motionID), zap.String("session_id", sess.ID))
	return sess, nil
}

// ClearMotions drops every motion of the caller and reports how many there were.
func (s *Service) ClearMotions(c Caller) (session.Session, int, error) {
	sess, err := s.resolve(c)
	if err != nil {
		return session.Session{}, 0, err
	}
	n, err := s.store.ClearResults(sess.ID)
	if err != nil {
		return sess, 0, err
	}
	s.metrics.StoredResults.Set(float64(s.store.ResultCount()))
	s.logger.Info("cleared motions", zap.Int("count", n), zap.String("session_id", sess.ID))
	return sess, n, nil
}

// History returns the caller's most recent journal entries.
func (s *Service) History(ctx context.Context, c Caller, limit int) (session.Session, []journal.Entry, error) {
	sess, err := s.resolve(c)
	if err != nil {
		return session.Session{}, nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > journal.DefaultPerSession {
		limit = journal.DefaultPerSession
	}
	entries, err := s.journal.Recent(ctx, sess.ID, limit)
	if err != nil {
		return sess, nil, fmt.Errorf("read journal: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return sess, entries, nil
}
