package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/motiongate/internal/motion"
	"github.com/ent0n29/motiongate/internal/ratelimit"
	"github.com/ent0n29/motiongate/internal/results"
)

const (
	DefaultRetention = 30 * time.Minute
	DefaultMaxAge    = 2 * time.Hour
)

// Options configure a Store. Zero values fall back to the service defaults.
type Options struct {
	ResultCapacity      int
	SessionRequestLimit int
	OriginRequestLimit  int
	AllowRebind         bool
	Retention           time.Duration
	MaxAge              time.Duration
	Now                 func() time.Time
	Logger              *zap.Logger
}

type record struct {
	id          string
	createdAt   time.Time
	lastActive  time.Time
	fingerprint string
	requests    ratelimit.Window
	results     *results.Cache
}

func (r *record) snapshot() Session {
	return Session{
		ID:                 r.id,
		CreatedAt:          r.createdAt,
		LastActivityAt:     r.lastActive,
		Fingerprint:        r.fingerprint,
		RequestCount:       r.requests.Count,
		RequestWindowStart: r.requests.Start,
		ResultCount:        r.results.Len(),
	}
}

// Store owns every session, its result cache and the per-origin rate windows.
// A single mutex serializes all of them.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*record
	origins  map[string]*ratelimit.Window
	hooks    Hooks

	capacity     int
	sessionLimit int
	originLimit  int
	allowRebind  bool
	retention    time.Duration
	maxAge       time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewStore(opts Options) *Store {
	if opts.ResultCapacity <= 0 {
		opts.ResultCapacity = results.DefaultCapacity
	}
	if opts.SessionRequestLimit <= 0 {
		opts.SessionRequestLimit = 10
	}
	if opts.OriginRequestLimit <= 0 {
		opts.OriginRequestLimit = 60
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		sessions:     make(map[string]*record),
		origins:      make(map[string]*ratelimit.Window),
		capacity:     opts.ResultCapacity,
		sessionLimit: opts.SessionRequestLimit,
		originLimit:  opts.OriginRequestLimit,
		allowRebind:  opts.AllowRebind,
		retention:    opts.Retention,
		maxAge:       opts.MaxAge,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// ValidateID accepts only UUID strings of at most MaxIDLength characters.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return ErrInvalidSessionID
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidSessionID
	}
	return nil
}

// Resolve finds or creates the session for a caller. An unknown but
// well-formed id yields a brand new session with a server generated id.
func (s *Store) Resolve(sessionID, fingerprint string, allowCreate bool) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" && !allowCreate {
		return Session{}, ErrSessionRequired
	}
	if sessionID != "" {
		if err := ValidateID(sessionID); err != nil {
			return Session{}, err
		}
	}

	s.mu.Lock()
	now := s.now()
	if rec, ok := s.sessions[sessionID]; ok && sessionID != "" {
		rebound := false
		switch {
		case rec.fingerprint == "":
			rec.fingerprint = fingerprint
		case rec.fingerprint != fingerprint:
			if !s.allowRebind {
				s.mu.Unlock()
				return Session{}, ErrSessionForbidden
			}
			rec.fingerprint = fingerprint
			rebound = true
		}
		rec.lastActive = now
		snap := rec.snapshot()
		hook := s.hooks.OnRebind
		s.mu.Unlock()

		if rebound {
			s.logger.Info("session rebound to new client", zap.String("session_id", snap.ID))
			if hook != nil {
				hook(snap)
			}
		}
		return snap, nil
	}

	rec := &record{
		id:          uuid.NewString(),
		createdAt:   now,
		lastActive:  now,
		fingerprint: fingerprint,
		results:     results.New(s.capacity),
	}
	s.sessions[rec.id] = rec
	snap := rec.snapshot()
	hook := s.hooks.OnCreate
	s.mu.Unlock()

	s.logger.Info("created session", zap.String("session_id", snap.ID))
	if hook != nil {
		hook(snap)
	}
	return snap, nil
}

// Get returns a snapshot without touching the session.
func (s *Store) Get(sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionExpired
	}
	return rec.snapshot(), nil
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ResultCount is the number of motions held across all sessions.
func (s *Store) ResultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.sessions {
		n += rec.results.Len()
	}
	return n
}

// Capacity is the per-session result limit.
func (s *Store) Capacity() int { return s.capacity }

// AdmitSession applies the per-session request window.
func (s *Store) AdmitSession(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrSessionExpired
	}
	return rec.requests.Admit(s.now(), s.sessionLimit, ratelimit.DefaultWindow), nil
}

// AdmitOrigin applies the per-origin request window.
func (s *Store) AdmitOrigin(_ context.Context, origin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.origins[origin]
	if !ok {
		w = &ratelimit.Window{}
		s.origins[origin] = w
	}
	return w.Admit(s.now(), s.originLimit, ratelimit.DefaultWindow), nil
}

// OriginCount is the number of tracked origin windows.
func (s *Store) OriginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.origins)
}

// PutResult stores rec in the session's cache, evicting its oldest entry when
// the cache is full.
func (s *Store) PutResult(sessionID string, rec motion.Record) (evictedID string, evicted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return "", false, ErrSessionExpired
	}
	evictedID, evicted = r.results.Insert(rec)
	r.lastActive = s.now()
	if evicted {
		s.logger.Info("removed oldest motion",
			zap.String("session_id", sessionID),
			zap.String("motion_id", evictedID))
	}
	return evictedID, evicted, nil
}

func (s *Store) GetResult(sessionID, resultID string) (motion.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return motion.Record{}, ErrSessionExpired
	}
	rec, ok := r.results.Get(resultID)
	if !ok {
		return motion.Record{}, ErrResultNotFound
	}
	return rec, nil
}

func (s *Store) DeleteResult(sessionID, resultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionExpired
	}
	if !r.results.Delete(resultID) {
		return ErrResultNotFound
	}
	return nil
}

func (s *Store) ClearResults(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return 0, ErrSessionExpired
	}
	return r.results.Clear(), nil
}

// ListResults returns the session's motions, newest first.
func (s *Store) ListResults(sessionID string) ([]motion.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionExpired
	}
	return r.results.List(), nil
}

// Sweep removes sessions idle for longer than the retention window or older
// than the max age, together with their results, and drops origin windows
// that have already run out. It returns the removed sessions.
func (s *Store) Sweep(now time.Time) []Session {
	expired, hook := s.removeStale(now)
	for _, snap := range expired {
		s.logger.Info("cleaned up expired session", zap.String("session_id", snap.ID))
		if hook != nil {
			hook(snap)
		}
	}
	return expired
}

func (s *Store) removeStale(now time.Time) ([]Session, func(Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Session
	for id, rec := range s.sessions {
		idle := now.Sub(rec.lastActive)
		age := now.Sub(rec.createdAt)
		if idle <= s.retention && age <= s.maxAge {
			continue
		}
		expired = append(expired, rec.snapshot())
		delete(s.sessions, id)
	}
	for origin, w := range s.origins {
		if w.Elapsed(now, ratelimit.DefaultWindow) {
			delete(s.origins, origin)
		}
	}
	return expired, s.hooks.OnExpire
}
