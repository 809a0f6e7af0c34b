package gateway

import (
	"context"
	"errors"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/motiongate/internal/bridge"
	"github.com/ent0n29/motiongate/internal/journal"
	"github.com/ent0n29/motiongate/internal/motion"
	"github.com/ent0n29/motiongate/internal/ratelimit"
	"github.com/ent0n29/motiongate/internal/reliability"
	"github.com/ent0n29/motiongate/internal/session"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []bridge.Request
	err   error
	reply []byte
}

func (b *fakeBackend) Generate(_ context.Context, req bridge.Request) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	if b.err != nil {
		return nil, b.err
	}
	return b.reply, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type denyAllOrigins struct{}

func (denyAllOrigins) AdmitOrigin(context.Context, string) (bool, error) { return false, nil }

type brokenOrigins struct{}

func (brokenOrigins) AdmitOrigin(context.Context, string) (bool, error) {
	return true, errors.New("redis down")
}

func clipPayload(t *testing.T, frames int) []byte {
	t.Helper()
	clip := motion.Clip{FPS: 30}
	for i := 0; i < frames; i++ {
		clip.JointPos = append(clip.JointPos, make([]float32, 29))
		clip.RootPos = append(clip.RootPos, []float32{0, 0, float32(i)})
		clip.RootRot = append(clip.RootRot, []float32{1, 0, 0, 0})
	}
	payload, err := motion.EncodeNPZ(clip)
	if err != nil {
		t.Fatalf("EncodeNPZ() error = %v", err)
	}
	return payload
}

func newTestService(t *testing.T, backend Backend, capacity int) (*Service, *session.Store, *journal.InMemoryStore) {
	t.Helper()
	store := session.NewStore(session.Options{
		ResultCapacity:      capacity,
		SessionRequestLimit: 100,
		OriginRequestLimit:  100,
		AllowRebind:         true,
	})
	j := journal.NewInMemoryStore(10)
	svc, err := NewService(Config{Store: store, Backend: backend, Journal: j})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, store, j
}

var caller = Caller{Origin: "192.0.2.1", Fingerprint: "fp-1"}

func TestGenerateRequiresSessionThenSucceeds(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 10)}
	svc, store, j := newTestService(t, backend, 10)

	_, _, err := svc.Generate(context.Background(), caller, GenerateRequest{Text: "wave hello"})
	if !errors.Is(err, session.ErrSessionRequired) {
		t.Fatalf("Generate() without session error = %v, want ErrSessionRequired", err)
	}
	if backend.callCount() != 0 {
		t.Fatalf("backend called %d times before session existed", backend.callCount())
	}

	sess, err := svc.CreateSession(caller)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	c := caller
	c.SessionID = sess.ID

	got, rec, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "wave hello"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("Generate() session = %s, want %s", got.ID, sess.ID)
	}
	if !regexp.MustCompile(`^gen_\d{8}_\d{6}_[0-9a-f]{8}$`).MatchString(rec.ID) {
		t.Fatalf("motion id %q has wrong format", rec.ID)
	}
	if rec.FrameCount != 10 || rec.FPS != 30 || rec.Name != "[AI] wave hello" || rec.TextPrompt != "wave hello" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Parameters.MotionLength != DefaultMotionLength || rec.Parameters.TransitionSteps != DefaultTransitionSteps {
		t.Fatalf("parameters = %+v", rec.Parameters)
	}

	stored, err := store.GetResult(sess.ID, rec.ID)
	if err != nil || stored.ID != rec.ID {
		t.Fatalf("GetResult() = %+v, %v", stored, err)
	}
	entries, _ := j.Recent(context.Background(), sess.ID, 5)
	if len(entries) != 1 || entries[0].Outcome != journal.OutcomeOK || entries[0].MotionID != rec.ID {
		t.Fatalf("journal = %+v", entries)
	}
}

func TestGenerateForwardsDefaultsToBackend(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	svc, _, _ := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	seed := int64(42)
	if _, _, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "jump", Seed: &seed}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	req := backend.calls[0]
	if req.Seed != 42 || req.MotionLength != 4.0 || req.NumInferenceSteps != 10 || req.SmoothWindow != 5 ||
		!req.AdaptiveSmooth || !req.StaticStart || req.StaticFrames != 2 || req.BlendFrames != 8 || req.Smooth != nil {
		t.Fatalf("backend request = %+v", req)
	}
}

func TestGenerateRefusedBackendLeavesCacheUntouched(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client, err := bridge.NewClient(bridge.Config{URL: "ws://" + addr + "/ws", OpenTimeout: time.Second, Serialize: true})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	svc, store, j := newTestService(t, client, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	_, _, err = svc.Generate(context.Background(), c, GenerateRequest{Text: "walk"})
	if f := reliability.Classify(err); f.Kind != reliability.KindBackendUnavailable {
		t.Fatalf("Generate() error = %v classified %s, want backend_unavailable", err, f.Kind)
	}
	if n := store.ResultCount(); n != 0 {
		t.Fatalf("ResultCount() = %d after failure, want 0", n)
	}
	entries, _ := j.Recent(context.Background(), sess.ID, 5)
	if len(entries) != 1 || entries[0].Outcome != string(reliability.KindBackendUnavailable) || entries[0].Code != "SERVER_UNAVAILABLE" {
		t.Fatalf("journal = %+v", entries)
	}
}

func TestGenerateMalformedPayload(t *testing.T) {
	backend := &fakeBackend{reply: []byte("not a zip")}
	svc, store, _ := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	_, _, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "walk"})
	if !errors.Is(err, motion.ErrMalformedPayload) {
		t.Fatalf("Generate() error = %v, want ErrMalformedPayload", err)
	}
	if store.ResultCount() != 0 {
		t.Fatalf("malformed payload was cached")
	}
}

func TestGenerateValidationRunsBeforeBackend(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	svc, _, _ := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	steps := 0
	_, _, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "walk", NumInferenceSteps: &steps})
	var val *reliability.ValidationError
	if !errors.As(err, &val) || val.Field != "num_inference_steps" {
		t.Fatalf("Generate() error = %v, want validation on num_inference_steps", err)
	}
	if backend.callCount() != 0 {
		t.Fatalf("backend called for invalid request")
	}
}

func TestGenerateSessionRateLimit(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	store := session.NewStore(session.Options{SessionRequestLimit: 2, OriginRequestLimit: 100})
	svc, err := NewService(Config{Store: store, Backend: backend})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	for i := 0; i < 2; i++ {
		if _, _, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "walk"}); err != nil {
			t.Fatalf("Generate() #%d error = %v", i, err)
		}
	}
	_, _, err = svc.Generate(context.Background(), c, GenerateRequest{Text: "walk"})
	if !errors.Is(err, ratelimit.ErrSessionLimited) {
		t.Fatalf("third Generate() error = %v, want ErrSessionLimited", err)
	}
	if backend.callCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.callCount())
	}
}

func TestGenerateOriginLimiter(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	store := session.NewStore(session.Options{})
	svc, _ := NewService(Config{Store: store, Backend: backend, Origins: denyAllOrigins{}})
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	_, _, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "walk"})
	if !errors.Is(err, ratelimit.ErrOriginLimited) {
		t.Fatalf("Generate() error = %v, want ErrOriginLimited", err)
	}

	svc2, _ := NewService(Config{Store: store, Backend: backend, Origins: brokenOrigins{}})
	if _, _, err := svc2.Generate(context.Background(), c, GenerateRequest{Text: "walk"}); err != nil {
		t.Fatalf("Generate() with failing-open limiter error = %v", err)
	}
}

func TestGenerateEvictsOldestWhenFull(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	svc, store, _ := newTestService(t, backend, 2)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	var ids []string
	for i := 0; i < 3; i++ {
		_, rec, err := svc.Generate(context.Background(), c, GenerateRequest{Text: "walk"})
		if err != nil {
			t.Fatalf("Generate() #%d error = %v", i, err)
		}
		ids = append(ids, rec.ID)
	}
	if _, err := store.GetResult(sess.ID, ids[0]); !errors.Is(err, session.ErrResultNotFound) {
		t.Fatalf("oldest motion still present: %v", err)
	}
	_, list, err := svc.ListMotions(c)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListMotions() = %v, %v", list, err)
	}
}

func TestMotionCRUD(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 3)}
	svc, _, _ := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	_, a, _ := svc.Generate(context.Background(), c, GenerateRequest{Text: "first"})
	_, _, _ = svc.Generate(context.Background(), c, GenerateRequest{Text: "second"})

	if _, rec, err := svc.GetMotion(c, a.ID); err != nil || rec.TextPrompt != "first" {
		t.Fatalf("GetMotion() = %+v, %v", rec, err)
	}
	if _, err := svc.DeleteMotion(c, a.ID); err != nil {
		t.Fatalf("DeleteMotion() error = %v", err)
	}
	if _, err := svc.DeleteMotion(c, a.ID); !errors.Is(err, session.ErrResultNotFound) {
		t.Fatalf("second DeleteMotion() error = %v, want ErrResultNotFound", err)
	}
	_, n, err := svc.ClearMotions(c)
	if err != nil || n != 1 {
		t.Fatalf("ClearMotions() = %d, %v; want 1", n, err)
	}
	_, list, _ := svc.ListMotions(c)
	if len(list) != 0 {
		t.Fatalf("ListMotions() after clear = %v", list)
	}
}

func TestHistory(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	svc, _, _ := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	_, _, _ = svc.Generate(context.Background(), c, GenerateRequest{Text: "one"})
	backend.err = bridge.ErrTimeout
	_, _, _ = svc.Generate(context.Background(), c, GenerateRequest{Text: "two"})

	_, entries, err := svc.History(context.Background(), c, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Outcome != string(reliability.KindTimeout) || entries[1].Outcome != journal.OutcomeOK {
		t.Fatalf("History() = %+v", entries)
	}
}

func TestJournalRedactsPromptButBackendSeesRawText(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	svc, _, _ := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID

	text := "a person waves at sam@example.com"
	if _, _, err := svc.Generate(context.Background(), c, GenerateRequest{Text: text}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if backend.calls[0].Text != text {
		t.Fatalf("backend text = %q, want unredacted", backend.calls[0].Text)
	}
	_, entries, err := svc.History(context.Background(), c, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("History() = %+v, %v", entries, err)
	}
	if entries[0].Prompt != "a person waves at [REDACTED_EMAIL]" {
		t.Fatalf("journal prompt = %q", entries[0].Prompt)
	}
}

func TestSweepForgetsJournalAndUpdatesMetrics(t *testing.T) {
	backend := &fakeBackend{reply: clipPayload(t, 2)}
	svc, store, j := newTestService(t, backend, 10)
	sess, _ := svc.CreateSession(caller)
	c := caller
	c.SessionID = sess.ID
	_, _, _ = svc.Generate(context.Background(), c, GenerateRequest{Text: "one"})

	removed := store.Sweep(time.Now().Add(3 * time.Hour))
	if len(removed) != 1 {
		t.Fatalf("Sweep() removed %d sessions, want 1", len(removed))
	}
	if svc.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0", svc.ActiveSessions())
	}
	entries, _ := j.Recent(context.Background(), sess.ID, 5)
	if len(entries) != 0 {
		t.Fatalf("journal kept %d entries for expired session", len(entries))
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(Config{Backend: &fakeBackend{}}); err == nil {
		t.Fatal("NewService() without store error = nil")
	}
	if _, err := NewService(Config{Store: session.NewStore(session.Options{})}); err == nil {
		t.Fatal("NewService() without backend error = nil")
	}
}
