package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://127.0.0.1:8080" || cfg.requests != 20 || cfg.concurrency != 1 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.texts) != len(defaultPrompts) {
		t.Fatalf("len(texts) = %d, want %d", len(cfg.texts), len(defaultPrompts))
	}
	if cfg.requestTimeout != 120*time.Second {
		t.Fatalf("requestTimeout = %s", cfg.requestTimeout)
	}
}

func TestParseFlagsRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"-requests", "0"},
		{"-concurrency", "-1"},
		{"-base-url", " "},
		{"-texts", " | |"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("parseFlags(%v) error = nil", args)
		}
	}
}

func TestSplitPrompts(t *testing.T) {
	got := splitPrompts(" walk | | run ")
	if len(got) != 2 || got[0] != "walk" || got[1] != "run" {
		t.Fatalf("splitPrompts() = %q", got)
	}
}

func TestRunCountsSuccessesAndFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "http://perf.local" {
			http.Error(w, "origin", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": "9d2c5f4e-0f5a-4d6b-9a57-8f2b3c1d0e7a"})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-ID") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Missing X-Session-ID", "code": "SESSION_REQUIRED"})
			return
		}
		if calls.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Rate limit exceeded", "code": "RATE_LIMIT"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "motion_id": "motion_1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg, err := parseFlags([]string{"-base-url", srv.URL, "-origin", "http://perf.local", "-requests", "4", "-concurrency", "2"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	sum, err := run(context.Background(), cfg, srv.Client())
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if sum.ok != 2 || sum.failed != 2 || sum.codes["RATE_LIMIT"] != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.snapshot.Stages) != 1 || sum.snapshot.Stages[0].Samples != 2 {
		t.Fatalf("snapshot = %+v", sum.snapshot)
	}
}

func TestRunFailsWithoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg, err := parseFlags([]string{"-base-url", srv.URL, "-requests", "1"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if _, err := run(context.Background(), cfg, srv.Client()); err == nil {
		t.Fatal("run() error = nil, want session failure")
	}
}
