package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ent0n29/motiongate/internal/config"
)

func buildConfig(namespace string) config.Config {
	return config.Config{
		RemoteWSHost:              "127.0.0.1",
		RemoteWSPort:              8000,
		RemoteWSPath:              "/ws",
		MaxStoredMotionsPerUser:   5,
		MaxRequestsPerMinute:      10,
		MaxRequestsPerMinutePerIP: 30,
		DataRetentionMinutes:      30,
		CleanupIntervalMinutes:    5,
		MetricsNamespace:          namespace,
	}
}

func TestBuildInMemoryDefaults(t *testing.T) {
	res, err := Build(context.Background(), buildConfig("test_app_memory"), nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if res.OriginLimiter != "memory" {
		t.Fatalf("OriginLimiter = %q, want memory", res.OriginLimiter)
	}
	if res.Backend.URL() != "ws://127.0.0.1:8000/ws" {
		t.Fatalf("Backend.URL() = %q", res.Backend.URL())
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
}

func TestBuildFallsBackWhenRedisUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := buildConfig("test_app_redis_down")
	cfg.RedisAddr = addr
	res, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() { _ = res.Cleanup() }()
	if res.OriginLimiter != "memory" {
		t.Fatalf("OriginLimiter = %q, want memory fallback", res.OriginLimiter)
	}
}
