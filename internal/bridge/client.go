package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultMaxMessageSize  = 50 << 20
	DefaultOpenTimeout     = 10 * time.Second
	DefaultResponseTimeout = 60 * time.Second

	requestWriteTimeout = 5 * time.Second
)

// Request is the generation message sent to the motion backend.
type Request struct {
	Text              string  `json:"text"`
	MotionLength      float64 `json:"motion_length"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	Seed              int64   `json:"seed"`
	Smooth            *bool   `json:"smooth,omitempty"`
	SmoothWindow      int     `json:"smooth_window"`
	AdaptiveSmooth    bool    `json:"adaptive_smooth"`
	StaticStart       bool    `json:"static_start"`
	StaticFrames      int     `json:"static_frames"`
	BlendFrames       int     `json:"blend_frames"`
}

// Config controls Client construction.
type Config struct {
	URL             string
	MaxMessageSize  int64
	OpenTimeout     time.Duration
	ResponseTimeout time.Duration
	// Serialize routes every call through one FIFO gate so at most one
	// exchange with the backend is in flight.
	Serialize bool
	// OnGateWait, if set, receives how long a call queued for the gate.
	OnGateWait func(time.Duration)
	Logger     *zap.Logger
}

// Client talks to the motion backend over one fresh websocket per call.
type Client struct {
	url        string
	maxSize    int64
	timeout    time.Duration
	dialer     websocket.Dialer
	gate       *Gate
	onGateWait func(time.Duration)
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	wsURL, err := normalizeBackendURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Client{
		url:     wsURL,
		maxSize: cfg.MaxMessageSize,
		timeout: cfg.ResponseTimeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.OpenTimeout,
		},
		onGateWait: cfg.OnGateWait,
		logger:     cfg.Logger,
	}
	if cfg.Serialize {
		c.gate = NewGate()
	}
	return c, nil
}

func normalizeBackendURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "ws://127.0.0.1:8000/ws"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// URL is the backend endpoint this client dials.
func (c *Client) URL() string { return c.url }

// Serialized reports whether calls share the single-admission gate.
func (c *Client) Serialized() bool { return c.gate != nil }

// Generate performs one request/response exchange and returns the backend's
// binary payload untouched. Failures are ErrTimeout, ErrUnavailable,
// ErrTransport (or ErrInvalidResponse), *RejectedError, or the caller's
// context error.
func (c *Client) Generate(ctx context.Context, req Request) ([]byte, error) {
	if c.gate != nil {
		queued := time.Now()
		if err := c.gate.Acquire(ctx); err != nil {
			return nil, err
		}
		defer c.gate.Release()
		if c.onGateWait != nil {
			c.onGateWait(time.Since(queued))
		}
	}
	return c.exchange(ctx, req)
}

func (c *Client) exchange(ctx context.Context, req Request) ([]byte, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		op := "connect"
		if resp != nil {
			op = fmt.Sprintf("connect (%s)", resp.Status)
		}
		return nil, classifyNetError(ctx, op, err)
	}
	defer conn.Close()
	conn.SetReadLimit(c.maxSize)

	// Abandon the exchange as soon as the caller goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode backend request: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(requestWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, classifyNetError(ctx, "send", err)
	}
	c.logger.Info("sent request to remote server", zap.String("text", preview(req.Text, 50)))

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, classifyNetError(ctx, "receive", err)
	}
	if msgType == websocket.TextMessage {
		return nil, parseRejection(data)
	}
	return data, nil
}

func classifyNetError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w (%s)", ErrTimeout, op)
		}
		return ctxErr
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w (%s)", ErrTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
