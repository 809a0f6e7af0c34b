package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/motiongate/internal/observability"
)

type options struct {
	baseURL        string
	origin         string
	requests       int
	concurrency    int
	motionLength   float64
	inferenceSteps int
	requestTimeout time.Duration
	texts          []string
	verbose        bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type generateRequest struct {
	Text              string  `json:"text"`
	MotionLength      float64 `json:"motion_length"`
	NumInferenceSteps int     `json:"num_inference_steps"`
}

type generateResponse struct {
	Success  bool   `json:"success"`
	MotionID string `json:"motion_id"`
	Error    string `json:"error"`
	Code     string `json:"code"`
}

type summary struct {
	ok       int64
	failed   int64
	codes    map[string]int64
	snapshot observability.LatencySnapshot
}

var defaultPrompts = []string{
	"a person walks forward slowly",
	"a person jumps in place twice",
	"a person waves with the right hand",
	"a person turns around and sits down",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfmotion: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	sum, err := run(ctx, cfg, &http.Client{Timeout: cfg.requestTimeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfmotion: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, sum)
	if sum.failed > 0 {
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var timeoutMS int

	fs := flag.NewFlagSet("perfmotion", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	fs.StringVar(&cfg.origin, "origin", "", "Origin header sent with API calls (required when strict origin checks are on)")
	fs.IntVar(&cfg.requests, "requests", 20, "total generate requests")
	fs.IntVar(&cfg.concurrency, "concurrency", 1, "requests in flight at once")
	fs.Float64Var(&cfg.motionLength, "motion-length", 4.0, "motion_length sent with each request")
	fs.IntVar(&cfg.inferenceSteps, "steps", 10, "num_inference_steps sent with each request")
	fs.IntVar(&timeoutMS, "timeout-ms", 120000, "per-request HTTP timeout in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every request")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.requests <= 0 {
		return options{}, fmt.Errorf("requests must be > 0")
	}
	if cfg.concurrency <= 0 {
		return options{}, fmt.Errorf("concurrency must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.requestTimeout = time.Duration(timeoutMS) * time.Millisecond

	cfg.texts = splitPrompts(textsRaw)
	if strings.TrimSpace(textsRaw) != "" && len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty prompts")
	}
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultPrompts...)
	}
	return cfg, nil
}

func splitPrompts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// run opens one session and drives cfg.requests generations through it.
// Rate-limit responses count as failures so the summary shows them.
func run(ctx context.Context, cfg options, client *http.Client) (summary, error) {
	sessionID, err := createSession(ctx, client, cfg)
	if err != nil {
		return summary{}, fmt.Errorf("create session: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("perfmotion: session=%s requests=%d concurrency=%d\n", sessionID, cfg.requests, cfg.concurrency)
	}

	window := observability.NewLatencyWindow(cfg.requests)
	var ok, failed atomic.Int64
	codes := make(chan string, cfg.requests)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.requests; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		n := i + 1
		g.Go(func() error {
			start := time.Now()
			res, err := generate(gctx, client, cfg, sessionID, text)
			elapsed := time.Since(start)
			if err != nil {
				return fmt.Errorf("request %d: %w", n, err)
			}
			if res.Success {
				ok.Add(1)
				window.Observe(observability.StageTotal, elapsed)
			} else {
				failed.Add(1)
				codes <- res.Code
			}
			if cfg.verbose {
				fmt.Printf("perfmotion: %d/%d ok=%t code=%s took=%s\n", n, cfg.requests, res.Success, res.Code, elapsed.Round(time.Millisecond))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary{}, err
	}
	close(codes)

	out := summary{ok: ok.Load(), failed: failed.Load(), codes: map[string]int64{}, snapshot: window.Snapshot()}
	for code := range codes {
		out.codes[code]++
	}
	return out, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/session", nil)
	if err != nil {
		return "", err
	}
	if cfg.origin != "" {
		req.Header.Set("Origin", cfg.origin)
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func generate(ctx context.Context, client *http.Client, cfg options, sessionID, text string) (generateResponse, error) {
	payload, err := json.Marshal(generateRequest{
		Text:              text,
		MotionLength:      cfg.motionLength,
		NumInferenceSteps: cfg.inferenceSteps,
	})
	if err != nil {
		return generateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return generateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", sessionID)
	if cfg.origin != "" {
		req.Header.Set("Origin", cfg.origin)
	}
	res, err := client.Do(req)
	if err != nil {
		return generateResponse{}, err
	}
	defer res.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<20)).Decode(&out); err != nil {
		return generateResponse{}, fmt.Errorf("decode HTTP %d response: %w", res.StatusCode, err)
	}
	if !out.Success && out.Code == "" {
		out.Code = fmt.Sprintf("HTTP_%d", res.StatusCode)
	}
	return out, nil
}

func printSummary(w io.Writer, sum summary) {
	fmt.Fprintf(w, "perfmotion: ok=%d failed=%d\n", sum.ok, sum.failed)
	for code, n := range sum.codes {
		fmt.Fprintf(w, "perfmotion:   %s x%d\n", code, n)
	}
	for _, st := range sum.snapshot.Stages {
		fmt.Fprintf(w, "perfmotion: %s samples=%d avg=%.1fms p50=%.1fms p95=%.1fms p99=%.1fms\n",
			st.Stage, st.Samples, st.AvgMS, st.P50MS, st.P95MS, st.P99MS)
	}
}
