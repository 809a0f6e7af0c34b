package gateway

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/motiongate/internal/bridge"
	"github.com/ent0n29/motiongate/internal/motion"
	"github.com/ent0n29/motiongate/internal/reliability"
)

const (
	MaxTextChars           = 500
	MinMotionLength        = 0.1
	MaxMotionLength        = 9.0
	DefaultMotionLength    = 4.0
	MinInferenceSteps      = 1
	MaxInferenceSteps      = 1000
	DefaultInferenceSteps  = 10
	MinSmoothWindow        = 3
	DefaultSmoothWindow    = 5
	DefaultStaticFrames    = 2
	DefaultBlendFrames     = 8
	MaxTransitionSteps     = 300
	DefaultTransitionSteps = 100
)

// GenerateRequest is the client body of a generation call. Pointer fields are
// optional and take their defaults in Normalize.
type GenerateRequest struct {
	Text              string   `json:"text"`
	MotionLength      *float64 `json:"motion_length,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Smooth            *bool    `json:"smooth,omitempty"`
	SmoothWindow      *int     `json:"smooth_window,omitempty"`
	AdaptiveSmooth    *bool    `json:"adaptive_smooth,omitempty"`
	StaticStart       *bool    `json:"static_start,omitempty"`
	StaticFrames      *int     `json:"static_frames,omitempty"`
	BlendFrames       *int     `json:"blend_frames,omitempty"`
	TransitionSteps   *int     `json:"transition_steps,omitempty"`
}

// Generation is a validated GenerateRequest with every default applied.
type Generation struct {
	Text              string
	MotionLength      float64
	NumInferenceSteps int
	Seed              int64
	Smooth            *bool
	SmoothWindow      int
	AdaptiveSmooth    bool
	StaticStart       bool
	StaticFrames      int
	BlendFrames       int
	TransitionSteps   int
}

// Normalize validates r and fills defaults. A missing seed is derived from
// the wall clock at now.
func (r GenerateRequest) Normalize(now time.Time) (Generation, error) {
	g := Generation{
		Text:              r.Text,
		MotionLength:      DefaultMotionLength,
		NumInferenceSteps: DefaultInferenceSteps,
		Seed:              now.Unix() % 10000,
		Smooth:            r.Smooth,
		SmoothWindow:      DefaultSmoothWindow,
		AdaptiveSmooth:    true,
		StaticStart:       true,
		StaticFrames:      DefaultStaticFrames,
		BlendFrames:       DefaultBlendFrames,
		TransitionSteps:   DefaultTransitionSteps,
	}

	n := utf8.RuneCountInString(r.Text)
	if n == 0 || strings.TrimSpace(r.Text) == "" {
		return Generation{}, reliability.Invalid("text", "must not be empty")
	}
	if n > MaxTextChars {
		return Generation{}, reliability.Invalid("text", fmt.Sprintf("must be at most %d characters", MaxTextChars))
	}
	if r.MotionLength != nil {
		if *r.MotionLength < MinMotionLength || *r.MotionLength > MaxMotionLength {
			return Generation{}, reliability.Invalid("motion_length", fmt.Sprintf("must be between %v and %v", MinMotionLength, MaxMotionLength))
		}
		g.MotionLength = *r.MotionLength
	}
	if r.NumInferenceSteps != nil {
		if *r.NumInferenceSteps < MinInferenceSteps || *r.NumInferenceSteps > MaxInferenceSteps {
			return Generation{}, reliability.Invalid("num_inference_steps", fmt.Sprintf("must be between %d and %d", MinInferenceSteps, MaxInferenceSteps))
		}
		g.NumInferenceSteps = *r.NumInferenceSteps
	}
	if r.Seed != nil {
		g.Seed = *r.Seed
	}
	if r.SmoothWindow != nil {
		if *r.SmoothWindow < MinSmoothWindow {
			return Generation{}, reliability.Invalid("smooth_window", fmt.Sprintf("must be at least %d", MinSmoothWindow))
		}
		g.SmoothWindow = *r.SmoothWindow
	}
	if r.AdaptiveSmooth != nil {
		g.AdaptiveSmooth = *r.AdaptiveSmooth
	}
	if r.StaticStart != nil {
		g.StaticStart = *r.StaticStart
	}
	if r.StaticFrames != nil {
		if *r.StaticFrames < 0 {
			return Generation{}, reliability.Invalid("static_frames", "must be >= 0")
		}
		g.StaticFrames = *r.StaticFrames
	}
	if r.BlendFrames != nil {
		if *r.BlendFrames < 0 {
			return Generation{}, reliability.Invalid("blend_frames", "must be >= 0")
		}
		g.BlendFrames = *r.BlendFrames
	}
	if r.TransitionSteps != nil {
		if *r.TransitionSteps < 0 || *r.TransitionSteps > MaxTransitionSteps {
			return Generation{}, reliability.Invalid("transition_steps", fmt.Sprintf("must be between 0 and %d", MaxTransitionSteps))
		}
		g.TransitionSteps = *r.TransitionSteps
	}
	return g, nil
}

// BackendRequest is the wire message for the motion backend. transition_steps
// is kept locally and never forwarded.
func (g Generation) BackendRequest() bridge.Request {
	return bridge.Request{
		Text:              g.Text,
		MotionLength:      g.MotionLength,
		NumInferenceSteps: g.NumInferenceSteps,
		Seed:              g.Seed,
		Smooth:            g.Smooth,
		SmoothWindow:      g.SmoothWindow,
		AdaptiveSmooth:    g.AdaptiveSmooth,
		StaticStart:       g.StaticStart,
		StaticFrames:      g.StaticFrames,
		BlendFrames:       g.BlendFrames,
	}
}

func (g Generation) Parameters() motion.Parameters {
	return motion.Parameters{
		MotionLength:      g.MotionLength,
		NumInferenceSteps: g.NumInferenceSteps,
		AdaptiveSmooth:    g.AdaptiveSmooth,
		StaticStart:       g.StaticStart,
		TransitionSteps:   g.TransitionSteps,
	}
}
