package motion

import "time"

// Parameters are the generation settings echoed back with a stored motion.
type Parameters struct {
	MotionLength      float64 `json:"motion_length"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	AdaptiveSmooth    bool    `json:"adaptive_smooth"`
	StaticStart       bool    `json:"static_start"`
	TransitionSteps   int     `json:"transition_steps"`
}

// Record is one generated motion clip. JointPos, RootPos and RootQuat all hold
// FrameCount rows; RootQuat rows are w, x, y, z.
type Record struct {
	ID         string      `json:"motion_id"`
	Name       string      `json:"name"`
	FPS        float64     `json:"fps"`
	JointPos   [][]float32 `json:"joint_pos"`
	RootPos    [][]float32 `json:"root_pos"`
	RootQuat   [][]float32 `json:"root_quat"`
	FrameCount int         `json:"frame_count"`
	Duration   float64     `json:"duration"`
	CreatedAt  time.Time   `json:"created_at"`
	TextPrompt string      `json:"text_prompt"`
	Parameters Parameters  `json:"parameters"`
}

// Summary is the list view of a Record.
type Summary struct {
	ID         string    `json:"motion_id"`
	Name       string    `json:"name"`
	FrameCount int       `json:"frame_count"`
	Duration   float64   `json:"duration"`
	CreatedAt  time.Time `json:"created_at"`
	TextPrompt string    `json:"text_prompt"`
}

const summaryPromptChars = 100

func (r Record) Summary() Summary {
	return Summary{
		ID:         r.ID,
		Name:       r.Name,
		FrameCount: r.FrameCount,
		Duration:   r.Duration,
		CreatedAt:  r.CreatedAt,
		TextPrompt: truncateRunes(r.TextPrompt, summaryPromptChars),
	}
}

const displayNameChars = 30

// DisplayName builds the "[AI] ..." label shown for generated clips.
func DisplayName(prompt string) string {
	return "[AI] " + truncateRunes(prompt, displayNameChars)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
