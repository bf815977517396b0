package types

import "time"

// PromptRequest is the per-request input to a session's complete call: a
// user prompt plus whatever routing metadata the transport layer attached.
// RequestID exists purely for log correlation (cmd/polyd stamps it with
// github.com/google/uuid); the engine itself never branches on it.
type PromptRequest struct {
	RequestID string
	Prompt    string
}

// InferenceResponse is the event vocabulary delivered to a complete
// callback. Only InferredToken fragments not suppressed by the
// private-token filter reach the caller's callback (spec.md §6).
type InferenceResponse interface{ isInferenceResponse() }

type SnapshotToken struct{ Token string }
type PromptToken struct{ Token string }
type InferredToken struct{ Text string }
type EotToken struct{}

func (SnapshotToken) isInferenceResponse() {}
func (PromptToken) isInferenceResponse()   {}
func (InferredToken) isInferenceResponse() {}
func (EotToken) isInferenceResponse()      {}

// InferenceFeedback is the callback's reply: Continue to keep generating,
// Halt to stop. A callback observing a closed transport channel must return
// Halt; the generation loop then exits at its next iteration boundary
// (spec.md §5, "Cancellation").
type InferenceFeedback int

const (
	Continue InferenceFeedback = iota
	Halt
)

// Callback is the shape complete() accepts. Any error it returns aborts the
// generation loop and propagates out of Session.Complete unchanged, without
// further wrapping.
type Callback func(InferenceResponse) (InferenceFeedback, error)

// InferenceStats accumulates wall-clock durations and token counts across
// the phases of one complete() call: prelude feed, optional warm-up,
// bias-prompt feed, and the generation loop's forced/sampled token feeds.
// Add is the monotonic merge operation invariant 3.5 of spec.md §3 requires.
type InferenceStats struct {
	PromptTokens       int
	PredictTokens      int
	FeedPromptDuration time.Duration
	PredictDuration    time.Duration
	// Truncated is set when the generation loop exited early due to a
	// swallowed ModelInferenceError (spec.md §9, "Swallowed inference
	// errors"). It is a clarification, not part of the original taxonomy.
	Truncated bool
}

func (s *InferenceStats) Add(o InferenceStats) {
	s.PromptTokens += o.PromptTokens
	s.PredictTokens += o.PredictTokens
	s.FeedPromptDuration += o.FeedPromptDuration
	s.PredictDuration += o.PredictDuration
	s.Truncated = s.Truncated || o.Truncated
}
