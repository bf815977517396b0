package llama

import (
	"context"
	"math/rand"
)

// BiasPair is one (token id, additive bias) entry a Biaser produces for the
// next sampling step. Lives in this package, not internal/biaser, so that
// internal/biaser can depend on internal/llama without a cycle.
type BiasPair struct {
	ID     TokenID
	Weight float32
}

// Sampler is the contract C3 implements: given the logits for the position
// about to be decided plus the biaser's additive bias pairs, draw one
// token. The model calls this from inside InferNextToken so that sampling
// and KV-cache advancement happen atomically from the caller's point of
// view -- exactly as the teacher's stream.Next() evaluates then samples
// then evaluates the chosen token, just with the sampling math now
// delegated rather than inlined in C.
type Sampler interface {
	Sample(logits []float32, bias []BiasPair, recent []TokenID, rng *rand.Rand) (TokenID, error)
}

// Parameters configures one InferNextToken call. Bias and RNG are set fresh
// by the session on every generation-loop iteration (the biaser's output
// changes every step); Sampler and RepetitionPenaltyLastN are fixed for the
// session's lifetime.
type Parameters struct {
	Sampler                Sampler
	Bias                   []BiasPair
	RNG                    *rand.Rand
	RepetitionPenaltyLastN int
	Threads                int
}

// Model is the loaded-model contract the session engine consumes (spec.md
// §6). It is safe for concurrent use across sessions: every method that
// touches mutable state takes an explicit *State, and the model itself
// holds nothing but read-only weights once Load returns.
type Model interface {
	// BOSTokenID reports the model's beginning-of-text token, if it defines
	// one. Some vocabularies (e.g. raw BPE without a chat template) don't.
	BOSTokenID() (TokenID, bool)

	// EOTTokenID reports the model's end-of-text token. Every model has one.
	EOTTokenID() TokenID

	Tokenizer() Tokenizer

	// Dimension is the model's embedding width, used by the memory bridge
	// to fail fast on a store/model mismatch.
	Dimension() int

	// NewState allocates a fresh KV-cache of up to nCtx positions, owned
	// exclusively by whichever session holds it.
	NewState(nCtx int) (*State, error)

	// Embedding extracts a pooled embedding vector for tokens without
	// mutating any session's state (it uses a private, short-lived
	// context of its own).
	Embedding(ctx context.Context, tokens []TokenID) ([]float32, error)

	Close()
}

// State is a session's exclusive KV-cache handle. Not safe for concurrent
// use by two goroutines simultaneously (spec.md §3, Session attribute iii).
type State struct {
	impl stateImpl
}

// NewState wraps impl as a State. Exported so tests outside this package
// can drive the session engine against a fake implementation without
// pulling in the C toolchain; production callers get their State from
// Model.NewState instead.
func NewState(impl stateImpl) *State {
	return &State{impl: impl}
}

// stateImpl is satisfied by the cgo-backed implementation; it is an
// interface purely so non-cgo builds (and tests) can supply a fake without
// pulling in the C toolchain.
type stateImpl interface {
	Length() int
	FeedPrompt(tokens []TokenID, cb func(TokenID) error) error
	InferNextToken(params *Parameters) (TokenID, error)
	Logits() []float32
	Reset(tokens []TokenID) error
	Close()
}

func (s *State) Length() int { return s.impl.Length() }

// FeedPrompt advances the KV-cache over tokens without sampling, invoking
// cb once per fed token purely for progress/feedback purposes. It never
// emits InferredToken events -- those only come from InferNextToken.
func (s *State) FeedPrompt(tokens []TokenID, cb func(TokenID) error) error {
	return s.impl.FeedPrompt(tokens, cb)
}

// InferNextToken samples one token via params.Sampler against the current
// position's logits, then feeds the chosen token back into the cache so
// the next call sees it as history. Returns ModelInferenceError-class
// failures (context full, sampler failure) that the generation loop is
// expected to swallow and exit cleanly on.
func (s *State) InferNextToken(params *Parameters) (TokenID, error) {
	return s.impl.InferNextToken(params)
}

func (s *State) Logits() []float32 { return s.impl.Logits() }

// Reset collapses the KV-cache to whatever overlap exists between tokens and
// the cache's current history, discarding everything past that overlap and
// re-feeding only the tail of tokens that wasn't already cached. Used on an
// explicit reset request (spec.md §3) rather than on every turn, since most
// turns extend history rather than replace it.
func (s *State) Reset(tokens []TokenID) error { return s.impl.Reset(tokens) }

func (s *State) Close() { s.impl.Close() }
