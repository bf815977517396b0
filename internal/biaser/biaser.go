// Package biaser implements C2: given the partial output produced so far
// and the model's vocabulary, produce a per-token additive bias vector
// constraining the next sampled token.
package biaser

import "github.com/swdunlop/poly-go/internal/llama"

// Biaser is the capability every generation loop holds for its lifetime:
// constructed fresh per complete() call, advanced once per emitted token,
// and discarded at loop exit. It must not be shared between concurrent
// generations (spec.md §4.3, §9).
type Biaser interface {
	// Bias returns the admissible (id, bias) pairs for the next token. A
	// result of exactly one pair with positive bias means that token is
	// forced: the caller skips sampling and feeds it directly. An empty
	// result means no constraint at all, not "everything forbidden" --
	// internal/sampler only starts forbidding absent tokens once this list
	// is non-empty.
	Bias(vocab llama.Tokenizer, eot llama.TokenID) []llama.BiasPair

	// Advance folds the chosen token into the biaser's internal state.
	Advance(vocab llama.Tokenizer, chosen llama.TokenID)
}

// Null is the no-constraint biaser: Bias returns an empty list (every token
// admissible), and Advance is a no-op.
type Null struct{}

func (Null) Bias(llama.Tokenizer, llama.TokenID) []llama.BiasPair { return nil }
func (Null) Advance(llama.Tokenizer, llama.TokenID)               {}
