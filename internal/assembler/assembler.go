// Package assembler implements C4: build the prompt token list from
// reminder/prefix/user/postfix fragments, honoring beginning-of-sequence
// rules and private-token policy.
package assembler

import (
	"fmt"

	"github.com/swdunlop/poly-go/internal/llama"
	"github.com/swdunlop/poly-go/internal/types"
)

// PrivateTokens is a task's resolved private-token id set: strings that
// must neither appear in user input nor be exposed in output. Resolution
// happens once at session construction (spec.md §3 invariant 1): every
// entry must tokenize to exactly one id, or it's a fatal ConfigError.
type PrivateTokens struct {
	strings []string
	ids     map[llama.TokenID]bool
}

func ResolvePrivateTokens(vocab llama.Tokenizer, strs []string) (*PrivateTokens, error) {
	ids := make(map[llama.TokenID]bool, len(strs))
	for _, s := range strs {
		toks, err := vocab.Tokenize(s, false)
		if err != nil || len(toks) != 1 {
			return nil, fmt.Errorf("%w: private token %q must tokenize to exactly one id", types.ErrConfig, s)
		}
		ids[toks[0].ID] = true
	}
	return &PrivateTokens{strings: strs, ids: ids}, nil
}

func (p *PrivateTokens) ContainsID(id llama.TokenID) bool {
	if p == nil {
		return false
	}
	return p.ids[id]
}

// ContainsText reports whether a decoded fragment equals a private token
// string verbatim -- used by the generation loop to suppress output
// (spec.md §4.6 step g, §9 "Suppression of private tokens on output").
func (p *PrivateTokens) ContainsText(text string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.strings {
		if s == text {
			return true
		}
	}
	return false
}

// Fragments is the ordered set of text pieces assemble() concatenates into
// tokens: reminder (from memory recall), prefix/postfix (task config), and
// the user's prompt.
type Fragments struct {
	Reminder string
	Prefix   string
	Prompt   string
	Postfix  string
}

// Assemble builds the prompt token list in fixed order -- reminder, prefix,
// user prompt, postfix -- attaching BOS to the first fragment that
// produces a non-empty token list, and only when priorTokenCount is zero
// and the model defines a BOS token (spec.md §3, §4.1).
func Assemble(vocab llama.Tokenizer, hasBOS bool, priorTokenCount int, f Fragments, private *PrivateTokens) ([]llama.TokenID, error) {
	wantsBOS := hasBOS && priorTokenCount == 0

	var tokens []llama.TokenID
	appendFragment := func(text string) error {
		if text == "" {
			return nil
		}
		toks, err := vocab.Tokenize(text, wantsBOS && len(tokens) == 0)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrTokenization, err)
		}
		for _, t := range toks {
			tokens = append(tokens, t.ID)
		}
		return nil
	}

	if err := appendFragment(f.Reminder); err != nil {
		return nil, err
	}
	if err := appendFragment(f.Prefix); err != nil {
		return nil, err
	}

	// Skipped like every other empty fragment instead of calling Tokenize on
	// "" -- tokenizers disagree on whether an empty string with addBOS still
	// yields a lone BOS token, so an empty prompt must never be the thing
	// BOS attachment depends on. Leaving tokens untouched here means
	// whichever fragment comes next (or none, if prefix/postfix are also
	// empty) is still correctly treated as the first one.
	if f.Prompt != "" {
		userTokens, err := vocab.Tokenize(f.Prompt, wantsBOS && len(tokens) == 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrTokenization, err)
		}
		for _, t := range userTokens {
			if private.ContainsID(t.ID) {
				return nil, types.ErrIllegalToken
			}
		}
		for _, t := range userTokens {
			tokens = append(tokens, t.ID)
		}
	}

	if err := appendFragment(f.Postfix); err != nil {
		return nil, err
	}
	return tokens, nil
}
