package session

import (
	"context"

	"github.com/swdunlop/poly-go/internal/kmp"
	"github.com/swdunlop/poly-go/internal/llama"
)

// fakeTokenizer is a byte-per-rune vocabulary over printable ASCII, plus a
// dedicated BOS and EOT id, small enough to reason about in tests without
// a real gguf model.
type fakeTokenizer struct{}

const (
	fakeBOS llama.TokenID = 256
	fakeEOT llama.TokenID = 257
)

func (fakeTokenizer) Tokenize(text string, addBOS bool) ([]llama.Token, error) {
	var out []llama.Token
	if addBOS {
		out = append(out, llama.Token{Text: "", ID: fakeBOS})
	}
	for _, r := range text {
		out = append(out, llama.Token{Text: string(r), ID: llama.TokenID(r)})
	}
	return out, nil
}

func (fakeTokenizer) Decode(ids []llama.TokenID, _ bool) []byte {
	var out []byte
	for _, id := range ids {
		out = append(out, fakeTokenizer{}.Token(id)...)
	}
	return out
}

func (fakeTokenizer) Token(id llama.TokenID) []byte {
	if id == fakeBOS || id == fakeEOT {
		return nil
	}
	return []byte(string(rune(id)))
}

func (fakeTokenizer) ID(s string) (llama.TokenID, bool) {
	r := []rune(s)
	if len(r) != 1 {
		return 0, false
	}
	return llama.TokenID(r[0]), true
}

func (fakeTokenizer) Size() int { return 258 }

// fakeModel is a minimal llama.Model exposing fakeTokenizer and fixed
// BOS/EOT ids.
type fakeModel struct {
	dim int
}

func (m *fakeModel) BOSTokenID() (llama.TokenID, bool) { return fakeBOS, true }
func (m *fakeModel) EOTTokenID() llama.TokenID         { return fakeEOT }
func (m *fakeModel) Tokenizer() llama.Tokenizer        { return fakeTokenizer{} }
func (m *fakeModel) Dimension() int                    { return m.dim }
func (m *fakeModel) Close()                            {}

func (m *fakeModel) NewState(nCtx int) (*llama.State, error) {
	return llama.NewState(&fakeState{}), nil
}

func (m *fakeModel) Embedding(ctx context.Context, tokens []llama.TokenID) ([]float32, error) {
	vec := make([]float32, m.dim)
	for i, t := range tokens {
		vec[i%m.dim] += float32(t)
	}
	return vec, nil
}

// fakeState scripts a fixed sequence of "sampled" tokens for
// InferNextToken, letting tests drive the generation loop deterministically
// without real logits or a real sampler decision.
type fakeState struct {
	history []llama.TokenID
	script  []llama.TokenID
	pos     int
	failAt  int // InferNextToken errors once pos reaches this index; 0 disables
}

func (s *fakeState) Length() int { return len(s.history) }

func (s *fakeState) FeedPrompt(tokens []llama.TokenID, cb func(llama.TokenID) error) error {
	for _, t := range tokens {
		s.history = append(s.history, t)
		if err := cb(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeState) InferNextToken(params *llama.Parameters) (llama.TokenID, error) {
	if s.failAt > 0 && s.pos >= s.failAt {
		return 0, errInferenceFailed
	}
	if s.pos >= len(s.script) {
		return fakeEOT, nil
	}
	tok := s.script[s.pos]
	s.pos++
	s.history = append(s.history, tok)
	return tok, nil
}

func (s *fakeState) Logits() []float32 { return nil }

// Reset mirrors the real state's overlap-collapse behavior, closely enough
// that tests exercising a session reset can assert on the resulting history.
func (s *fakeState) Reset(tokens []llama.TokenID) error {
	size, pos := kmp.Overlap(tokens, s.history)
	s.history = append(s.history[:0], s.history[pos:pos+size]...)
	s.history = append(s.history, tokens[size:]...)
	return nil
}

func (s *fakeState) Close() {}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errInferenceFailed fakeErr = "fake model inference failed (simulated context-full)"

func scriptOf(text string) []llama.TokenID {
	toks := make([]llama.TokenID, 0, len(text))
	for _, r := range text {
		toks = append(toks, llama.TokenID(r))
	}
	return toks
}
