package llama

/*
#cgo CFLAGS: -Ofast -std=c11 -fPIC
#cgo CPPFLAGS: -Ofast -Wall -Wextra -Wno-unused-function -Wno-unused-variable -DNDEBUG -DGGML_USE_K_QUANTS
#cgo CXXFLAGS: -std=c++11 -fPIC
#cgo darwin CPPFLAGS: -DGGML_USE_ACCELERATE
#cgo darwin,arm64 CPPFLAGS: -DGGML_USE_METAL -DGGML_METAL_NDEBUG
#cgo darwin LDFLAGS: -framework Accelerate -framework Foundation -framework Metal -framework MetalKit -framework MetalPerformanceShaders

#include <stdlib.h>
#include "llama.h"

int poly_llama_eval(struct llama_context *ctx, int pos, llama_token *tokens, int n_tokens, bool want_logits) {
	if (n_tokens < 1) return 0;
	llama_batch batch = llama_batch_init(n_tokens, 0, 1);
	batch.n_tokens = n_tokens;
	for (int i = 0; i < n_tokens; i++) {
		batch.token[i] = tokens[i];
		batch.pos[i] = pos + i;
		batch.seq_id[i][0] = 0;
		batch.n_seq_id[i] = 1;
		batch.logits[i] = want_logits && i == n_tokens - 1;
	}
	int e = llama_decode(ctx, batch);
	llama_batch_free(batch);
	return e;
}

static void poly_llama_mute_log(enum ggml_log_level level, const char *text, void *user) {
	(void)(user);
	if (level <= GGML_LOG_LEVEL_WARN) return;
	fputs(text, stderr);
	fflush(stderr);
}

static void poly_llama_mute() {
	llama_log_set(poly_llama_mute_log, NULL);
}
*/
import "C"

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/swdunlop/poly-go/internal/kmp"
	"github.com/swdunlop/poly-go/internal/types"
)

// model is the cgo-backed llama.cpp Model implementation, adapted from the
// teacher's `model`/`stream` pair: the split between an immutable,
// shareable model and an exclusively-owned per-session state survives
// unchanged, but feed/sample are now separate operations (FeedPrompt,
// InferNextToken) so the session engine's biaser/sampler loop can interpose
// between them, per spec.md §4.6.
type model struct {
	log    *zerolog.Logger
	llama  *C.struct_llama_model
	bos    TokenID
	hasBOS bool
	eot    TokenID
	nVocab int
	nEmbd  int
}

// Load opens a GGUF model file. Mirrors the teacher's Model.load, plus BOS
// optionality (spec.md requires `bos_token_id() -> Option<TokenId>`, not a
// guaranteed token) and embedding dimension capture for the memory bridge.
func Load(log *zerolog.Logger, modelPath string) (Model, error) {
	once.Do(func() {
		C.llama_backend_init()
		C.poly_llama_mute()
	})

	cPath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cPath))

	params := C.llama_model_default_params()
	m := C.llama_load_model_from_file(cPath, params)
	if m == nil {
		return nil, fmt.Errorf("%w: failed to load %q", types.ErrModelLoad, modelPath)
	}

	vocab := C.llama_model_get_vocab(m)
	bos := TokenID(C.llama_vocab_bos(vocab))
	eot := TokenID(C.llama_vocab_eos(vocab))

	return &model{
		log:    log,
		llama:  m,
		bos:    bos,
		hasBOS: bos >= 0,
		eot:    eot,
		nVocab: int(C.llama_vocab_n_tokens(vocab)),
		nEmbd:  int(C.llama_model_n_embd(m)),
	}, nil
}

var once sync.Once

func (m *model) BOSTokenID() (TokenID, bool) { return m.bos, m.hasBOS }
func (m *model) EOTTokenID() TokenID         { return m.eot }
func (m *model) Dimension() int              { return m.nEmbd }
func (m *model) Tokenizer() Tokenizer        { return (*tokenizer)(m) }

func (m *model) Close() {
	if m.llama != nil {
		C.llama_free_model(m.llama)
		m.llama = nil
	}
}

func (m *model) NewState(nCtx int) (*State, error) {
	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(nCtx)
	cp.n_batch = cp.n_ctx
	ctx := C.llama_new_context_with_model(m.llama, cp)
	if ctx == nil {
		return nil, fmt.Errorf("%w: failed to create inference context", types.ErrModelLoad)
	}
	return &State{impl: &state{model: m, ctx: ctx, capacity: nCtx}}, nil
}

// Embedding extracts a pooled embedding for tokens using a short-lived,
// embeddings-mode context of its own so it never touches a session's KV
// cache -- required by spec.md §5: "the memory bridge must not hold the
// session's model state across an await".
func (m *model) Embedding(ctx context.Context, tokens []TokenID) ([]float32, error) {
	cp := C.llama_context_default_params()
	cp.n_ctx = C.uint32_t(len(tokens) + 8)
	cp.n_batch = cp.n_ctx
	cp.embeddings = C.bool(true)
	lctx := C.llama_new_context_with_model(m.llama, cp)
	if lctx == nil {
		return nil, fmt.Errorf("%w: failed to create embedding context", types.ErrModelLoad)
	}
	defer C.llama_free(lctx)

	if len(tokens) == 0 {
		return make([]float32, m.nEmbd), nil
	}
	cTokens := make([]C.llama_token, len(tokens))
	for i, t := range tokens {
		cTokens[i] = C.llama_token(t)
	}
	if e := C.poly_llama_eval(lctx, 0, (*C.llama_token)(unsafe.Pointer(&cTokens[0])), C.int(len(cTokens)), true); e != 0 {
		return nil, fmt.Errorf("%w: embedding eval failed with code %d", types.ErrModelFeed, int(e))
	}
	ptr := C.llama_get_embeddings(lctx)
	if ptr == nil {
		return nil, fmt.Errorf("%w: model does not expose pooled embeddings", types.ErrModelFeed)
	}
	raw := unsafe.Slice((*C.float)(ptr), m.nEmbd)
	out := make([]float32, m.nEmbd)
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// tokenizer is model cast to its Tokenizer view; llama.cpp's tokenizer
// state lives entirely inside the model handle, so no separate struct is
// needed.
type tokenizer model

func (t *tokenizer) Tokenize(text string, addBOS bool) ([]Token, error) {
	if text == "" {
		return nil, nil
	}
	buf := make([]C.llama_token, len(text)+8)
	vocab := C.llama_model_get_vocab(t.llama)
	cstr := C.CString(text)
	defer C.free(unsafe.Pointer(cstr))
	n := C.llama_tokenize(
		vocab,
		cstr, C.int32_t(len(text)),
		(*C.llama_token)(unsafe.Pointer(&buf[0])), C.int32_t(len(buf)),
		C.bool(addBOS), C.bool(false),
	)
	if n < 0 {
		return nil, fmt.Errorf("%w: tokenize %q failed", types.ErrTokenization, text)
	}
	out := make([]Token, n)
	for i := 0; i < int(n); i++ {
		id := TokenID(buf[i])
		out[i] = Token{ID: id, Text: string(t.pieceOf(id))}
	}
	return out, nil
}

func (t *tokenizer) pieceOf(id TokenID) []byte {
	var tmp [256]C.char
	vocab := C.llama_model_get_vocab(t.llama)
	n := C.llama_token_to_piece(vocab, C.llama_token(id), &tmp[0], C.int32_t(len(tmp)), 0, C.bool(false))
	if n < 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(&tmp[0]), n)
}

func (t *tokenizer) Token(id TokenID) []byte { return t.pieceOf(id) }

func (t *tokenizer) Decode(ids []TokenID, skipSpecial bool) []byte {
	var buf strings.Builder
	for _, id := range ids {
		buf.Write(t.pieceOf(id))
	}
	return []byte(buf.String())
}

func (t *tokenizer) Size() int { return t.nVocab }

func (t *tokenizer) ID(s string) (TokenID, bool) {
	toks, err := t.Tokenize(s, false)
	if err != nil || len(toks) != 1 {
		return 0, false
	}
	return toks[0].ID, true
}

// state is the per-session KV-cache, adapted from the teacher's `stream`:
// same history-tracking eval loop, but FeedPrompt and InferNextToken are
// now exposed as two distinct operations instead of one fused Next(), and
// sampling is delegated to params.Sampler instead of inlined C.
type state struct {
	model    *model
	ctx      *C.struct_llama_context
	capacity int
	history  []TokenID
	mu       sync.Mutex
}

func (s *state) Length() int { return len(s.history) }

func (s *state) FeedPrompt(tokens []TokenID, cb func(TokenID) error) error {
	if len(tokens) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history)+len(tokens) > s.capacity {
		return fmt.Errorf("%w: %d tokens would exceed context capacity %d", types.ErrModelFeed, len(tokens), s.capacity)
	}
	cTokens := make([]C.llama_token, len(tokens))
	for i, t := range tokens {
		cTokens[i] = C.llama_token(t)
	}
	e := C.poly_llama_eval(s.ctx, C.int(len(s.history)), (*C.llama_token)(unsafe.Pointer(&cTokens[0])), C.int(len(cTokens)), false)
	if e != 0 {
		return fmt.Errorf("%w: feed-prompt eval failed with code %d", types.ErrModelFeed, int(e))
	}
	s.history = append(s.history, tokens...)
	for _, t := range tokens {
		if cb != nil {
			if err := cb(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *state) InferNextToken(params *Parameters) (TokenID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) >= s.capacity {
		return 0, fmt.Errorf("context full at %d tokens", s.capacity)
	}

	logits := s.logitsLocked()
	if logits == nil {
		return 0, fmt.Errorf("model produced no logits")
	}

	recent := s.history
	if n := params.RepetitionPenaltyLastN; n > 0 && n < len(recent) {
		recent = recent[len(recent)-n:]
	}

	token, err := params.Sampler.Sample(logits, params.Bias, recent, params.RNG)
	if err != nil {
		return 0, err
	}

	cToken := C.llama_token(token)
	e := C.poly_llama_eval(s.ctx, C.int(len(s.history)), (*C.llama_token)(unsafe.Pointer(&cToken)), 1, true)
	if e != 0 {
		return 0, fmt.Errorf("%w: advance eval failed with code %d", types.ErrModelFeed, int(e))
	}
	s.history = append(s.history, token)
	return token, nil
}

func (s *state) Logits() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logitsLocked()
}

func (s *state) logitsLocked() []float32 {
	ptr := C.llama_get_logits(s.ctx)
	if ptr == nil {
		return nil
	}
	raw := unsafe.Slice((*C.float)(ptr), s.model.nVocab)
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out
}

// Reset identifies the overlap between tokens and the cache's current
// history, then collapses the cache down to that overlap so only the
// remainder of tokens needs to be re-fed. Adapted from the teacher's
// stream.reset: llama_kv_cache_seq_rm drops the stale tail (and, when the
// overlap does not start at 0, the stale head), and llama_kv_cache_seq_shift
// slides the retained overlap down to position 0.
func (s *state) Reset(tokens []TokenID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tokens) > s.capacity {
		return fmt.Errorf("%w: %d tokens exceed context capacity %d", types.ErrModelFeed, len(tokens), s.capacity)
	}

	size, pos := kmp.Overlap(tokens, s.history)
	end := pos + size

	C.llama_kv_cache_seq_rm(s.ctx, 0, C.int(end), -1)
	if pos != 0 {
		C.llama_kv_cache_seq_rm(s.ctx, 0, 0, C.int(pos))
		C.llama_kv_cache_seq_shift(s.ctx, 0, C.int(pos), C.int(end), C.int(-pos))
	}
	s.history = append(s.history[:0], s.history[pos:end]...)

	rest := tokens[size:]
	if len(rest) == 0 {
		return nil
	}
	cTokens := make([]C.llama_token, len(rest))
	for i, t := range rest {
		cTokens[i] = C.llama_token(t)
	}
	e := C.poly_llama_eval(s.ctx, C.int(len(s.history)), (*C.llama_token)(unsafe.Pointer(&cTokens[0])), C.int(len(cTokens)), false)
	if e != 0 {
		return fmt.Errorf("%w: reset eval failed with code %d", types.ErrModelFeed, int(e))
	}
	s.history = append(s.history, rest...)
	return nil
}

func (s *state) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		C.llama_free(s.ctx)
		s.ctx = nil
	}
}
