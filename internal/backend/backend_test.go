package backend

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swdunlop/poly-go/internal/config"
	"github.com/swdunlop/poly-go/internal/llama"
	"github.com/swdunlop/poly-go/internal/memory"
	"github.com/swdunlop/poly-go/internal/stats"
	"github.com/swdunlop/poly-go/internal/types"
)

// fakeModel is a minimal llama.Model double, letting this package's tests
// exercise session construction and memory wiring without a real gguf file.
// The package itself still builds against internal/llama's cgo binding,
// since New calls llama.Load.
type fakeModel struct{ dim int }

func (m *fakeModel) BOSTokenID() (llama.TokenID, bool) { return 0, false }
func (m *fakeModel) EOTTokenID() llama.TokenID         { return 1 }
func (m *fakeModel) Tokenizer() llama.Tokenizer        { return fakeTokenizer{} }
func (m *fakeModel) Dimension() int                    { return m.dim }
func (m *fakeModel) Close()                            {}
func (m *fakeModel) NewState(int) (*llama.State, error) {
	return llama.NewState(&fakeState{}), nil
}
func (m *fakeModel) Embedding(context.Context, []llama.TokenID) ([]float32, error) {
	return make([]float32, m.dim), nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) Tokenize(text string, addBOS bool) ([]llama.Token, error) {
	out := make([]llama.Token, 0, len(text))
	for _, r := range text {
		out = append(out, llama.Token{Text: string(r), ID: llama.TokenID(r)})
	}
	return out, nil
}
func (fakeTokenizer) Decode([]llama.TokenID, bool) []byte { return nil }
func (fakeTokenizer) Token(llama.TokenID) []byte          { return nil }
func (fakeTokenizer) ID(string) (llama.TokenID, bool)     { return 0, false }
func (fakeTokenizer) Size() int                           { return 256 }

type fakeState struct{}

func (s *fakeState) Length() int { return 0 }
func (s *fakeState) FeedPrompt(tokens []llama.TokenID, cb func(llama.TokenID) error) error {
	for _, t := range tokens {
		if err := cb(t); err != nil {
			return err
		}
	}
	return nil
}
func (s *fakeState) InferNextToken(*llama.Parameters) (llama.TokenID, error) { return 1, nil }
func (s *fakeState) Logits() []float32                                      { return nil }
func (s *fakeState) Reset([]llama.TokenID) error                            { return nil }
func (s *fakeState) Close()                                                 {}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestBackend(t *testing.T, cfg config.Config) *Backend {
	t.Helper()
	b := &Backend{
		log:     nopLogger(),
		cfg:     cfg,
		model:   &fakeModel{dim: 4},
		bridges: make(map[string]*memory.Bridge),
		stats:   stats.New(),
	}
	t.Cleanup(b.Close)
	return b
}

func TestBackend_NewSession_UnknownTaskIsConfigError(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	_, err := b.NewSession("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestBackend_NewSession_BuildsSessionForConfiguredTask(t *testing.T) {
	cfg := config.Config{
		Model: config.ModelConfig{ContextSize: 2048, Threads: 4},
		Tasks: map[string]config.TaskConfig{
			"chat": {Prefix: "hi "},
		},
	}
	b := newTestBackend(t, cfg)

	sess, err := b.NewSession("chat")
	require.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestBackend_Tasks_ListsConfiguredNames(t *testing.T) {
	cfg := config.Config{
		Tasks: map[string]config.TaskConfig{
			"chat":    {},
			"summary": {},
		},
	}
	b := newTestBackend(t, cfg)
	assert.ElementsMatch(t, []string{"chat", "summary"}, b.Tasks())
}

func TestBackend_Stats_StartsEmpty(t *testing.T) {
	b := newTestBackend(t, config.Config{})
	assert.Empty(t, b.Stats())
}

func TestBackend_ModelPath_ReportsConfiguredPath(t *testing.T) {
	cfg := config.Config{Model: config.ModelConfig{Path: "/models/x.gguf"}}
	b := newTestBackend(t, cfg)
	assert.Equal(t, "/models/x.gguf", b.ModelPath())
}

func TestNewEmbedder_DefaultsToModelKind(t *testing.T) {
	model := &fakeModel{dim: 7}
	e, err := newEmbedder(model, config.EmbedderConfig{})
	require.NoError(t, err)
	assert.Equal(t, 7, e.Dimension())
}

func TestNewEmbedder_RejectsUnknownKind(t *testing.T) {
	_, err := newEmbedder(&fakeModel{}, config.EmbedderConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}
