package session

import (
	"context"
	"errors"
	"path/filepath"
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

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func collectCallback(got *[]string) types.Callback {
	return func(r types.InferenceResponse) (types.InferenceFeedback, error) {
		if t, ok := r.(types.InferredToken); ok {
			*got = append(*got, t.Text)
		}
		return types.Continue, nil
	}
}

func TestSession_Complete_StopSequenceTerminatesGeneration(t *testing.T) {
	model := &fakeModel{dim: 4}
	fs := &fakeState{script: scriptOf("hi!!bye")}
	state := llama.NewState(fs)

	task := config.TaskConfig{StopSequences: []string{"!!"}}
	sess, err := New(nopLogger(), model, state, nil, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	_, err = sess.Complete(context.Background(), types.PromptRequest{Prompt: "hello"}, collectCallback(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"h", "i", "!"}, got)
}

func TestSession_Complete_PrivateTokenRejectsPrompt(t *testing.T) {
	model := &fakeModel{dim: 4}
	fs := &fakeState{script: scriptOf("unused")}
	state := llama.NewState(fs)

	task := config.TaskConfig{PrivateTokens: []string{"X"}}
	sess, err := New(nopLogger(), model, state, nil, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	_, err = sess.Complete(context.Background(), types.PromptRequest{Prompt: "foo X bar"}, collectCallback(&got))
	require.ErrorIs(t, err, types.ErrIllegalToken)
	assert.Empty(t, got)
	assert.Empty(t, fs.history, "no tokens should reach the model once the prompt is rejected")
}

func TestSession_Complete_JSONSchemaForcesTokenByToken(t *testing.T) {
	model := &fakeModel{dim: 4}
	fs := &fakeState{} // biaser forces every token; the sampler is never consulted
	state := llama.NewState(fs)

	task := config.TaskConfig{Biaser: config.BiaserConfig{Schema: `{}`}}
	sess, err := New(nopLogger(), model, state, nil, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	result, err := sess.Complete(context.Background(), types.PromptRequest{Prompt: "hi"}, collectCallback(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "u", "l", "l"}, got)
	assert.Equal(t, 4, result.PromptTokens-len("hi")-1, "prompt tokens include BOS+prompt plus the 4 forced chars")
	assert.False(t, result.Truncated)
}

func TestSession_Complete_SwallowsMidGenerationInferenceError(t *testing.T) {
	model := &fakeModel{dim: 4}
	fs := &fakeState{script: scriptOf("ab"), failAt: 2}
	state := llama.NewState(fs)

	task := config.TaskConfig{}
	sess, err := New(nopLogger(), model, state, nil, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	result, err := sess.Complete(context.Background(), types.PromptRequest{Prompt: "x"}, collectCallback(&got))
	require.NoError(t, err, "a mid-generation ModelInferenceError must not propagate")
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, result.Truncated)
}

func TestSession_Complete_MaxTokensZeroStopsAfterPrelude(t *testing.T) {
	model := &fakeModel{dim: 4}
	fs := &fakeState{script: scriptOf("would-not-appear")}
	state := llama.NewState(fs)

	zero := 0
	task := config.TaskConfig{MaxTokens: &zero}
	sess, err := New(nopLogger(), model, state, nil, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	result, err := sess.Complete(context.Background(), types.PromptRequest{Prompt: "x"}, collectCallback(&got))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, result.PredictTokens)
}

// constEmbedder always returns the same vector, letting tests assert a
// stored memory is recalled exactly by a matching query.
type constEmbedder struct {
	dim int
	vec []float32
}

func (e constEmbedder) Dimension() int { return e.dim }
func (e constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, nil
}

func TestSession_Complete_RemembersPromptWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store, err := memory.OpenSQLiteStore(filepath.Join(t.TempDir(), "mem.sqlite"), 2)
	require.NoError(t, err)
	defer store.Close()

	embedder := constEmbedder{dim: 2, vec: []float32{1, 0}}
	bridge := memory.NewBridge(store, embedder)
	defer bridge.Close()

	model := &fakeModel{dim: 4}
	fs := &fakeState{}
	state := llama.NewState(fs)

	task := config.TaskConfig{Memorization: config.MemorizationConfig{StorePrompts: true}}
	sess, err := New(nopLogger(), model, state, bridge, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	_, err = sess.Complete(ctx, types.PromptRequest{Prompt: "remember me"}, collectCallback(&got))
	require.NoError(t, err)

	texts, err := store.Get(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, texts, 1)
	assert.Equal(t, "remember me", texts[0])
}

func TestSession_Complete_RecallPrependsReminder(t *testing.T) {
	ctx := context.Background()
	store, err := memory.OpenSQLiteStore(filepath.Join(t.TempDir(), "mem.sqlite"), 2)
	require.NoError(t, err)
	defer store.Close()

	embedder := constEmbedder{dim: 2, vec: []float32{1, 0}}
	require.NoError(t, store.Store(ctx, "The sky is blue.", []float32{1, 0}))

	bridge := memory.NewBridge(store, embedder)
	defer bridge.Close()

	model := &fakeModel{dim: 4}
	fs := &fakeState{}
	state := llama.NewState(fs)

	task := config.TaskConfig{Memorization: config.MemorizationConfig{Retrieve: 1}}
	sess, err := New(nopLogger(), model, state, bridge, "chat", task, stats.New(), nil, 1)
	require.NoError(t, err)

	var got []string
	_, err = sess.Complete(ctx, types.PromptRequest{Prompt: "what color"}, collectCallback(&got))
	require.NoError(t, err)

	decoded := string(fakeTokenizer{}.Decode(fs.history, false))
	assert.Contains(t, decoded, "The sky is blue.")
}

func TestSession_New_RejectsNonUnitaryPrivateToken(t *testing.T) {
	model := &fakeModel{dim: 4}
	fs := &fakeState{}
	state := llama.NewState(fs)

	task := config.TaskConfig{PrivateTokens: []string{"too-long"}}
	_, err := New(nopLogger(), model, state, nil, "chat", task, stats.New(), nil, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))
}
