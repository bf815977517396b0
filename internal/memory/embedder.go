package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/swdunlop/poly-go/internal/llama"
	"github.com/swdunlop/poly-go/internal/types"
)

// Embedder produces the vector the bridge stores and queries with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ModelEmbedder delegates to the loaded model's own embedding extraction,
// for deployments that don't run a separate embedding server.
type ModelEmbedder struct {
	model llama.Model
}

func NewModelEmbedder(model llama.Model) *ModelEmbedder {
	return &ModelEmbedder{model: model}
}

func (e *ModelEmbedder) Dimension() int { return e.model.Dimension() }

func (e *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	toks, err := e.model.Tokenizer().Tokenize(text, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTokenization, err)
	}
	ids := make([]llama.TokenID, len(toks))
	for i, t := range toks {
		ids[i] = t.ID
	}
	return e.model.Embedding(ctx, ids)
}

// HTTPEmbedder calls a remote embedding endpoint over HTTP. It accepts
// either shape a self-hosted inference server commonly answers with: the
// OpenAI-compatible `{"data":[{"embedding":[...]}]}` envelope (OpenAI,
// Ollama's /v1 surface, vLLM, LocalAI, LiteLLM), or llama.cpp's own
// `/embedding` endpoint's flat `{"embedding":[...]}` body -- so a task can
// point BaseURL at either kind of server without a config switch.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// HTTPEmbedderConfig parameterizes an HTTPEmbedder. Timeout defaults to 30s
// when zero, the same default the rest of the pack's HTTP embedding
// clients fall back to when a deployment doesn't override it.
type HTTPEmbedderConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int // optional; auto-detected from the first response if 0
	Timeout   time.Duration
	Client    *http.Client // overrides Timeout entirely when set, for tests
}

func NewHTTPEmbedder(cfg HTTPEmbedderConfig) *HTTPEmbedder {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dimension,
		client:  client,
	}
}

func (e *HTTPEmbedder) Dimension() int { return e.dim }

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embeddingResponse covers both response shapes HTTPEmbedder understands;
// vector reports whichever one the server actually populated.
type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Data      []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r embeddingResponse) vector() []float32 {
	if len(r.Embedding) > 0 {
		return r.Embedding
	}
	if len(r.Data) > 0 {
		return r.Data[0].Embedding
	}
	return nil
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req, err := e.newRequest(ctx, text)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: calling embedding endpoint: %v", types.ErrMemory, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: embedding endpoint returned %d: %s", types.ErrMemory, resp.StatusCode, string(detail))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding embedding response: %v", types.ErrMemory, err)
	}
	vec := decoded.vector()
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: embedding endpoint returned no vector", types.ErrMemory)
	}

	if e.dim == 0 {
		e.dim = len(vec)
	}
	return vec, nil
}

func (e *HTTPEmbedder) newRequest(ctx context.Context, text string) (*http.Request, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling embedding request: %v", types.ErrMemory, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building embedding request: %v", types.ErrMemory, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	return req, nil
}
