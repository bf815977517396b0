// Package backend wires a loaded model, its configured memory stores, and
// the stats accumulator into a small registry that spawns sessions on
// request. Grounded on original_source/poly-backend/src/session.rs's
// `backend: Arc<Backend>` field: sessions hold a shared reference back to
// this registry (to reach the model, a named memory bridge, and the stats
// accumulator), but the registry holds no reference to live sessions --
// spec.md §9's "cyclic ownership... treat as a tree, not a cycle".
package backend

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/swdunlop/poly-go/internal/config"
	"github.com/swdunlop/poly-go/internal/llama"
	"github.com/swdunlop/poly-go/internal/memory"
	"github.com/swdunlop/poly-go/internal/session"
	"github.com/swdunlop/poly-go/internal/stats"
	"github.com/swdunlop/poly-go/internal/types"
)

// Backend owns the one loaded model and every configured memory store for
// a process. Safe for concurrent use: NewSession hands each caller its own
// *llama.State, and the memory bridges serialize their own store access.
type Backend struct {
	log     *zerolog.Logger
	cfg     config.Config
	model   llama.Model
	bridges map[string]*memory.Bridge
	stores  []*memory.SQLiteStore
	stats   *stats.Accumulator
}

// New loads the model and opens every configured memory store. Failure at
// any point is fatal and closes whatever was already opened, so a
// misconfigured memory store never leaves an orphaned model load behind.
func New(log *zerolog.Logger, cfg config.Config) (_ *Backend, err error) {
	model, err := llama.Load(log, cfg.Model.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: loading model %q: %v", types.ErrModelLoad, cfg.Model.Path, err)
	}

	b := &Backend{
		log:     log,
		cfg:     cfg,
		model:   model,
		bridges: make(map[string]*memory.Bridge, len(cfg.Memories)),
		stats:   stats.New(),
	}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	for name, mc := range cfg.Memories {
		embedder, err := newEmbedder(model, mc.Embedder)
		if err != nil {
			return nil, fmt.Errorf("%w: memory store %q: %v", types.ErrConfig, name, err)
		}

		dim := mc.Embedder.Dimension
		if dim == 0 {
			dim = embedder.Dimension()
		}
		store, err := memory.OpenSQLiteStore(mc.Path, dim)
		if err != nil {
			return nil, fmt.Errorf("%w: opening memory store %q: %v", types.ErrConfig, name, err)
		}
		b.stores = append(b.stores, store)

		b.bridges[name] = memory.NewBridge(store, embedder)
	}

	return b, nil
}

func newEmbedder(model llama.Model, ec config.EmbedderConfig) (memory.Embedder, error) {
	switch ec.Kind {
	case "", "model":
		return memory.NewModelEmbedder(model), nil
	case "http":
		return memory.NewHTTPEmbedder(memory.HTTPEmbedderConfig{
			BaseURL:   ec.BaseURL,
			APIKey:    ec.APIKey,
			Model:     ec.Model,
			Dimension: ec.Dimension,
			Timeout:   time.Duration(ec.TimeoutSeconds) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedder kind %q", ec.Kind)
	}
}

// NewSession spawns a session for a configured task: a fresh KV-cache state
// sized to the model's context_size, the task's memory bridge (if any),
// and a private RNG seeded off the wall clock so concurrent sessions don't
// share a sampling stream.
func (b *Backend) NewSession(taskName string) (*session.Session, error) {
	task, ok := b.cfg.Tasks[taskName]
	if !ok {
		return nil, fmt.Errorf("%w: task %q is not configured", types.ErrConfig, taskName)
	}

	state, err := b.model.NewState(b.cfg.Model.ContextSize)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating inference state for task %q: %v", types.ErrModelLoad, taskName, err)
	}

	var bridge *memory.Bridge
	if task.Memory != "" {
		bridge = b.bridges[task.Memory]
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return session.New(b.log, b.model, state, bridge, taskName, task, b.stats, rng, b.cfg.Model.Threads)
}

// Stats reports the accumulated throughput/token totals per task, for the
// /stats endpoint.
func (b *Backend) Stats() map[string]stats.Totals { return b.stats.Snapshot() }

// Tasks lists the configured task names, for the /v1/task endpoint.
func (b *Backend) Tasks() []string {
	names := make([]string, 0, len(b.cfg.Tasks))
	for name := range b.cfg.Tasks {
		names = append(names, name)
	}
	return names
}

// ModelPath reports the loaded model's gguf path, for the /v1/model endpoint.
func (b *Backend) ModelPath() string { return b.cfg.Model.Path }

// Close releases the model and every opened memory store. Safe to call on a
// partially constructed Backend (New calls it on its own failure path).
func (b *Backend) Close() {
	for _, bridge := range b.bridges {
		bridge.Close()
	}
	for _, store := range b.stores {
		if err := store.Close(); err != nil {
			b.log.Warn().Err(err).Msg("closing memory store")
		}
	}
	if b.model != nil {
		b.model.Close()
	}
}
