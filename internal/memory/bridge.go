package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/swdunlop/poly-go/internal/types"
)

// Bridge is C5: the synchronous facade the session's blocking worker calls
// into, backed by a single goroutine that owns the store and embedder and
// serializes every request behind a channel. spec.md §5 describes the
// source reaching its async store from a blocking thread by acquiring a
// runtime handle and blocking on a spawned task; a goroutine-plus-channel
// facade is the Go shape of the same rule ("never block a reactor thread
// -- run the blocking work on its own thread and wait on a channel").
type Bridge struct {
	store    Store
	embedder Embedder
	jobs     chan job
	done     chan struct{}
}

type jobKind int

const (
	jobRecall jobKind = iota
	jobRemember
)

type job struct {
	kind   jobKind
	ctx    context.Context
	text   string
	k      int
	result chan jobResult
}

type jobResult struct {
	texts []string
	err   error
}

// NewBridge starts the bridge's worker goroutine. Close stops it.
func NewBridge(store Store, embedder Embedder) *Bridge {
	b := &Bridge{
		store:    store,
		embedder: embedder,
		jobs:     make(chan job),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bridge) run() {
	for j := range b.jobs {
		switch j.kind {
		case jobRecall:
			texts, err := b.doRecall(j.ctx, j.text, j.k)
			j.result <- jobResult{texts: texts, err: err}
		case jobRemember:
			err := b.doRemember(j.ctx, j.text)
			j.result <- jobResult{err: err}
		}
	}
	close(b.done)
}

// Close stops accepting new work and waits for the worker to drain.
func (b *Bridge) Close() {
	close(b.jobs)
	<-b.done
}

// Recall computes prompt's embedding and asks the store for the k nearest
// stored items, joined with newlines (spec.md §4.2). k=0 returns "", false,
// nil without touching the embedder or store.
func (b *Bridge) Recall(ctx context.Context, prompt string, k int) (string, bool, error) {
	if k <= 0 {
		return "", false, nil
	}
	result := make(chan jobResult, 1)
	b.jobs <- job{kind: jobRecall, ctx: ctx, text: prompt, k: k, result: result}
	r := <-result
	if r.err != nil {
		return "", false, r.err
	}
	if len(r.texts) == 0 {
		return "", false, nil
	}
	return strings.Join(r.texts, "\n"), true, nil
}

// Remember computes text's embedding and inserts it into the store.
func (b *Bridge) Remember(ctx context.Context, text string) error {
	result := make(chan jobResult, 1)
	b.jobs <- job{kind: jobRemember, ctx: ctx, text: text, result: result}
	r := <-result
	return r.err
}

func (b *Bridge) doRecall(ctx context.Context, prompt string, k int) ([]string, error) {
	vec, err := b.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMemory, err)
	}
	texts, err := b.store.Get(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	return texts, nil
}

func (b *Bridge) doRemember(ctx context.Context, text string) error {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrMemory, err)
	}
	return b.store.Store(ctx, text, vec)
}
