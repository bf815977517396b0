// Package stats implements C7: a keyed task_name -> running-totals map with
// a monotonic merge, shared by every session the backend spawns.
package stats

import (
	"sync"

	"github.com/swdunlop/poly-go/internal/types"
)

// Totals is one task's running counters. Thread count reflects the last
// session that merged into this task, not a sum -- spec.md §4.7 calls it
// out distinctly from the additive token/duration fields.
type Totals struct {
	types.InferenceStats
	Threads int
}

// Accumulator holds every task's Totals behind a single mutex. spec.md §5
// notes contention here is negligible -- one update per request completion
// -- so a single shared mutex needs no further sharding.
type Accumulator struct {
	mu     sync.Mutex
	byTask map[string]Totals
}

func New() *Accumulator {
	return &Accumulator{byTask: make(map[string]Totals)}
}

// Add merges stats into task's running totals and records threads as the
// last thread count used, per spec.md §4.7's add(task, stats, threads).
func (a *Accumulator) Add(task string, delta types.InferenceStats, threads int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.byTask[task]
	t.InferenceStats.Add(delta)
	t.Threads = threads
	a.byTask[task] = t
}

// Get returns a snapshot of task's running totals.
func (a *Accumulator) Get(task string) (Totals, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.byTask[task]
	return t, ok
}

// Snapshot returns a copy of every task's running totals, for the stats
// transport endpoint.
func (a *Accumulator) Snapshot() map[string]Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Totals, len(a.byTask))
	for k, v := range a.byTask {
		out[k] = v
	}
	return out
}
