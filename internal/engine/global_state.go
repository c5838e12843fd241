package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fuzzhv/snapfuzz/internal/corpus"
	"github.com/fuzzhv/snapfuzz/internal/patch"
	"github.com/fuzzhv/snapfuzz/internal/snapshot"
)

// GlobalState is the process-wide state every worker shares: the
// read-only snapshot and patch set, the corpus (already internally
// synchronized), the running totals, and the active-worker countdown
// corpus.Consume uses to detect that fuzzing is complete.
type GlobalState struct {
	ActiveWorkers atomic.Int64

	Snapshot *snapshot.Store
	Corpus   *corpus.Corpus
	Patches  *patch.Set

	mu    sync.Mutex
	stats RunStats

	iterationCount atomic.Uint64

	NumberOfCores int
	StartTime     time.Time
}

// NewGlobalState initializes active-worker count and iteration stats for
// a run across numberOfCores workers.
func NewGlobalState(snap *snapshot.Store, c *corpus.Corpus, patches *patch.Set, numberOfCores int) *GlobalState {
	g := &GlobalState{
		Snapshot:      snap,
		Corpus:        c,
		Patches:       patches,
		NumberOfCores: numberOfCores,
		StartTime:     time.Now(),
	}
	g.ActiveWorkers.Store(int64(numberOfCores))
	g.stats.StartTime = g.StartTime
	return g
}

// UpdateStats merges local into the running totals and returns the new
// global iteration count.
func (g *GlobalState) UpdateStats(local RunStats) uint64 {
	g.mu.Lock()
	g.stats.merge(local)
	g.mu.Unlock()
	return g.iterationCount.Add(1)
}

// Stats returns a copy of the current running totals, safe to read while
// workers keep merging into it.
func (g *GlobalState) Stats() RunStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// IterationCount returns the total number of completed iterations across
// every worker.
func (g *GlobalState) IterationCount() uint64 { return g.iterationCount.Load() }
