package engine

import "time"

// RunStats holds the counters of one iteration of one worker, merged into
// GlobalState's running totals (itself a RunStats) after every iteration.
type RunStats struct {
	StartTime time.Time

	TotalGuestTime time.Duration
	HostSpentTime  time.Duration

	VMExitCount uint64
	HangCount   uint64

	// DirtyPageCount is the dirty-page pool occupancy of the worker whose
	// iteration most recently merged, a point-in-time gauge rather than a
	// running total: revert_dirty_memory resets it to zero at the start of
	// every iteration, so summing across workers/iterations the way
	// VMExitCount sums would not mean anything.
	DirtyPageCount int

	// NewlyExecutedBasicBlocks holds the address of every coverage
	// breakpoint hit for the first time by any worker, deduplicated on
	// merge.
	NewlyExecutedBasicBlocks []uint64
}

// merge folds other into s, deduplicating newly executed basic blocks so
// the same address isn't counted twice across workers.
func (s *RunStats) merge(other RunStats) {
	s.TotalGuestTime += other.TotalGuestTime
	s.HostSpentTime += other.HostSpentTime
	s.VMExitCount += other.VMExitCount
	s.HangCount += other.HangCount
	s.DirtyPageCount = other.DirtyPageCount

	if len(other.NewlyExecutedBasicBlocks) == 0 {
		return
	}

	seen := make(map[uint64]bool, len(s.NewlyExecutedBasicBlocks))
	for _, bb := range s.NewlyExecutedBasicBlocks {
		seen[bb] = true
	}
	for _, bb := range other.NewlyExecutedBasicBlocks {
		if !seen[bb] {
			seen[bb] = true
			s.NewlyExecutedBasicBlocks = append(s.NewlyExecutedBasicBlocks, bb)
		}
	}
}

// CoverageCount returns the number of distinct basic blocks observed so far.
func (s *RunStats) CoverageCount() int { return len(s.NewlyExecutedBasicBlocks) }
