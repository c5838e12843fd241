// Package engine drives the actual fuzzing: one worker goroutine per
// logical core, each repeatedly reverting its VM to the clean snapshot,
// mutating the current input, running the guest, and classifying why it
// stopped, until the shared corpus reports every worker has gone idle.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fuzzhv/snapfuzz/internal/config"
	"github.com/fuzzhv/snapfuzz/internal/mutate"
	"github.com/fuzzhv/snapfuzz/internal/timeslice"
	"github.com/fuzzhv/snapfuzz/internal/vm"
	"github.com/fuzzhv/snapfuzz/internal/vt"
)

// windowPageCount bounds the largest input a single run can exercise: the
// input data window is windowPageCount frames, so the largest input any
// corpus member or mutation can produce is windowPageCount*vm.FrameSize
// bytes.
const windowPageCount = 16

var (
	timesliceGuest = timeslice.RegisterKind("guest", timeslice.SliceFlagGuestTime)
	timesliceHost  = timeslice.RegisterKind("host", 0)
)

// Vendor picks which software backend flavor a run's workers use. Both
// behave identically, including the flags NPSEntryFlags reports; the
// choice mirrors the Intel/AMD split the original hardware abstraction
// has.
type Vendor int

const (
	VendorIntel Vendor = iota
	VendorAMD
)

func (v Vendor) newBackend() vt.Backend {
	if v == VendorAMD {
		return vt.NewAMDBackend()
	}
	return vt.NewIntelBackend()
}

// Run launches one worker per logical core against state, blocking until
// every worker has gone idle (the corpus is exhausted) or ctx is
// canceled. log receives structured progress and abort reports.
func Run(ctx context.Context, state *GlobalState, cfg config.Config, mode mutate.Mode, vendor Vendor, serial io.Writer, log *slog.Logger) error {
	reporter := NewReporter(log, serial, cfg.SerialOutputInterval, cfg.ConsoleOutputInterval)
	inputWindowBase := state.Snapshot.WindowBaseGFN() * vm.FrameSize

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < state.NumberOfCores; i++ {
		id := i
		g.Go(func() error {
			w, err := newWorker(id, state, cfg, mode, vendor, inputWindowBase, reporter, log)
			if err != nil {
				return fmt.Errorf("engine: worker %d: %w", id, err)
			}
			return w.run(gctx)
		})
	}

	return g.Wait()
}
