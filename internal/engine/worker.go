package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fuzzhv/snapfuzz/internal/config"
	"github.com/fuzzhv/snapfuzz/internal/corpus"
	"github.com/fuzzhv/snapfuzz/internal/mutate"
	"github.com/fuzzhv/snapfuzz/internal/snapshot"
	"github.com/fuzzhv/snapfuzz/internal/timeslice"
	"github.com/fuzzhv/snapfuzz/internal/vm"
	"github.com/fuzzhv/snapfuzz/internal/vt"
)

// worker is one logical CPU's fuzzing loop: its own VM (translation tree
// plus dirty page pool), its own mutation engine, all driving the same
// shared, read-only snapshot and corpus.
type worker struct {
	id int

	vm              *vm.VM
	mutator         *mutate.Engine
	global          *GlobalState
	cfg             config.Config
	inputWindowBase uint64
	reporter        *Reporter
	log             *slog.Logger
	rec             *timeslice.Recorder
}

func newWorker(id int, state *GlobalState, cfg config.Config, mode mutate.Mode, vendor Vendor, inputWindowBase uint64, reporter *Reporter, log *slog.Logger) (*worker, error) {
	backend := vendor.newBackend()
	v, err := vm.New(backend, cfg.NestedPagingPoolSize, cfg.DirtyPagePoolSize)
	if err != nil {
		return nil, fmt.Errorf("allocate vm: %w", err)
	}

	m := mutate.New(mode, windowPageCount)
	m.SetMaxIterationCount(cfg.MaxIterationCountPerFile)
	for i := 0; i < windowPageCount; i++ {
		page, err := m.ResolvePage(i)
		if err != nil {
			return nil, fmt.Errorf("resolve input window page %d: %w", i, err)
		}
		addr := inputWindowBase + uint64(i)*vm.FrameSize
		if err := v.BuildTranslation(addr, page); err != nil {
			return nil, fmt.Errorf("map input window page %d: %w", i, err)
		}
		// The input window is the worker's own private buffer, not a
		// shared snapshot page: it's writable from the start and never
		// goes through copy-on-write.
		if err := v.MarkWritable(addr); err != nil {
			return nil, fmt.Errorf("mark input window page %d writable: %w", i, err)
		}
	}

	return &worker{
		id:              id,
		vm:              v,
		mutator:         m,
		global:          state,
		cfg:             cfg,
		inputWindowBase: inputWindowBase,
		reporter:        reporter,
		log:             log.With(slog.Int("worker", id)),
		rec:             timeslice.NewRecorder(),
	}, nil
}

// run executes fuzzing iterations until the corpus reports every worker
// has gone idle or ctx is canceled.
func (w *worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.iterate(); err != nil {
			if errors.Is(err, corpus.ErrExhausted) {
				return nil
			}
			return err
		}
	}
}

// iterate runs exactly one mutated input through to completion: revert,
// mutate, adjust, run-and-classify until resolved, record stats.
func (w *worker) iterate() error {
	w.vm.RevertDirtyMemory()

	regs := w.global.Snapshot.Registers()
	w.vm.Backend.RevertRegisters(&regs)

	if err := w.mutator.MapAndMutate(w.global.Corpus, &w.global.ActiveWorkers); err != nil {
		return err
	}
	name, data := w.mutator.Data()

	w.vm.Backend.AdjustRegisters(w.inputWindowBase, uint64(len(data)))

	local := RunStats{}
	deadline := time.Now().Add(w.cfg.GuestExecTimeout)

	for {
		guestStart := time.Now()
		exit, err := w.vm.Backend.Run(deadline)
		local.TotalGuestTime += time.Since(guestStart)
		w.rec.Record(timesliceGuest)
		if err != nil {
			return fmt.Errorf("worker %d: backend run: %w", w.id, err)
		}
		local.VMExitCount++
		if exit.Kind == vt.ExitShutdown {
			return fmt.Errorf("worker %d: guest shutdown (code %#x) at rip %#x", w.id, exit.ShutdownCode, exit.RIP)
		}

		hostStart := time.Now()
		resume, reason := w.classify(exit, &local, deadline)
		local.HostSpentTime += time.Since(hostStart)
		w.rec.Record(timesliceHost)

		if resume {
			continue
		}

		if reason == Hang {
			local.HangCount++
		}
		reason.report(w.log, exit.RIP, exit.GPA, name)
		break
	}
	local.DirtyPageCount = w.vm.DirtyPageCount()

	iteration := w.global.UpdateStats(local)
	w.reporter.Maybe(w.global, iteration)

	if growsCorpus(local, w.mutator.IsMutated()) {
		w.global.Corpus.Add(corpus.Input{Name: name, Data: data})
	}

	return nil
}

// growsCorpus reports whether this iteration's outcome earns the current
// input a place in the corpus: new coverage was observed, and the input
// that produced it was actually a mutation (not an unmutated seed replay,
// which scenario 2 of spec.md explicitly excludes even when it happens to
// be the first run to hit a breakpoint).
func growsCorpus(local RunStats, isMutated bool) bool {
	return len(local.NewlyExecutedBasicBlocks) > 0 && isMutated
}

// classify handles one vt.Exit, either resolving it in place (resume=true,
// meaning the same guest run continues) or deciding the iteration is over
// and why.
func (w *worker) classify(exit vt.Exit, local *RunStats, deadline time.Time) (resume bool, reason AbortReason) {
	switch exit.Kind {
	case vt.ExitNestedPageFault:
		return w.classifyNestedPageFault(exit)

	case vt.ExitException:
		switch exit.Exception {
		case vt.ExceptionBreakpoint:
			return w.classifyBreakpoint(exit, local)
		case vt.ExceptionInvalidOpcode:
			return w.classifyInvalidOpcode(exit)
		default:
			return false, UnexpectedPageFault
		}

	case vt.ExitExternalInterruptOrPause:
		if !time.Now().Before(deadline) {
			return false, Hang
		}
		return true, 0

	case vt.ExitTimerExpiration:
		return false, Hang

	default:
		return false, UnhandledVmExit
	}
}

// negativeGFN is the one guest frame number spec.md singles out as
// NegativePageAccess: 0x000f_ffff_ffff_ffff, the maximum 52-bit frame
// number, i.e. -1 read as a signed frame number.
const negativeGFN = 0x000f_ffff_ffff_ffff

// classifyNestedPageFault resolves a faulted GPA against the snapshot.
// newWorker already builds and marks writable every input-window page up
// front, so a fault inside that range never reaches here — only snapshot
// GFNs are resolved lazily, through PageFor.
func (w *worker) classifyNestedPageFault(exit vt.Exit) (bool, AbortReason) {
	gpa := exit.GPA
	if gpa == 0 {
		return false, NullPageAccess
	}
	gfn := gpa / snapshot.FrameSize
	if gfn == negativeGFN {
		return false, NegativePageAccess
	}

	page, err := w.global.Snapshot.PageFor(gfn)
	if err != nil || page == nil {
		return false, InvalidPageAccess
	}

	if exit.MissingTranslation {
		if err := w.vm.BuildTranslation(gfn*snapshot.FrameSize, page); err != nil {
			return false, InvalidPageAccess
		}
	}
	if exit.WriteAccess {
		if err := w.vm.CopyOnWrite(gfn*snapshot.FrameSize, page); err != nil {
			return false, ExcessiveMemoryWrite
		}
	}

	w.vm.Backend.InvalidateCaches()
	return true, 0
}

func (w *worker) classifyBreakpoint(exit vt.Exit, local *RunStats) (bool, AbortReason) {
	if _, ok := w.global.Patches.Find(exit.RIP); !ok {
		return false, UnexpectedBreakpoint
	}

	local.NewlyExecutedBasicBlocks = append(local.NewlyExecutedBasicBlocks, exit.RIP)

	if err := w.global.Snapshot.RevertPatchAt(exit.RIP); err != nil {
		w.log.Warn("revert coverage patch", slog.Uint64("rip", exit.RIP), slog.Any("error", err))
	}

	// Resume at exit.RIP so the now-reverted original instruction actually
	// executes; the interpreter reports INT3 without advancing RIP, so this
	// keeps RIP where the exit left it.
	w.vm.Backend.Registers().RIP = exit.RIP

	return true, 0
}

func (w *worker) classifyInvalidOpcode(exit vt.Exit) (bool, AbortReason) {
	b0, ok0 := w.vm.ReadByte(exit.RIP)
	b1, ok1 := w.vm.ReadByte(exit.RIP + 1)
	if ok0 && ok1 && b0 == 0x0F && b1 == 0x0B {
		return false, EndMarker
	}
	return false, InvalidInstruction
}
