package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"
)

// Reporter prints periodic progress, at two cadences inherited from the
// original's serial-port-vs-console split: a frequent, terse line on the
// serial sink and a less frequent human-oriented summary on the console.
// Which one a given iteration count triggers is decided by
// config.SerialOutputInterval/ConsoleOutputInterval.
type Reporter struct {
	log          *slog.Logger
	serial       io.Writer
	serialEvery  uint64
	consoleEvery uint64
	isTerminal   bool
}

// NewReporter builds a Reporter. serial stands in for the original's
// UART/serial-port output (the -serial flag picks its destination,
// defaulting to stderr); the console summary is redrawn in place on stdout
// when stdout is a terminal and emitted through log otherwise.
func NewReporter(log *slog.Logger, serial io.Writer, serialEvery, consoleEvery uint64) *Reporter {
	return &Reporter{
		log:          log,
		serial:       serial,
		serialEvery:  serialEvery,
		consoleEvery: consoleEvery,
		isTerminal:   term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Maybe reports g's current state if iteration crosses a serial or
// console boundary.
func (r *Reporter) Maybe(g *GlobalState, iteration uint64) {
	if r.serialEvery != 0 && iteration%r.serialEvery == 0 {
		r.reportSerial(g, iteration)
	}
	if r.consoleEvery != 0 && iteration%r.consoleEvery == 0 {
		r.reportConsole(g, iteration)
	}
}

// §6 lists what a periodic record must contain: iteration index, elapsed
// and guest time, VM-exit count, dirty-page count, newly executed basic
// blocks, and active worker count.
func (r *Reporter) reportSerial(g *GlobalState, iteration uint64) {
	s := g.Stats()
	elapsed := time.Since(g.StartTime)
	fmt.Fprintf(r.serial, "iter=%d elapsed=%s guest_time=%s vmexits=%d dirty_pages=%d coverage=%d hangs=%d active_workers=%d new_bbs=%s\n",
		iteration, elapsed.Round(time.Millisecond), s.TotalGuestTime.Round(time.Millisecond),
		s.VMExitCount, s.DirtyPageCount, s.CoverageCount(), s.HangCount,
		g.ActiveWorkers.Load(), formatRIPs(s.NewlyExecutedBasicBlocks))
}

func (r *Reporter) reportConsole(g *GlobalState, iteration uint64) {
	s := g.Stats()
	elapsed := time.Since(g.StartTime)
	line := fmt.Sprintf("iters=%d coverage=%d hangs=%d dirty_pages=%d elapsed=%s guest_time=%s active_workers=%d",
		iteration, s.CoverageCount(), s.HangCount, s.DirtyPageCount,
		elapsed.Round(time.Second), s.TotalGuestTime.Round(time.Millisecond), g.ActiveWorkers.Load())

	if r.isTerminal {
		fmt.Fprintf(os.Stdout, "\r\033[K%s", line)
	} else {
		r.log.Info(line)
	}
}

// formatRIPs renders the tail of the coverage set as a compact hex list; §6
// asks for "newly executed basic blocks (list of guest RIPs)" on every
// record, but printing the whole cumulative set on every line would dwarf
// the rest of it once coverage grows, so only the most recent additions are
// shown.
func formatRIPs(rips []uint64) string {
	const maxShown = 8
	start := 0
	if len(rips) > maxShown {
		start = len(rips) - maxShown
	}
	s := "["
	for i, rip := range rips[start:] {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%#x", rip)
	}
	if start > 0 {
		s = "[...," + s[1:]
	}
	return s + "]"
}
