// Package mutate drives one worker's current input through a sequence of
// deterministic variants — either an exhaustive single-bit walk or a
// bounded random multi-byte walk — and owns the page-granular buffer the
// VM reads guest input data out of.
package mutate

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fuzzhv/snapfuzz/internal/corpus"
)

// PageSize is the page granularity the input-data window is carved into.
const PageSize = 4096

// maxRandomOffsets is the widest a single random-byte mutation step is
// allowed to touch at once.
const maxRandomOffsets = 8

// Mode selects which mutation strategy MapAndMutate applies once an input
// is loaded.
type Mode int

const (
	// ModeBitFlip exhaustively visits every single-bit flip of the input,
	// one bit at a time, then moves on to the next corpus input.
	ModeBitFlip Mode = iota
	// ModeRandomByte repeatedly rewrites a small random set of byte
	// offsets with random values, up to a fixed iteration cap per input.
	ModeRandomByte
)

// MaxIterationCountPerFile bounds ModeRandomByte: after this many mutation
// steps on one input, the engine moves on to the next one regardless of
// whether new coverage was found.
const MaxIterationCountPerFile = 10_000

// Engine holds the page buffer the VM's input-data window maps and the
// bookkeeping needed to produce the next variant of the current input on
// each call to MapAndMutate.
type Engine struct {
	mode Mode

	pages      [][]byte // pageCount pages of PageSize bytes each
	windowSize int       // len(pages)*PageSize

	current corpus.Input

	mutationCount    uint64
	maxMutationCount uint64 // total bits for ModeBitFlip, maxRandomIterations for ModeRandomByte
	totalBits        uint64

	// maxRandomIterations bounds ModeRandomByte; defaults to
	// MaxIterationCountPerFile but is overridable via SetMaxIterationCount
	// so internal/config's compiled-in/YAML/env value actually reaches it.
	maxRandomIterations uint64

	offsets  [maxRandomOffsets]uint64
	original [maxRandomOffsets]byte
	numUsed  int // how many of offsets/original are live from the last random step

	rng *rand.Rand
}

// New returns an Engine whose input-data window spans pageCount pages.
func New(mode Mode, pageCount int) *Engine {
	pages := make([][]byte, pageCount)
	for i := range pages {
		pages[i] = make([]byte, PageSize)
	}
	return &Engine{
		mode:                mode,
		pages:               pages,
		windowSize:          pageCount * PageSize,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		maxRandomIterations: MaxIterationCountPerFile,
	}
}

// SetMaxIterationCount overrides how many ModeRandomByte steps run against
// one input before IsDone, letting internal/config's compiled-in/YAML/env
// value take effect instead of the package default.
func (e *Engine) SetMaxIterationCount(n uint64) {
	if n > 0 {
		e.maxRandomIterations = n
	}
}

// ResolvePage returns the page at windowIndex, the unit the VM's nested
// paging setup maps one-to-one into the guest's input-data window.
func (e *Engine) ResolvePage(windowIndex int) ([]byte, error) {
	if windowIndex < 0 || windowIndex >= len(e.pages) {
		return nil, fmt.Errorf("mutate: page index %d out of range [0,%d)", windowIndex, len(e.pages))
	}
	return e.pages[windowIndex], nil
}

// IsMutated reports whether MapAndMutate has produced at least one variant
// of the current input (as opposed to having just loaded it fresh).
func (e *Engine) IsMutated() bool { return e.mutationCount > 0 }

// IsDone reports whether every variant of the current input has been
// produced: for ModeBitFlip, every bit has been flipped once; for
// ModeRandomByte, the iteration cap has been reached or the input was
// empty to begin with.
func (e *Engine) IsDone() bool {
	switch e.mode {
	case ModeBitFlip:
		return e.mutationCount == e.totalBits
	default:
		return e.mutationCount == e.maxRandomIterations || len(e.current.Data) == 0
	}
}

// Data returns the bytes of the current variant as actually mapped into
// the window, named after the source input and the mutation step that
// produced it.
func (e *Engine) Data() (name string, data []byte) {
	n := len(e.current.Data)
	data = make([]byte, n)
	for i := 0; i < n; i++ {
		data[i] = e.pages[i/PageSize][i%PageSize]
	}
	return fmt.Sprintf("%s_%d", e.current.Name, e.mutationCount), data
}

// MapAndMutate advances the engine by one step. If the current input is
// exhausted, it consumes (or selects) the next one from c, copies it into
// the window, zeroing the remainder, and resets mutation state. Otherwise
// it produces the next variant of the current input in place.
//
// err is corpus.ErrExhausted once every worker has gone idle with nothing
// left to fuzz.
func (e *Engine) MapAndMutate(c *corpus.Corpus, activeWorkers *atomic.Int64) error {
	if !e.IsDone() && len(e.current.Data) > 0 {
		e.mutate()
		e.mutationCount++
		return nil
	}

	// §4.D: select (a non-destructive copy) in random mode, consume (pop,
	// with termination detection) in bit-flip mode — mutation_engine.rs
	// makes the same split between corpus.select_file() and
	// corpus.consume_file(...).
	if e.mode == ModeRandomByte {
		e.loadInput(c.Select())
		return nil
	}

	in, err := c.Consume(activeWorkers)
	if err != nil {
		return err
	}

	e.loadInput(in)
	return nil
}

func (e *Engine) loadInput(in corpus.Input) {
	e.current = in
	e.mutationCount = 0
	e.numUsed = 0
	e.totalBits = uint64(len(in.Data)) * 8

	if e.mode == ModeBitFlip {
		e.maxMutationCount = e.totalBits
	} else {
		e.maxMutationCount = e.maxRandomIterations
	}

	for i := range e.pages {
		for j := range e.pages[i] {
			e.pages[i][j] = 0
		}
	}
	for i, b := range in.Data {
		if i >= e.windowSize {
			break
		}
		e.pages[i/PageSize][i%PageSize] = b
	}
}

func (e *Engine) mutate() {
	if e.mode == ModeBitFlip {
		e.bitFlip()
	} else {
		e.byteChange()
	}
}

func (e *Engine) getByte(offset uint64) byte {
	return e.pages[offset/PageSize][offset%PageSize]
}

func (e *Engine) setByte(offset uint64, v byte) {
	e.pages[offset/PageSize][offset%PageSize] = v
}

// bitFlip un-flips the bit it set on the previous call, then flips the
// next bit in sequence: bit mutationCount%8 of byte (mutationCount/8)%4096
// of page mutationCount/8/4096.
func (e *Engine) bitFlip() {
	if e.mutationCount > 0 {
		prev := e.mutationCount - 1
		prevOffset := prev / 8
		prevBit := uint(prev % 8)
		e.setByte(prevOffset, e.getByte(prevOffset)^(1<<prevBit))
	}

	offset := e.mutationCount / 8
	bit := uint(e.mutationCount % 8)
	e.setByte(offset, e.getByte(offset)^(1<<bit))
}

// byteChange restores the offsets touched by the previous call, then picks
// 1 to maxRandomOffsets fresh offsets and overwrites each with a new random
// byte, remembering both so the next call can undo them.
func (e *Engine) byteChange() {
	for i := e.numUsed - 1; i >= 0; i-- {
		e.setByte(e.offsets[i], e.original[i])
	}

	n := len(e.current.Data)
	count := 1 + e.rng.Intn(maxRandomOffsets)
	e.numUsed = count
	for i := 0; i < count; i++ {
		offset := uint64(e.rng.Intn(n))
		e.offsets[i] = offset
		e.original[i] = e.getByte(offset)
		e.setByte(offset, byte(e.rng.Intn(256)))
	}
}
