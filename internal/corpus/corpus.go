// Package corpus is the shared pool of fuzzing inputs every worker draws
// from and feeds back into, plus the termination protocol that lets the
// last idle worker detect that fuzzing is complete.
package corpus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Input is one immutable (name, bytes) corpus member.
type Input struct {
	Name string
	Data []byte
}

// ErrExhausted is returned by Consume when every worker has gone idle with
// nothing left in the corpus: fuzzing is complete and the caller should
// wind down cleanly rather than treat this as a failure.
var ErrExhausted = errors.New("corpus: exhausted, fuzzing complete")

// spinDelay is how long Consume sleeps between polls of an empty corpus.
// The original spins with core::hint::spin_loop on bare metal with no
// competing scheduler; under a real OS a tight busy loop would just burn a
// core, so Consume sleeps between polls instead.
const spinDelay = time.Millisecond

// Corpus is a thread-safe pool of inputs supporting consume (LIFO pop),
// select (random copy), add, and remaining, all under one lock as §4.C
// and §5 specify.
type Corpus struct {
	mu      sync.Mutex
	entries []Input
}

// Load reads every regular file of dir as a corpus input, skipping
// subdirectories, and reports progress on a bar sized to the directory
// entry count. An empty directory is a startup error.
func Load(dir string) (*Corpus, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("corpus: read dir %s: %w", dir, err)
	}

	bar := progressbar.Default(int64(len(ents)), "loading corpus")

	c := &Corpus{}
	for _, ent := range ents {
		_ = bar.Add(1)
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("corpus: read %s: %w", ent.Name(), err)
		}
		c.entries = append(c.entries, Input{Name: ent.Name(), Data: data})
	}

	if len(c.entries) == 0 {
		return nil, fmt.Errorf("corpus: %s is empty", dir)
	}

	return c, nil
}

// Consume removes and returns the most recently added input (LIFO). If the
// corpus is empty, it first decrements activeWorkers, then polls until
// either a new input appears (in which case activeWorkers is incremented
// back before it is returned) or activeWorkers reaches zero, signaling that every
// worker is idle and fuzzing is complete.
func (c *Corpus) Consume(activeWorkers *atomic.Int64) (Input, error) {
	for {
		if in, ok := c.pop(); ok {
			return in, nil
		}

		if activeWorkers.Add(-1) == 0 {
			return Input{}, ErrExhausted
		}

		for {
			if in, ok := c.pop(); ok {
				activeWorkers.Add(1)
				return in, nil
			}
			if activeWorkers.Load() == 0 {
				return Input{}, ErrExhausted
			}
			time.Sleep(spinDelay)
		}
	}
}

func (c *Corpus) pop() (Input, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	if n == 0 {
		return Input{}, false
	}
	in := c.entries[n-1]
	c.entries = c.entries[:n-1]
	return in, true
}

// Select returns a copy of a randomly indexed entry without removing it.
// Randomness is drawn from the host's wall clock in nanoseconds in place of the
// original's rdtsc() read, per the timestamp-counter open question
// resolution recorded in SPEC_FULL.md.
func (c *Corpus) Select() Input {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := int(uint64(time.Now().UnixNano()) % uint64(len(c.entries)))
	src := c.entries[idx]
	data := make([]byte, len(src.Data))
	copy(data, src.Data)
	return Input{Name: src.Name, Data: data}
}

// Add appends a new input, typically one derived from a mutation that
// reached new coverage.
func (c *Corpus) Add(in Input) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, in)
}

// Remaining returns the number of inputs currently in the corpus.
func (c *Corpus) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
