package mutate

import (
	"sync/atomic"
	"testing"

	"github.com/fuzzhv/snapfuzz/internal/corpus"
)

func newCorpusWithOne(data []byte) *corpus.Corpus {
	c := &corpus.Corpus{}
	c.Add(corpus.Input{Name: "seed", Data: data})
	return c
}

func TestMapAndMutateLoadsFirstInput(t *testing.T) {
	c := newCorpusWithOne([]byte{0xAA, 0xBB})
	active := &atomic.Int64{}
	active.Store(1)

	e := New(ModeBitFlip, 1)
	if err := e.MapAndMutate(c, active); err != nil {
		t.Fatalf("MapAndMutate: %v", err)
	}

	name, data := e.Data()
	if name != "seed_0" {
		t.Fatalf("Data() name = %q, want seed_0", name)
	}
	if data[0] != 0xAA || data[1] != 0xBB {
		t.Fatalf("Data() = %x, want aabb", data)
	}
	if e.IsMutated() {
		t.Fatal("IsMutated should be false immediately after load")
	}
}

func TestBitFlipVisitsEachBitExactlyOnce(t *testing.T) {
	c := newCorpusWithOne([]byte{0x00})
	active := &atomic.Int64{}
	active.Store(1)

	e := New(ModeBitFlip, 1)
	if err := e.MapAndMutate(c, active); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	seen := make(map[byte]bool)
	for !e.IsDone() {
		if err := e.MapAndMutate(c, active); err != nil {
			t.Fatalf("MapAndMutate: %v", err)
		}
		_, data := e.Data()
		seen[data[0]] = true
	}

	if len(seen) != 8 {
		t.Fatalf("observed %d distinct single-bit variants, want 8", len(seen))
	}
	for bit := 0; bit < 8; bit++ {
		want := byte(1 << uint(bit))
		if !seen[want] {
			t.Errorf("missing variant with bit %d set (%#x)", bit, want)
		}
	}
}

func TestBitFlipRestoresPreviousBitBeforeNext(t *testing.T) {
	c := newCorpusWithOne([]byte{0x00, 0x00})
	active := &atomic.Int64{}
	active.Store(1)

	e := New(ModeBitFlip, 1)
	_ = e.MapAndMutate(c, active)

	_ = e.MapAndMutate(c, active)
	_, data := e.Data()
	if data[0] != 0x01 || data[1] != 0x00 {
		t.Fatalf("after first flip = %x, want 0100", data)
	}

	_ = e.MapAndMutate(c, active)
	_, data = e.Data()
	if data[0] != 0x02 || data[1] != 0x00 {
		t.Fatalf("after second flip = %x, want 0200 (first bit undone)", data)
	}
}

func TestBitFlipMovesToNextInputWhenDone(t *testing.T) {
	c := newCorpusWithOne([]byte{0x00})
	c.Add(corpus.Input{Name: "second", Data: []byte{0x55}})
	active := &atomic.Int64{}
	active.Store(1)

	e := New(ModeBitFlip, 1)
	_ = e.MapAndMutate(c, active) // loads "second" (LIFO)

	for i := 0; i < 8; i++ {
		if err := e.MapAndMutate(c, active); err != nil {
			t.Fatalf("bit step %d: %v", i, err)
		}
	}
	if !e.IsDone() {
		t.Fatal("expected IsDone after 8 bit flips of a 1-byte input")
	}

	if err := e.MapAndMutate(c, active); err != nil {
		t.Fatalf("load next input: %v", err)
	}
	name, _ := e.Data()
	if name != "seed_0" {
		t.Fatalf("Data() name = %q, want seed_0 after moving to next input", name)
	}
}

func TestRandomByteModeRespectsIterationCap(t *testing.T) {
	data := make([]byte, 16)
	c := newCorpusWithOne(data)
	active := &atomic.Int64{}
	active.Store(1)

	e := New(ModeRandomByte, 1)
	_ = e.MapAndMutate(c, active)

	if e.IsDone() {
		t.Fatal("freshly loaded non-empty input should not be done")
	}

	for i := 0; i < MaxIterationCountPerFile; i++ {
		if err := e.MapAndMutate(c, active); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if !e.IsDone() {
		t.Fatal("expected IsDone once MaxIterationCountPerFile steps have run")
	}
}

func TestMapAndMutateExhaustedPropagatesSentinel(t *testing.T) {
	c := &corpus.Corpus{}
	active := &atomic.Int64{}
	active.Store(1)

	e := New(ModeBitFlip, 1)
	if err := e.MapAndMutate(c, active); err != corpus.ErrExhausted {
		t.Fatalf("MapAndMutate error = %v, want corpus.ErrExhausted", err)
	}
}

func TestResolvePageBounds(t *testing.T) {
	e := New(ModeBitFlip, 2)
	if _, err := e.ResolvePage(0); err != nil {
		t.Fatalf("ResolvePage(0): %v", err)
	}
	if _, err := e.ResolvePage(1); err != nil {
		t.Fatalf("ResolvePage(1): %v", err)
	}
	if _, err := e.ResolvePage(2); err == nil {
		t.Fatal("expected error for out-of-range page index")
	}
}
