package vm

import (
	"testing"

	"github.com/fuzzhv/snapfuzz/internal/vt"
)

func newTestVM(t *testing.T) *VM {
	t.Helper()
	v, err := New(vt.NewIntelBackend(), 16, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestBuildTranslationResolvesThroughVt(t *testing.T) {
	v := newTestVM(t)
	frame := make([]byte, FrameSize)
	frame[0] = 0x42

	if err := v.BuildTranslation(0x2000, frame); err != nil {
		t.Fatalf("BuildTranslation: %v", err)
	}

	page, off, flags, ok := vt.Lookup(v.pml4, 0x2000)
	if !ok {
		t.Fatal("expected translation to be present")
	}
	if page[off] != 0x42 {
		t.Fatalf("page[%d] = %#x, want 0x42", off, page[off])
	}
	if flags&vt.FlagWrite != 0 {
		t.Fatal("a freshly built translation must not be writable")
	}
}

func TestBuildTranslationExhaustsPool(t *testing.T) {
	v, err := New(vt.NewIntelBackend(), 2, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, FrameSize)
	// Each gpa a full 512GB apart forces a fresh PML4-rooted chain of
	// interior nodes, so a 2-entry pool runs out almost immediately.
	for i := uint64(0); i < 10; i++ {
		gpa := i << 39
		if err := v.BuildTranslation(gpa, frame); err != nil {
			return
		}
	}
	t.Fatal("expected pool exhaustion error")
}

func TestCopyOnWriteRequiresExistingTranslation(t *testing.T) {
	v := newTestVM(t)
	if err := v.CopyOnWrite(0x3000, make([]byte, FrameSize)); err == nil {
		t.Fatal("expected error copying-on-write a gpa with no translation")
	}
}

func TestCopyOnWriteIsolatesWrites(t *testing.T) {
	v := newTestVM(t)
	shared := make([]byte, FrameSize)
	shared[0] = 0xAA
	if err := v.BuildTranslation(0x1000, shared); err != nil {
		t.Fatalf("BuildTranslation: %v", err)
	}

	if err := v.CopyOnWrite(0x1000, shared); err != nil {
		t.Fatalf("CopyOnWrite: %v", err)
	}

	page, _, flags, ok := vt.Lookup(v.pml4, 0x1000)
	if !ok {
		t.Fatal("expected translation after copy-on-write")
	}
	if flags&vt.FlagWrite == 0 {
		t.Fatal("a copy-on-write page must be writable")
	}
	page[0] = 0xFF

	if shared[0] != 0xAA {
		t.Fatal("write to the private copy leaked into the shared snapshot frame")
	}
	if v.DirtyPageCount() != 1 {
		t.Fatalf("DirtyPageCount() = %d, want 1", v.DirtyPageCount())
	}
}

func TestRevertDirtyMemoryRestoresSharedFrame(t *testing.T) {
	v := newTestVM(t)
	shared := make([]byte, FrameSize)
	shared[0] = 0xAA
	if err := v.BuildTranslation(0x1000, shared); err != nil {
		t.Fatalf("BuildTranslation: %v", err)
	}
	if err := v.CopyOnWrite(0x1000, shared); err != nil {
		t.Fatalf("CopyOnWrite: %v", err)
	}

	v.RevertDirtyMemory()

	page, _, flags, ok := vt.Lookup(v.pml4, 0x1000)
	if !ok {
		t.Fatal("expected translation to survive revert")
	}
	if flags&vt.FlagWrite != 0 {
		t.Fatal("reverted translation should be read-only again")
	}
	if page[0] != 0xAA {
		t.Fatalf("page[0] = %#x, want the shared frame's original 0xAA", page[0])
	}
	if v.DirtyPageCount() != 0 {
		t.Fatalf("DirtyPageCount() = %d, want 0 after revert", v.DirtyPageCount())
	}
}

func TestRevertDirtyMemoryIsIdempotent(t *testing.T) {
	v := newTestVM(t)
	shared := make([]byte, FrameSize)
	if err := v.BuildTranslation(0x1000, shared); err != nil {
		t.Fatalf("BuildTranslation: %v", err)
	}
	v.RevertDirtyMemory()
	v.RevertDirtyMemory() // must not panic with nothing dirty
}

func TestCopyOnWriteExhaustsDirtyPool(t *testing.T) {
	v, err := New(vt.NewIntelBackend(), 64, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	shared := make([]byte, FrameSize)
	if err := v.BuildTranslation(0x1000, shared); err != nil {
		t.Fatalf("BuildTranslation: %v", err)
	}
	if err := v.BuildTranslation(0x2000, shared); err != nil {
		t.Fatalf("BuildTranslation: %v", err)
	}

	if err := v.CopyOnWrite(0x1000, shared); err != nil {
		t.Fatalf("first CopyOnWrite: %v", err)
	}
	if err := v.CopyOnWrite(0x2000, shared); err == nil {
		t.Fatal("expected dirty page pool exhaustion on the second copy-on-write")
	}
}
