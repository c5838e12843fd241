package snapshot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fuzzhv/snapfuzz/internal/patch"
)

// buildSnapshotFile writes a snapshot file with frameData frames (index by
// GFN) plus the metadata trailer describing ranges and regs.
func buildSnapshotFile(t *testing.T, frameData [][]byte, ranges []Range, regs Registers) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "snap.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	for _, frame := range frameData {
		if len(frame) != FrameSize {
			t.Fatalf("frame must be %d bytes, got %d", FrameSize, len(frame))
		}
		if _, err := f.Write(frame); err != nil {
			t.Fatalf("Write frame: %v", err)
		}
	}

	metadata, err := EncodeMetadata(ranges, regs)
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	if _, err := f.Write(metadata); err != nil {
		t.Fatalf("Write metadata: %v", err)
	}

	return path
}

func TestOpenTrivialPass(t *testing.T) {
	frame0 := make([]byte, FrameSize)
	frame0[0x10] = 0x0F
	frame0[0x11] = 0x0B // UD2
	frame1 := make([]byte, FrameSize)

	path := buildSnapshotFile(t, [][]byte{frame0, frame1}, []Range{{Base: 0, Count: 2}}, Registers{
		RIP:      0x10,
		GDTRBase: 0,
	})

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if !store.Contains(0) || !store.Contains(1) {
		t.Fatal("Contains should be true for GFN 0 and 1")
	}
	if store.Contains(2) {
		t.Fatal("Contains(2) should be false")
	}

	page, err := store.PageFor(0)
	if err != nil {
		t.Fatalf("PageFor(0): %v", err)
	}
	if page[0x10] != 0x0F || page[0x11] != 0x0B {
		t.Fatalf("page[0x10:0x12] = %x, want 0f 0b", page[0x10:0x12])
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, make([]byte, FrameSize*2), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected error for missing magic")
	}
}

func TestOpenRejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected error for non-multiple-of-4096 size")
	}
}

func TestPageForAppliesPatchOnFirstAccess(t *testing.T) {
	frame0 := make([]byte, FrameSize)
	frame0[0x10] = 0x0F // original opcode byte, to be overwritten with 0xCC

	path := buildSnapshotFile(t, [][]byte{frame0}, []Range{{Base: 0, Count: 1}}, Registers{})

	var buf bytes.Buffer
	if err := patch.Write(&buf, []patch.Entry{{Address: 0x10, Length: 1, Patch: 0xCC, Original: 0x0F}}); err != nil {
		t.Fatalf("patch.Write: %v", err)
	}
	patchPath := filepath.Join(t.TempDir(), "patches.bin")
	if err := os.WriteFile(patchPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	patches, err := patch.Load(patchPath)
	if err != nil {
		t.Fatalf("patch.Load: %v", err)
	}

	store, err := Open(path, patches)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	page, err := store.PageFor(0)
	if err != nil {
		t.Fatalf("PageFor(0): %v", err)
	}
	if page[0x10] != 0xCC {
		t.Fatalf("page[0x10] = %#x, want 0xCC (patch applied)", page[0x10])
	}

	if err := store.RevertPatchAt(0x10); err != nil {
		t.Fatalf("RevertPatchAt: %v", err)
	}
	if page[0x10] != 0x0F {
		t.Fatalf("page[0x10] = %#x after revert, want original 0x0F", page[0x10])
	}
}

func TestPageForOutsideRangeReturnsNil(t *testing.T) {
	path := buildSnapshotFile(t, [][]byte{make([]byte, FrameSize)}, []Range{{Base: 0, Count: 1}}, Registers{})
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	page, err := store.PageFor(5)
	if err != nil {
		t.Fatalf("PageFor(5): %v", err)
	}
	if page != nil {
		t.Fatalf("PageFor(5) = non-nil, want nil for GFN outside any range")
	}
}

func TestPageForIsIdempotent(t *testing.T) {
	frame0 := make([]byte, FrameSize)
	frame0[0] = 0x42
	path := buildSnapshotFile(t, [][]byte{frame0}, []Range{{Base: 0, Count: 1}}, Registers{})

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	p1, err := store.PageFor(0)
	if err != nil {
		t.Fatalf("PageFor(0) first call: %v", err)
	}
	p1[0] = 0x99 // simulate a later mutation through the returned slice

	p2, err := store.PageFor(0)
	if err != nil {
		t.Fatalf("PageFor(0) second call: %v", err)
	}
	if p2[0] != 0x99 {
		t.Fatalf("PageFor not idempotent: got %#x, want 0x99 (same backing frame)", p2[0])
	}
}

func TestWindowBaseGFNSitsAboveEveryRangePlusGuard(t *testing.T) {
	frames := make([][]byte, 4)
	for i := range frames {
		frames[i] = make([]byte, FrameSize)
	}
	ranges := []Range{{Base: 0, Count: 1}, {Base: 2, Count: 2}}
	path := buildSnapshotFile(t, frames, ranges, Registers{})

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	// Highest declared range covers GFN 2-3, so GFN 4 is the guard frame
	// and the window must start at GFN 5.
	if got, want := store.WindowBaseGFN(), uint64(5); got != want {
		t.Fatalf("WindowBaseGFN() = %d, want %d", got, want)
	}
	if store.Contains(store.WindowBaseGFN()) {
		t.Fatal("WindowBaseGFN() must not itself be a valid snapshot GFN")
	}
	if store.Contains(store.WindowBaseGFN() - 1) {
		t.Fatal("the frame directly below WindowBaseGFN() is the guard frame and must not be valid either")
	}
}
