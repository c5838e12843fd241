package patch

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patches.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func setFromEntries(t *testing.T, entries []Entry) *Set {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}
	set, err := Load(writeTempFile(t, buf.Bytes()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return set
}

func TestLoadSortsByAddress(t *testing.T) {
	entries := []Entry{
		{Address: 0x2010, Length: 1, Patch: 0xCC, Original: 0x90},
		{Address: 0x10, Length: 1, Patch: 0xCC, Original: 0x0F},
		{Address: 0x1000, Length: 4, Patch: 0xDEADBEEF, Original: 0},
	}
	set := setFromEntries(t, entries)

	got := set.Entries()
	if len(got) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Address >= got[i].Address {
			t.Fatalf("entries not sorted: %v", got)
		}
	}
}

func TestApplyAndRevertRoundTrip(t *testing.T) {
	entries := []Entry{
		{Address: 0x10, Length: 1, Patch: 0xCC, Original: 0x0F},
		{Address: 0x20, Length: 2, Patch: 0x1234, Original: 0x5678},
	}
	set := setFromEntries(t, entries)

	// The frame holds each entry's original bytes before patching, as a
	// snapshot frame does.
	frame := make([]byte, FrameSize)
	frame[0x10] = 0x0F
	frame[0x20], frame[0x21] = 0x78, 0x56
	original := make([]byte, FrameSize)
	copy(original, frame)

	n := set.Apply(0, frame)
	if n != 2 {
		t.Fatalf("Apply applied %d entries, want 2", n)
	}
	if frame[0x10] != 0xCC {
		t.Errorf("frame[0x10] = %#x, want 0xCC", frame[0x10])
	}
	if frame[0x20] != 0x34 || frame[0x21] != 0x12 {
		t.Errorf("frame[0x20:0x22] = %x, want 34 12", frame[0x20:0x22])
	}

	for _, e := range entries {
		set.Revert(e, frame)
	}
	if !bytes.Equal(frame, original) {
		t.Fatalf("frame after revert = %x, want the pre-patch frame", frame)
	}
}

func TestApplyOnlyMatchesOwnFrame(t *testing.T) {
	set := setFromEntries(t, []Entry{
		{Address: FrameSize + 4, Length: 1, Patch: 0xCC, Original: 0},
	})

	frame0 := make([]byte, FrameSize)
	if n := set.Apply(0, frame0); n != 0 {
		t.Fatalf("Apply(0, ...) applied %d entries, want 0", n)
	}

	frame1 := make([]byte, FrameSize)
	if n := set.Apply(1, frame1); n != 1 {
		t.Fatalf("Apply(1, ...) applied %d entries, want 1", n)
	}
	if frame1[4] != 0xCC {
		t.Errorf("frame1[4] = %#x, want 0xCC", frame1[4])
	}
}

func TestFind(t *testing.T) {
	set := setFromEntries(t, []Entry{
		{Address: 0x10, Length: 1, Patch: 0xCC, Original: 0x0F},
		{Address: 0x20, Length: 1, Patch: 0xCC, Original: 0x90},
	})

	e, ok := set.Find(0x20)
	if !ok {
		t.Fatal("Find(0x20) = false, want true")
	}
	if e.Original != 0x90 {
		t.Errorf("Find(0x20).Original = %#x, want 0x90", e.Original)
	}

	if _, ok := set.Find(0x30); ok {
		t.Error("Find(0x30) = true, want false")
	}
}
