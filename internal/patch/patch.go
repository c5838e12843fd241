// Package patch implements the byte-level overwrite list applied to
// snapshot pages as they're paged in, and reverted again when a coverage
// breakpoint fires.
package patch

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// FrameSize is the page granularity patches and the snapshot they apply to
// share.
const FrameSize = 4096

// maxLength is the widest overwrite a single entry may describe: a 0xCC
// coverage breakpoint is one byte, but the format allows up to a dword so a
// harness-specific patch set can overwrite a whole instruction.
const maxLength = 4

// Entry is one overwrite: Patch bytes replace Original bytes at Address,
// length Length, and Revert restores Original.
type Entry struct {
	Address  uint64
	Length   uint8
	Patch    uint32
	Original uint32
}

// rawEntry is the on-disk encoding: a fixed-size record so the file can be
// parsed without any length-prefixed strings or self-describing framing.
type rawEntry struct {
	Address  uint64
	Length   uint32
	Patch    uint32
	Original uint32
}

// patchBytes returns the low Length bytes of Patch, little-endian.
func (e Entry) patchBytes() []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], e.Patch)
	return b[:e.Length]
}

func (e Entry) originalBytes() []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], e.Original)
	return b[:e.Length]
}

// Frame returns the guest frame number this entry falls within.
func (e Entry) Frame() uint64 { return e.Address / FrameSize }

// Offset returns this entry's byte offset within its frame.
func (e Entry) Offset() uint64 { return e.Address % FrameSize }

// Set is the parsed, address-sorted patch file: a flat ordered list of
// Entry, searched by frame number in Apply and by exact address in Find.
type Set struct {
	entries []Entry
}

// Load parses a patch file: a little-endian uint64 entry count followed by
// that many fixed-size records, then sorts the result by Address as §4.B
// requires (the file need not already be sorted).
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("patch: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("patch: read entry count: %w", err)
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var raw rawEntry
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("patch: read entry %d: %w", i, err)
		}
		if raw.Length == 0 || raw.Length > maxLength {
			return nil, fmt.Errorf("patch: entry %d has invalid length %d", i, raw.Length)
		}
		entries = append(entries, Entry{
			Address:  raw.Address,
			Length:   uint8(raw.Length),
			Patch:    raw.Patch,
			Original: raw.Original,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

	return &Set{entries: entries}, nil
}

// Entries returns the sorted patch entries. The returned slice must not be
// modified by the caller.
func (s *Set) Entries() []Entry { return s.entries }

// Apply overwrites frame (the contents of guest frame number gfn) with every
// entry that falls inside it, and returns how many were applied. It relies
// on Set being sorted by Address, so all entries for one frame occupy a
// contiguous range found by binary search.
func (s *Set) Apply(gfn uint64, frame []byte) int {
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Frame() >= gfn })
	hi := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Frame() > gfn })

	for _, e := range s.entries[lo:hi] {
		off := e.Offset()
		copy(frame[off:off+uint64(e.Length)], e.patchBytes())
	}

	return hi - lo
}

// Find returns the unique entry whose Address equals rip.
func (s *Set) Find(rip uint64) (Entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Address >= rip })
	if i < len(s.entries) && s.entries[i].Address == rip {
		return s.entries[i], true
	}
	return Entry{}, false
}

// Revert writes e's original bytes back into frame at e's offset. frame
// must be the snapshot frame e.Frame() identifies.
func (s *Set) Revert(e Entry, frame []byte) {
	off := e.Offset()
	copy(frame[off:off+uint64(e.Length)], e.originalBytes())
}

// Write serializes entries (which need not be pre-sorted) to w in the
// on-disk format Load expects. It exists so tests and tooling can produce
// patch files without hand-rolling the binary layout.
func Write(w io.Writer, entries []Entry) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(entries))); err != nil {
		return fmt.Errorf("patch: write entry count: %w", err)
	}
	for _, e := range entries {
		raw := rawEntry{
			Address:  e.Address,
			Length:   uint32(e.Length),
			Patch:    e.Patch,
			Original: e.Original,
		}
		if err := binary.Write(w, binary.LittleEndian, raw); err != nil {
			return fmt.Errorf("patch: write entry: %w", err)
		}
	}
	return nil
}
