// Package snapshot reads a captured guest physical memory image and
// register set and answers, for any guest frame number, the page that
// should back it — reading it from the file lazily, on first access, and
// patching it in place exactly once.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fuzzhv/snapfuzz/internal/arena"
	"github.com/fuzzhv/snapfuzz/internal/patch"
)

// FrameSize is the naturally aligned unit every GFN/PA is expressed in.
const FrameSize = arena.PageSize

// Magic identifies the metadata frame: "SNAPSHOT" as a little-endian u64.
const Magic uint64 = 0x544F_4853_5041_4E53

// maxRanges is the number of (page_base, page_count) descriptors the
// metadata frame reserves room for.
const maxRanges = 47

const (
	metadataRangesOffset    = 0x10
	metadataRegistersOffset = 0x300
)

// Range is one captured span of guest frame numbers.
type Range struct {
	Base  uint64 // first GFN, in frames
	Count uint64 // number of frames
}

// ErrBadFormat is returned by Open when the file isn't a recognizable
// snapshot: wrong size, wrong magic, or a short read while parsing it.
var ErrBadFormat = fmt.Errorf("snapshot: bad format")

// Store owns the lazily paged-in guest physical memory of one snapshot and
// the register set captured alongside it. Apart from RevertPatchAt putting
// a patched byte back, a paged-in frame never changes again: every VM that
// reads it treats it as read-only, and copy-on-write is what isolates
// writes to private dirty pages instead.
type Store struct {
	mu sync.RWMutex

	file   *os.File
	ranges []Range

	registers Registers

	frames     []byte // arena-backed, frameCount*FrameSize bytes
	readBitmap []bool
	frameCount int

	patches *patch.Set
}

// Open parses the fixed-size metadata trailer of path, validates it, and
// returns a Store with an uninitialized (not-yet-read) frame arena sized to
// the rest of the file. It eagerly pages in the frame containing
// registers.GDTRBase, since VM setup needs to read the guest GDT before the
// first iteration runs.
func Open(path string, patches *patch.Set) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: stat %s: %w", path, err)
	}

	size := info.Size()
	if size < FrameSize || size%FrameSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s has size %d, not a positive multiple of %d", ErrBadFormat, path, size, FrameSize)
	}

	totalFrames := size / FrameSize
	frameCount := int(totalFrames - 1) // last frame is metadata

	metadataFrame := make([]byte, FrameSize)
	if _, err := f.ReadAt(metadataFrame, int64(frameCount)*FrameSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: reading metadata frame: %v", ErrBadFormat, path, err)
	}

	ranges, registers, err := parseMetadata(metadataFrame)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFormat, path, err)
	}

	mem, err := arena.New(frameCount * FrameSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: allocate frame arena: %w", err)
	}

	s := &Store{
		file:       f,
		ranges:     ranges,
		registers:  registers,
		frames:     mem,
		readBitmap: make([]bool, frameCount),
		frameCount: frameCount,
		patches:    patches,
	}

	gdtrGFN := registers.GDTRBase / FrameSize
	if _, err := s.PageFor(gdtrGFN); err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: paging in GDT frame: %w", err)
	}

	return s, nil
}

func parseMetadata(frame []byte) ([]Range, Registers, error) {
	magic := binary.LittleEndian.Uint64(frame[0:8])
	if magic != Magic {
		return nil, Registers{}, fmt.Errorf("signature not found")
	}

	var ranges []Range
	off := metadataRangesOffset
	for i := 0; i < maxRanges; i++ {
		base := binary.LittleEndian.Uint64(frame[off : off+8])
		count := binary.LittleEndian.Uint64(frame[off+8 : off+16])
		off += 16
		if count == 0 {
			break
		}
		ranges = append(ranges, Range{Base: base, Count: count})
	}

	r := bufio.NewReader(newSliceReader(frame[metadataRegistersOffset:]))
	var regs Registers
	if err := binary.Read(r, binary.LittleEndian, &regs); err != nil {
		return nil, Registers{}, fmt.Errorf("reading register set: %w", err)
	}

	return ranges, regs, nil
}

// EncodeMetadata builds the final, 4096-byte frame of a snapshot file:
// magic, up to maxRanges memory ranges, and the register set at their
// fixed offsets. It is exported for tests and for any future tool that
// assembles a snapshot file from scratch.
func EncodeMetadata(ranges []Range, regs Registers) ([]byte, error) {
	if len(ranges) > maxRanges {
		return nil, fmt.Errorf("snapshot: %d ranges exceeds the %d the format allows", len(ranges), maxRanges)
	}

	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint64(frame[0:8], Magic)

	off := metadataRangesOffset
	for _, r := range ranges {
		binary.LittleEndian.PutUint64(frame[off:off+8], r.Base)
		binary.LittleEndian.PutUint64(frame[off+8:off+16], r.Count)
		off += 16
	}

	buf := bufio.NewWriter(&sliceWriter{b: frame[metadataRegistersOffset:]})
	if err := binary.Write(buf, binary.LittleEndian, regs); err != nil {
		return nil, fmt.Errorf("snapshot: encode registers: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("snapshot: encode registers: %w", err)
	}

	return frame, nil
}

type sliceWriter struct {
	b   []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	if w.off+len(p) > len(w.b) {
		return 0, fmt.Errorf("snapshot: register set does not fit before end of metadata frame")
	}
	n := copy(w.b[w.off:], p)
	w.off += n
	return n, nil
}

func newSliceReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// Registers returns the register set captured in the snapshot.
func (s *Store) Registers() Registers { return s.registers }

// FrameCount returns the number of frames of guest physical memory backed
// by this snapshot, excluding the metadata frame.
func (s *Store) FrameCount() int { return s.frameCount }

// Contains reports whether gfn lies within one of the snapshot's declared
// memory ranges.
func (s *Store) Contains(gfn uint64) bool {
	for _, r := range s.ranges {
		if gfn >= r.Base && gfn < r.Base+r.Count {
			return true
		}
	}
	return false
}

// WindowBaseGFN returns the first guest frame number above every declared
// memory range, plus one inaccessible guard frame, as §3 defines the input
// data window's placement: "immediately above the last valid snapshot GFN,
// separated from it by one guard frame".
func (s *Store) WindowBaseGFN() uint64 {
	var max uint64
	for _, r := range s.ranges {
		if top := r.Base + r.Count; top > max {
			max = top
		}
	}
	return max + 1
}

// PageFor returns the frame backing gfn, reading it from the snapshot file
// and applying any patches on first access. Returns a nil frame and a nil
// error if gfn isn't covered by any declared memory range.
func (s *Store) PageFor(gfn uint64) ([]byte, error) {
	if !s.Contains(gfn) {
		return nil, nil
	}

	s.mu.RLock()
	if s.readBitmap[gfn] {
		frame := s.frameAt(gfn)
		s.mu.RUnlock()
		return frame, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another writer may have paged this frame in while we waited for the
	// exclusive lock.
	if s.readBitmap[gfn] {
		return s.frameAt(gfn), nil
	}

	frame := s.frameAt(gfn)
	if _, err := s.file.ReadAt(frame, int64(gfn)*FrameSize); err != nil {
		return nil, fmt.Errorf("snapshot: short read of frame %d: %w", gfn, err)
	}

	if s.patches != nil {
		s.patches.Apply(gfn, frame)
	}

	s.readBitmap[gfn] = true

	return frame, nil
}

func (s *Store) frameAt(gfn uint64) []byte {
	off := gfn * FrameSize
	return s.frames[off : off+FrameSize]
}

// RevertPatchAt locates the patch entry whose address equals rip and writes
// its original bytes back into the snapshot frame, undoing Apply. Used when
// a coverage breakpoint fires and the byte underneath must run natively.
func (s *Store) RevertPatchAt(rip uint64) error {
	if s.patches == nil {
		return nil
	}
	entry, ok := s.patches.Find(rip)
	if !ok {
		return nil
	}

	gfn := entry.Frame()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readBitmap[gfn] {
		return fmt.Errorf("snapshot: revert_patch_at: frame %d for rip %#x not yet paged in", gfn, rip)
	}

	s.patches.Revert(entry, s.frameAt(gfn))
	return nil
}

// Close releases the frame arena and the underlying file handle.
func (s *Store) Close() error {
	if err := arena.Free(s.frames); err != nil {
		s.file.Close()
		return fmt.Errorf("snapshot: free frame arena: %w", err)
	}
	return s.file.Close()
}
