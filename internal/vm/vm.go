// Package vm owns one CPU's view of guest physical memory: the nested
// paging tree that maps it, the bounded pools that back new translations
// and copy-on-write pages, and the revert that undoes a run's writes
// before the next one starts. internal/vt defines the tree's shape and
// runs code through it; this package is the only thing that builds or
// mutates it.
package vm

import (
	"fmt"

	"github.com/fuzzhv/snapfuzz/internal/arena"
	"github.com/fuzzhv/snapfuzz/internal/vt"
)

// FrameSize is the page granularity every translation and dirty page
// shares with the snapshot it maps.
const FrameSize = arena.PageSize

// dirtyRecord remembers what a copy-on-write overwrote so RevertDirtyMemory
// can put it back: the leaf entry itself, plus the leaf and flags it held
// before the fault.
type dirtyRecord struct {
	entry         *vt.NestedPagingStructureEntry
	originalLeaf  []byte
	originalFlags vt.NestedPagingStructureEntryFlags
}

// VM is one CPU's nested paging tree plus the two bounded pools it draws
// from: interior nodes for new translations, and private pages for
// copy-on-write faults. Both pools are fixed-size arenas sized at
// construction, matching the original's static per-CPU allocation. Neither
// pool grows: BuildTranslation and CopyOnWrite return an error once their
// pool is used up. The dirty pool is emptied again by RevertDirtyMemory;
// the nested paging pool is never returned to.
type VM struct {
	Backend vt.Backend

	pml4 *vt.NestedPagingStructure

	npsPool    []vt.NestedPagingStructure
	usedNPS    int
	dirtyPages [][]byte
	usedDirty  int

	dirty []dirtyRecord
}

// New allocates a VM's nested paging and dirty page pools and arms
// backend with the resulting (initially empty) translation tree.
func New(backend vt.Backend, nestedPagingPoolSize, dirtyPagePoolSize int) (*VM, error) {
	pml4 := &vt.NestedPagingStructure{}

	mem, err := arena.New(dirtyPagePoolSize * FrameSize)
	if err != nil {
		return nil, fmt.Errorf("vm: allocate dirty page pool: %w", err)
	}
	dirtyPages := make([][]byte, dirtyPagePoolSize)
	for i := range dirtyPages {
		dirtyPages[i] = mem[i*FrameSize : (i+1)*FrameSize]
	}

	if err := backend.Initialize(pml4); err != nil {
		return nil, fmt.Errorf("vm: initialize backend: %w", err)
	}

	return &VM{
		Backend:    backend,
		pml4:       pml4,
		npsPool:    make([]vt.NestedPagingStructure, nestedPagingPoolSize),
		dirtyPages: dirtyPages,
	}, nil
}

func pageIndex(gpa uint64, shift uint) int { return int((gpa >> shift) & 0x1FF) }

// BuildTranslation maps gpa to pa, allocating any interior nodes the walk
// needs from the nested paging pool. The new leaf is always mapped clean
// (read+execute only): the snapshot's backing frames are shared read-only
// across every CPU, and CopyOnWrite is what gives one CPU a private
// writable copy.
func (v *VM) BuildTranslation(gpa uint64, pa []byte) error {
	tbl := v.pml4
	for _, shift := range [...]uint{39, 30, 21} {
		e := &tbl.Entries[pageIndex(gpa, shift)]
		if !e.Present {
			next, err := v.allocNPS()
			if err != nil {
				return fmt.Errorf("vm: build_translation gpa %#x: %w", gpa, err)
			}
			e.Present = true
			e.Next = next
		}
		tbl = e.Next
	}

	leaf := &tbl.Entries[pageIndex(gpa, 12)]
	leaf.Present = true
	leaf.Leaf = pa
	leaf.Flags = v.Backend.NPSEntryFlags(vt.EntryClean)
	return nil
}

func (v *VM) allocNPS() (*vt.NestedPagingStructure, error) {
	if v.usedNPS >= len(v.npsPool) {
		return nil, fmt.Errorf("nested paging structure pool exhausted (%d entries)", len(v.npsPool))
	}
	nps := &v.npsPool[v.usedNPS]
	v.usedNPS++
	return nps, nil
}

// lookupEntry walks an already-built translation without allocating,
// returning an error if any level is missing.
func (v *VM) lookupEntry(gpa uint64) (*vt.NestedPagingStructureEntry, error) {
	tbl := v.pml4
	for _, shift := range [...]uint{39, 30, 21} {
		e := &tbl.Entries[pageIndex(gpa, shift)]
		if !e.Present || e.Next == nil {
			return nil, fmt.Errorf("gpa %#x has no existing translation", gpa)
		}
		tbl = e.Next
	}
	leaf := &tbl.Entries[pageIndex(gpa, 12)]
	if !leaf.Present {
		return nil, fmt.Errorf("gpa %#x has no existing translation", gpa)
	}
	return leaf, nil
}

// CopyOnWrite gives gpa a private, writable copy of copyFrom, drawn from
// the dirty page pool, and records enough to undo it later. gpa must
// already have a translation from BuildTranslation; CopyOnWrite retargets
// it, it doesn't create one.
func (v *VM) CopyOnWrite(gpa uint64, copyFrom []byte) error {
	if v.usedDirty >= len(v.dirtyPages) {
		return fmt.Errorf("vm: copy_on_write gpa %#x: dirty page pool exhausted (%d pages)", gpa, len(v.dirtyPages))
	}

	entry, err := v.lookupEntry(gpa)
	if err != nil {
		return fmt.Errorf("vm: copy_on_write: %w", err)
	}

	dst := v.dirtyPages[v.usedDirty]
	copy(dst, copyFrom)

	v.dirty = append(v.dirty, dirtyRecord{
		entry:         entry,
		originalLeaf:  entry.Leaf,
		originalFlags: entry.Flags,
	})
	v.usedDirty++

	entry.Leaf = dst
	entry.Flags = v.Backend.NPSEntryFlags(vt.EntryDirty)
	return nil
}

// RevertDirtyMemory retargets every copy-on-write entry back to the
// shared clean page it came from, and tells the backend to drop any
// cached translations for them. The dirty frames themselves are left as
// they are: they're simply detached, not zeroed, and get reused (and
// overwritten) the next time CopyOnWrite draws from the pool.
func (v *VM) RevertDirtyMemory() {
	if len(v.dirty) == 0 {
		return
	}
	for _, d := range v.dirty {
		d.entry.Leaf = d.originalLeaf
		d.entry.Flags = d.originalFlags
	}
	v.dirty = v.dirty[:0]
	v.usedDirty = 0
	v.Backend.InvalidateCaches()
}

// DirtyPageCount returns how many copy-on-write pages are currently in
// use, for stats reporting.
func (v *VM) DirtyPageCount() int { return v.usedDirty }

// MarkWritable upgrades gpa's existing translation to the backend's dirty
// permission set, permanently rather than through the copy-on-write pool.
// Used for private buffers — like a worker's input-data window — that
// need to be writable from the start and never need to be reverted to a
// shared clean page.
func (v *VM) MarkWritable(gpa uint64) error {
	entry, err := v.lookupEntry(gpa)
	if err != nil {
		return fmt.Errorf("vm: mark_writable: %w", err)
	}
	entry.Flags = v.Backend.NPSEntryFlags(vt.EntryDirty)
	return nil
}

// ReadByte returns the byte at gpa if it's currently translated. Used by
// the fuzzing loop to disambiguate an invalid-opcode exception (is the
// faulting instruction literally UD2, the designated end marker, or some
// other invalid encoding the mutator produced).
func (v *VM) ReadByte(gpa uint64) (byte, bool) {
	page, off, _, ok := vt.Lookup(v.pml4, gpa)
	if !ok {
		return 0, false
	}
	return page[off], true
}
