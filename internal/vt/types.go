// Package vt defines the hardware-virtualization surface the fuzzing
// engine drives: the nested paging structure shape and a Backend able to
// run guest code through it and report why it stopped. Two concrete
// Backends (Intel-style EPT and AMD-style NPT) wrap one shared software
// interpreter core, each with its own entry-permission function; both
// functions return the same flags for every entry type.
package vt

import "github.com/fuzzhv/snapfuzz/internal/snapshot"

// entriesPerTable is the fan-out of one level of nested paging: 512
// entries indexed by 9 address bits, matching a real PML4/PDPT/PD/PT.
const entriesPerTable = 512

// NestedPagingStructureEntryType names what an entry should be mapped as:
// a clean snapshot page, shared read-only, or a private dirty page copied
// for this CPU alone.
type NestedPagingStructureEntryType int

const (
	// EntryClean maps a page read+execute only: every CPU shares it
	// directly out of the snapshot and a write to it must fault.
	EntryClean NestedPagingStructureEntryType = iota
	// EntryDirty maps a page read+write+execute: a COW-copied frame
	// private to one CPU.
	EntryDirty
)

// NestedPagingStructureEntryFlags is the permission bitmask a Backend
// attaches to a leaf entry. Both concrete backends use these same bits.
type NestedPagingStructureEntryFlags uint8

const (
	FlagRead NestedPagingStructureEntryFlags = 1 << iota
	FlagWrite
	FlagExecute
)

// NestedPagingStructure is one level of the 4-level guest-physical to
// host-physical translation tree: PML4, PDPT, PD, or PT depending on
// depth. Building and walking it to add translations is internal/vm's
// job; vt only defines its shape and reads it to run code.
type NestedPagingStructure struct {
	Entries [entriesPerTable]NestedPagingStructureEntry
}

// NestedPagingStructureEntry is either an interior pointer to the next
// level (Next non-nil) or a leaf mapping directly into a backing page
// (Leaf non-nil), never both. Using typed fields instead of a PFN cast to
// a pointer keeps the tree entirely visible to the garbage collector.
type NestedPagingStructureEntry struct {
	Present bool
	Flags   NestedPagingStructureEntryFlags

	Next *NestedPagingStructure // interior entry
	Leaf []byte                 // leaf entry: exactly one page, aliases the real backing frame
}

// Lookup walks pml4 for gpa's translation without modifying the tree,
// returning the backing page, the byte offset within it, and the
// permissions recorded on the leaf entry. ok is false if any level of the
// walk is not present, which the caller reports as a nested page fault.
func Lookup(pml4 *NestedPagingStructure, gpa uint64) (page []byte, offset uint64, flags NestedPagingStructureEntryFlags, ok bool) {
	idx := func(shift uint) int { return int((gpa >> shift) & (entriesPerTable - 1)) }

	tbl := pml4
	for _, shift := range [...]uint{39, 30, 21} {
		e := &tbl.Entries[idx(shift)]
		if !e.Present || e.Next == nil {
			return nil, 0, 0, false
		}
		tbl = e.Next
	}

	e := &tbl.Entries[idx(12)]
	if !e.Present || e.Leaf == nil {
		return nil, 0, 0, false
	}
	return e.Leaf, gpa & 0xFFF, e.Flags, true
}

// Registers is the architectural register set a Backend runs from and
// returns on exit. It is the same layout a snapshot captures, since a
// guest's live state and its captured state share every field.
type Registers = snapshot.Registers

// ExitKind classifies why Backend.Run returned.
type ExitKind int

const (
	ExitNestedPageFault ExitKind = iota
	ExitException
	ExitExternalInterruptOrPause
	ExitTimerExpiration
	ExitShutdown
	ExitUnexpected
)

// ExceptionKind is the guest exception that produced an ExitException.
type ExceptionKind int

const (
	ExceptionBreakpoint ExceptionKind = iota
	ExceptionInvalidOpcode
	ExceptionPageFault
)

// Exit describes one reason Backend.Run stopped. Only the fields relevant
// to Kind are meaningful; the rest are zero.
type Exit struct {
	Kind ExitKind

	RIP                uint64
	GPA                uint64
	MissingTranslation bool
	WriteAccess        bool

	Exception ExceptionKind

	ShutdownCode   uint64
	UnexpectedCode uint64
}
