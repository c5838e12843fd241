package vt

import "time"

// intelEntryFlags mirrors Intel EPT's read/write/execute permission bits:
// all three are independent and EPT requires at least read to be set for
// an entry to be used at all, which every entry type here satisfies.
func intelEntryFlags(t NestedPagingStructureEntryType) NestedPagingStructureEntryFlags {
	switch t {
	case EntryDirty:
		return FlagRead | FlagWrite | FlagExecute
	default:
		return FlagRead | FlagExecute
	}
}

// IntelBackend is the EPT-flavored software Backend: an interpreter whose
// leaf permissions follow Intel's RWX-independent encoding.
type IntelBackend struct {
	vm *interpreter
}

// NewIntelBackend returns a Backend that behaves identically to
// NewAMDBackend; its NPSEntryFlags returns the same flags as well.
func NewIntelBackend() *IntelBackend {
	return &IntelBackend{vm: newInterpreter(intelEntryFlags)}
}

func (b *IntelBackend) Enable() error { return nil }

func (b *IntelBackend) Initialize(pml4 *NestedPagingStructure) error { return b.vm.initialize(pml4) }

func (b *IntelBackend) RevertRegisters(regs *Registers) { b.vm.revertRegisters(regs) }

func (b *IntelBackend) AdjustRegisters(addr, size uint64) { b.vm.adjustRegisters(addr, size) }

func (b *IntelBackend) Run(deadline time.Time) (Exit, error) { return b.vm.run(deadline) }

func (b *IntelBackend) InvalidateCaches() { b.vm.invalidateCaches() }

func (b *IntelBackend) NPSEntryFlags(t NestedPagingStructureEntryType) NestedPagingStructureEntryFlags {
	return intelEntryFlags(t)
}

func (b *IntelBackend) Registers() *Registers { return b.vm.registers() }
