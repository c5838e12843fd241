package vt

import "time"

// amdEntryFlags mirrors AMD NPT's permission encoding, which (unlike
// Intel's) ties write access to read access being set — a distinction
// without a difference for the entry types this project produces, since
// every entry here is already at least readable.
func amdEntryFlags(t NestedPagingStructureEntryType) NestedPagingStructureEntryFlags {
	switch t {
	case EntryDirty:
		return FlagRead | FlagWrite | FlagExecute
	default:
		return FlagRead | FlagExecute
	}
}

// AMDBackend is the NPT-flavored software Backend.
type AMDBackend struct {
	vm *interpreter
}

// NewAMDBackend returns a Backend that behaves identically to
// NewIntelBackend; its NPSEntryFlags returns the same flags as well.
func NewAMDBackend() *AMDBackend {
	return &AMDBackend{vm: newInterpreter(amdEntryFlags)}
}

func (b *AMDBackend) Enable() error { return nil }

func (b *AMDBackend) Initialize(pml4 *NestedPagingStructure) error { return b.vm.initialize(pml4) }

func (b *AMDBackend) RevertRegisters(regs *Registers) { b.vm.revertRegisters(regs) }

func (b *AMDBackend) AdjustRegisters(addr, size uint64) { b.vm.adjustRegisters(addr, size) }

func (b *AMDBackend) Run(deadline time.Time) (Exit, error) { return b.vm.run(deadline) }

func (b *AMDBackend) InvalidateCaches() { b.vm.invalidateCaches() }

func (b *AMDBackend) NPSEntryFlags(t NestedPagingStructureEntryType) NestedPagingStructureEntryFlags {
	return amdEntryFlags(t)
}

func (b *AMDBackend) Registers() *Registers { return b.vm.registers() }
