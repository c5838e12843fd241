package vt

import "time"

// Backend is the hardware-virtualization operation set the fuzzing engine
// needs: arm the CPU for guest execution, hand it a translation tree, run
// it, and report permission flags for the entry types vm builds.
//
// No concrete Backend here issues real VMX/SVM/KVM ioctls. Both
// implementations share one software interpreter: KVM's contiguous
// memslot model can't express the page-granular, three-pool scatter
// copy-on-write this design needs, and real virtualization ioctl code
// can't be exercised without a hypervisor-capable kernel to run it
// against, which is unavailable here. Wrapping the shared core in
// Intel-style and AMD-style variants keeps the split the original
// hardware abstraction has, even though both run the identical
// interpreter underneath.
type Backend interface {
	// Enable performs whatever one-time setup the backend needs before
	// its first Initialize.
	Enable() error

	// Initialize arms the backend with the root of the nested paging
	// tree it will translate guest physical addresses through.
	Initialize(nestedPML4 *NestedPagingStructure) error

	// RevertRegisters loads regs as the guest state the next Run call
	// resumes from.
	RevertRegisters(regs *Registers)

	// AdjustRegisters is called after RevertRegisters to let the backend
	// point a guest register at the input-data window: addr is its guest
	// physical base and size its length in bytes.
	AdjustRegisters(addr, size uint64)

	// Run executes guest code until something the fuzzing engine must
	// handle occurs, or until deadline passes.
	Run(deadline time.Time) (Exit, error)

	// InvalidateCaches discards any backend-side translation cache after
	// the nested paging tree changes outside of Initialize.
	InvalidateCaches()

	// NPSEntryFlags returns the permission bits this backend wants on a
	// leaf entry of the given type.
	NPSEntryFlags(t NestedPagingStructureEntryType) NestedPagingStructureEntryFlags

	// Registers returns the live register set as of the last Run call.
	Registers() *Registers
}
