package snapshot

// Registers is the full captured architectural state of a snapshot, as
// enumerated in §3: segment selectors and bases, descriptor table
// pointers, control registers, general-purpose registers, and the SYSENTER
// MSRs. Field order here is this program's own on-disk layout; nothing
// outside this repository reads it.
type Registers struct {
	GDTRBase  uint64
	GDTRLimit uint16
	IDTRBase  uint64
	IDTRLimit uint16

	ES, CS, SS, DS, FS, GS uint16
	LDTR, TR               uint16

	FSBase, GSBase   uint64
	LDTRBase, TRBase uint64

	EFER uint64
	CR0  uint64
	CR3  uint64
	CR4  uint64

	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RSP, RFLAGS uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64
}
