package vt

import (
	"fmt"
	"time"
)

// interpreter is the shared software core both concrete backends wrap. It
// decodes only the x86-64 instruction subset needed to drive a guest
// through the scenarios this project exercises: INT3/UD2 markers, NOP,
// HLT, PAUSE, RET, short/near JMP, and byte-granular MOV between a
// register and memory. Anything else raises ExceptionInvalidOpcode,
// exactly as undecoded bytes would fault a real CPU — the interpreter
// just has a much smaller decode table than silicon does.
type interpreter struct {
	regs Registers
	pml4 *NestedPagingStructure

	entryFlags func(NestedPagingStructureEntryType) NestedPagingStructureEntryFlags
}

func newInterpreter(entryFlags func(NestedPagingStructureEntryType) NestedPagingStructureEntryFlags) *interpreter {
	return &interpreter{entryFlags: entryFlags}
}

func (vm *interpreter) initialize(pml4 *NestedPagingStructure) error {
	vm.pml4 = pml4
	return nil
}

func (vm *interpreter) revertRegisters(regs *Registers) {
	vm.regs = *regs
}

func (vm *interpreter) adjustRegisters(addr, size uint64) {
	// RDI/RSI convey the input-data window's base and length to the
	// guest, mirroring a simple calling convention a harness stub would
	// read on entry.
	vm.regs.RDI = addr
	vm.regs.RSI = size
}

func (vm *interpreter) registers() *Registers { return &vm.regs }

func (vm *interpreter) invalidateCaches() {}

// readByte returns the byte at gpa, or ok=false if it isn't currently
// translated (a nested page fault).
func (vm *interpreter) readByte(gpa uint64) (b byte, ok bool) {
	page, off, _, present := Lookup(vm.pml4, gpa)
	if !present {
		return 0, false
	}
	return page[off], true
}

func (vm *interpreter) writeByte(gpa uint64, v byte) (ok, writable bool) {
	page, off, flags, present := Lookup(vm.pml4, gpa)
	if !present {
		return false, false
	}
	if flags&FlagWrite == 0 {
		return true, false
	}
	page[off] = v
	return true, true
}

// run decodes and executes instructions starting at vm.regs.RIP until it
// reaches one the fuzzing engine must see, a deadline passes, or a memory
// access can't be translated.
func (vm *interpreter) run(deadline time.Time) (Exit, error) {
	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Exit{Kind: ExitTimerExpiration}, nil
		}

		op, ok := vm.readByte(vm.regs.RIP)
		if !ok {
			return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP, GPA: vm.regs.RIP, MissingTranslation: true}, nil
		}

		switch op {
		case 0xCC: // INT3
			return Exit{Kind: ExitException, RIP: vm.regs.RIP, Exception: ExceptionBreakpoint}, nil

		case 0x90: // NOP
			vm.regs.RIP++

		case 0xF4: // HLT
			vm.regs.RIP++
			return Exit{Kind: ExitShutdown, ShutdownCode: 0}, nil

		case 0xC3: // RET
			addr, ok := vm.readQword(vm.regs.RSP)
			if !ok {
				return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RSP, GPA: vm.regs.RSP, MissingTranslation: true}, nil
			}
			vm.regs.RSP += 8
			vm.regs.RIP = addr

		case 0xEB: // JMP rel8
			rel, ok := vm.readByte(vm.regs.RIP + 1)
			if !ok {
				return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP + 1, GPA: vm.regs.RIP + 1, MissingTranslation: true}, nil
			}
			vm.regs.RIP = vm.regs.RIP + 2 + uint64(int64(int8(rel)))

		case 0xE9: // JMP rel32
			rel, ok := vm.readDword(vm.regs.RIP + 1)
			if !ok {
				return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP + 1, GPA: vm.regs.RIP + 1, MissingTranslation: true}, nil
			}
			vm.regs.RIP = vm.regs.RIP + 5 + uint64(int64(int32(rel)))

		case 0x88, 0x8A: // MOV r/m8, r8 | MOV r8, r/m8
			exit, length, handled, err := vm.execMovByte(op)
			if err != nil {
				return Exit{}, err
			}
			if !handled {
				return exit, nil
			}
			vm.regs.RIP += length

		case 0xF3:
			next, ok := vm.readByte(vm.regs.RIP + 1)
			if !ok {
				return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP + 1, GPA: vm.regs.RIP + 1, MissingTranslation: true}, nil
			}
			if next != 0x90 {
				return Exit{Kind: ExitException, RIP: vm.regs.RIP, Exception: ExceptionInvalidOpcode}, nil
			}
			vm.regs.RIP += 2
			return Exit{Kind: ExitExternalInterruptOrPause, RIP: vm.regs.RIP}, nil

		case 0x0F:
			next, ok := vm.readByte(vm.regs.RIP + 1)
			if ok && next == 0x0B { // UD2
				return Exit{Kind: ExitException, RIP: vm.regs.RIP, Exception: ExceptionInvalidOpcode}, nil
			}
			return Exit{Kind: ExitException, RIP: vm.regs.RIP, Exception: ExceptionInvalidOpcode}, nil

		default:
			return Exit{Kind: ExitException, RIP: vm.regs.RIP, Exception: ExceptionInvalidOpcode}, nil
		}
	}
}

func (vm *interpreter) readQword(gpa uint64) (uint64, bool) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, ok := vm.readByte(gpa + uint64(i))
		if !ok {
			return 0, false
		}
		v |= uint64(b) << (8 * uint(i))
	}
	return v, true
}

func (vm *interpreter) readDword(gpa uint64) (uint32, bool) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, ok := vm.readByte(gpa + uint64(i))
		if !ok {
			return 0, false
		}
		v |= uint32(b) << (8 * uint(i))
	}
	return v, true
}

// regPtr returns a pointer to the 64-bit register ModRM index i names,
// using the standard x86-64 encoding order.
func (vm *interpreter) regPtr(i int) *uint64 {
	switch i {
	case 0:
		return &vm.regs.RAX
	case 1:
		return &vm.regs.RCX
	case 2:
		return &vm.regs.RDX
	case 3:
		return &vm.regs.RBX
	case 4:
		return &vm.regs.RSP
	case 5:
		return &vm.regs.RBP
	case 6:
		return &vm.regs.RSI
	case 7:
		return &vm.regs.RDI
	case 8:
		return &vm.regs.R8
	case 9:
		return &vm.regs.R9
	case 10:
		return &vm.regs.R10
	case 11:
		return &vm.regs.R11
	case 12:
		return &vm.regs.R12
	case 13:
		return &vm.regs.R13
	case 14:
		return &vm.regs.R14
	case 15:
		return &vm.regs.R15
	default:
		panic(fmt.Sprintf("vt: invalid register index %d", i))
	}
}

// execMovByte decodes the ModRM byte following a 0x88/0x8A opcode,
// supporting register-direct (mod==3) and simple register-indirect with
// no displacement and no SIB (mod==0, rm!=4,5) addressing — enough for a
// harness to exchange one byte with the input-data window.
func (vm *interpreter) execMovByte(op byte) (Exit, uint64, bool, error) {
	modrm, ok := vm.readByte(vm.regs.RIP + 1)
	if !ok {
		return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP + 1, GPA: vm.regs.RIP + 1, MissingTranslation: true}, 0, false, nil
	}

	mod := modrm >> 6
	regField := int((modrm >> 3) & 0x7)
	rm := int(modrm & 0x7)

	regPtr := vm.regPtr(regField)

	if mod == 3 {
		rmPtr := vm.regPtr(rm)
		if op == 0x88 {
			*rmPtr = (*rmPtr &^ 0xFF) | (*regPtr & 0xFF)
		} else {
			*regPtr = (*regPtr &^ 0xFF) | (*rmPtr & 0xFF)
		}
		return Exit{}, 2, true, nil
	}

	if mod != 0 || rm == 4 || rm == 5 {
		return Exit{Kind: ExitException, RIP: vm.regs.RIP, Exception: ExceptionInvalidOpcode}, 0, false, nil
	}

	addr := *vm.regPtr(rm)
	if op == 0x88 {
		ok, writable := vm.writeByte(addr, byte(*regPtr))
		if !ok {
			return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP, GPA: addr, MissingTranslation: true, WriteAccess: true}, 0, false, nil
		}
		if !writable {
			return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP, GPA: addr, WriteAccess: true}, 0, false, nil
		}
	} else {
		b, ok := vm.readByte(addr)
		if !ok {
			return Exit{Kind: ExitNestedPageFault, RIP: vm.regs.RIP, GPA: addr, MissingTranslation: true}, 0, false, nil
		}
		*regPtr = (*regPtr &^ 0xFF) | uint64(b)
	}
	return Exit{}, 2, true, nil
}
