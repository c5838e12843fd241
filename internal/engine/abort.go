package engine

import "log/slog"

// AbortReason is why one guest execution was abandoned instead of running
// to its natural end marker. Most reasons are logged at warn since they
// usually indicate the mutated input found a real bug; a few are
// deliberately quiet because they're either expected (EndMarker, Hang) or
// too frequent to be useful at warn level (InvalidPageAccess).
type AbortReason int

const (
	UnhandledVmExit AbortReason = iota
	EndMarker
	InvalidPageAccess
	NullPageAccess
	NegativePageAccess
	InvalidInstruction
	UnexpectedBreakpoint
	UnexpectedPageFault
	ExcessiveMemoryWrite
	Hang
)

func (r AbortReason) String() string {
	switch r {
	case UnhandledVmExit:
		return "unhandled_vm_exit"
	case EndMarker:
		return "end_marker"
	case InvalidPageAccess:
		return "invalid_page_access"
	case NullPageAccess:
		return "null_page_access"
	case NegativePageAccess:
		return "negative_page_access"
	case InvalidInstruction:
		return "invalid_instruction"
	case UnexpectedBreakpoint:
		return "unexpected_breakpoint"
	case UnexpectedPageFault:
		return "unexpected_page_fault"
	case ExcessiveMemoryWrite:
		return "excessive_memory_write"
	case Hang:
		return "hang"
	default:
		return "unknown"
	}
}

// report logs reason at the level the original harness used, with rip and
// gpa (where applicable) attached as structured fields.
func (r AbortReason) report(log *slog.Logger, rip, gpa uint64, input string) {
	attrs := []any{slog.String("reason", r.String()), slog.String("input", input), slog.Uint64("rip", rip)}
	if gpa != 0 {
		attrs = append(attrs, slog.Uint64("gpa", gpa))
	}

	switch r {
	case InvalidPageAccess:
		// Too common to be worth a log line per occurrence; still counted
		// in stats.
	case EndMarker:
		log.Debug("guest reached end marker", attrs...)
	case Hang:
		log.Debug("guest execution timed out", attrs...)
	default:
		log.Warn("guest execution aborted", attrs...)
	}
}
