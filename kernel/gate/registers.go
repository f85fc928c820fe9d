// Package gate describes the state captured when the CPU enters the kernel
// through an exception, an interrupt or a syscall.
package gate

import (
	"io"

	"gopherkern/kernel/kfmt"
)

// Segment selectors installed by the boot code. The low two bits of a
// selector hold its requested privilege level.
const (
	KernelCodeSelector = uint64(0x10)
	KernelDataSelector = uint64(0x18)
	UserDataSelector   = uint64(0x2b)
	UserCodeSelector   = uint64(0x33)

	selectorRPLMask = uint64(3)
)

// RFlags bits the kernel cares about.
const (
	FlagInterruptEnable = uint64(1 << 9)
	FlagIOPL            = uint64(3 << 12)
	flagReserved        = uint64(1 << 1)
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// UserMode returns true if the frame was captured while the CPU was
// executing user-mode code.
func (r *Registers) UserMode() bool {
	return r.CS&selectorRPLMask == 3
}

// InstructionPointer returns the address where execution resumes.
func (r *Registers) InstructionPointer() uintptr { return uintptr(r.RIP) }

// SetInstructionPointer updates the address where execution resumes.
func (r *Registers) SetInstructionPointer(ip uintptr) { r.RIP = uint64(ip) }

// StackPointer returns the stack pointer of the interrupted context.
func (r *Registers) StackPointer() uintptr { return uintptr(r.RSP) }

// SetStackPointer updates the stack pointer of the interrupted context.
func (r *Registers) SetStackPointer(sp uintptr) { r.RSP = uint64(sp) }

// SetArg sets the n-th (0-based) integer argument register according to the
// SysV calling convention. Arguments past the sixth are ignored.
func (r *Registers) SetArg(n int, value uint64) {
	switch n {
	case 0:
		r.RDI = value
	case 1:
		r.RSI = value
	case 2:
		r.RDX = value
	case 3:
		r.RCX = value
	case 4:
		r.R8 = value
	case 5:
		r.R9 = value
	}
}

// Arg returns the n-th (0-based) syscall argument. The syscall ABI passes
// the fourth argument in R10 instead of RCX.
func (r *Registers) Arg(n int) uint64 {
	switch n {
	case 0:
		return r.RDI
	case 1:
		return r.RSI
	case 2:
		return r.RDX
	case 3:
		return r.R10
	case 4:
		return r.R8
	case 5:
		return r.R9
	}
	return 0
}

// UserFrame returns a frame that starts executing user code at ip with the
// supplied stack pointer and interrupts enabled.
func UserFrame(ip, sp uintptr) Registers {
	return Registers{
		RIP:    uint64(ip),
		RSP:    uint64(sp),
		CS:     UserCodeSelector,
		SS:     UserDataSelector,
		RFlags: FlagInterruptEnable | flagReserved,
	}
}

// KernelFrame returns a frame that starts executing kernel code at ip with
// the supplied stack pointer and interrupts enabled.
func KernelFrame(ip, sp uintptr) Registers {
	return Registers{
		RIP:    uint64(ip),
		RSP:    uint64(sp),
		CS:     KernelCodeSelector,
		SS:     KernelDataSelector,
		RFlags: FlagInterruptEnable | flagReserved,
	}
}

// SanitizeUser forces the privileged parts of a frame restored from user
// memory back to values that keep the CPU in user mode.
func (r *Registers) SanitizeUser() {
	r.CS = UserCodeSelector
	r.SS = UserDataSelector
	r.RFlags = (r.RFlags &^ FlagIOPL) | FlagInterruptEnable | flagReserved
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}
