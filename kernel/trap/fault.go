// Package trap routes exceptions, timer interrupts and syscalls captured on
// a core to the memory manager, the scheduler and signal delivery.
package trap

import (
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/sched"
	"gopherkern/kernel/signal"
)

var (
	log = kfmt.NewLogger("trap")

	errUnrecoverableFault = &kernel.Error{Module: "trap", Message: "page/gpf fault"}
)

// Install registers the fault, timer and syscall handlers of the core driven
// by s in table.
func Install(table *gate.InterruptTable, s *sched.Scheduler) {
	table.HandleInterrupt(gate.PageFaultException, 0, func(regs *gate.Registers) {
		PageFault(s, regs, s.Core().ReadCR2())
		ReturnToUser(s, regs)
	})
	table.HandleInterrupt(gate.GPFException, 0, func(regs *gate.Registers) {
		GeneralProtectionFault(s, regs)
		ReturnToUser(s, regs)
	})
	table.HandleInterrupt(gate.TimerInterrupt, 0, func(regs *gate.Registers) {
		s.Schedule(regs)
		ReturnToUser(s, regs)
	})
	table.HandleInterrupt(gate.SyscallInterrupt, 0, func(regs *gate.Registers) {
		Syscall(s, regs)
		ReturnToUser(s, regs)
	})
}

// PageFault handles a page fault at faultAddress raised by the thread
// running on s. Copy-on-write and lazily backed pages are resolved first,
// then faults just below the thread's stack grow it. Any other user-mode
// fault raises SIGSEGV; kernel-mode faults are fatal.
func PageFault(s *sched.Scheduler, regs *gate.Registers, faultAddress uintptr) {
	t := s.Current()
	if t == nil {
		nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
		return
	}

	p := t.Process()
	if p.Memory.HandleCoW(faultAddress) {
		return
	}

	limit := s.Context().Config().StackLimit
	if stack := t.Stack; faultAddress < stack.StackTop && faultAddress >= stack.StackTop-limit {
		if stack.Expand(faultAddress) {
			return
		}
	}

	if !regs.UserMode() {
		nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
		return
	}

	log.Printf("process %d thread %d: segmentation fault at 0x%x (rip 0x%x)", p.ID, t.ID, faultAddress, regs.InstructionPointer())
	t.SignalState().Force(unix.SIGSEGV)
}

// GeneralProtectionFault raises SIGSEGV for user-mode faults. Kernel-mode
// faults are fatal.
func GeneralProtectionFault(s *sched.Scheduler, regs *gate.Registers) {
	t := s.Current()
	if t == nil || !regs.UserMode() {
		kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", s.Core().ReadCR2())
		kfmt.Printf("Registers:\n")
		regs.DumpTo(kfmt.GetOutputSink())

		panic(errUnrecoverableFault)
	}

	log.Printf("process %d thread %d: general protection fault (rip 0x%x)", t.ProcessID, t.ID, regs.InstructionPointer())
	t.SignalState().Force(unix.SIGSEGV)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}

// ReturnToUser runs before regs is loaded back into the core. Threads of
// terminated processes are switched out and pending signals of the thread
// about to resume are delivered.
func ReturnToUser(s *sched.Scheduler, regs *gate.Registers) {
	ctx := s.Context()
	for {
		t := s.Current()
		if t == nil || !regs.UserMode() {
			return
		}

		if ctx.StateOf(t) == sched.Terminated {
			s.Yield(regs)
			continue
		}

		signal.HandleSignal(regs, t)
		if ctx.StateOf(t) != sched.Terminated {
			return
		}
	}
}
