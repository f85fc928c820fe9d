package gate

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException is raised for segment errors, privileged instructions
	// executed outside ring-0 and accesses to reserved registers.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// TimerInterrupt is the vector of the local APIC timer that drives
	// preemption.
	TimerInterrupt = InterruptNumber(0x20)

	// SyscallInterrupt is the vector that the syscall entry stub forwards
	// to; the syscall number is stored in Registers.Info.
	SyscallInterrupt = InterruptNumber(0x80)
)

// InterruptTable maps interrupt numbers to handlers for a single core.
type InterruptTable struct {
	handlers [256]func(*Registers)
	ist      [256]uint8
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func (t *InterruptTable) HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	t.handlers[intNumber] = handler
	t.ist[intNumber] = istOffset
}

// Dispatch invokes the handler registered for intNumber and returns false if
// no handler is installed.
func (t *InterruptTable) Dispatch(intNumber InterruptNumber, regs *Registers) bool {
	handler := t.handlers[intNumber]
	if handler == nil {
		return false
	}

	handler(regs)
	return true
}
