package signal

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/gate"
)

const (
	// redZoneSize bytes below the interrupted stack pointer belong to the
	// interrupted function and are skipped.
	redZoneSize = 128

	stackAlignment = 16

	// FlagNoDefer leaves the delivered signal unmasked while its handler
	// runs.
	FlagNoDefer = uint64(0x40000000)
)

// StackInfo is the snapshot pushed on the user stack when a signal is
// delivered. It is stored little-endian in field order.
type StackInfo struct {
	Regs   gate.Registers
	FPU    [512]byte
	FSBase uint64
	GSBase uint64

	// Mask is the thread's signal mask before delivery.
	Mask uint64

	Signal uint64

	// Prev is the address of the StackInfo of the handler that was
	// interrupted by this delivery, or 0.
	Prev uint64
}

// StackInfoSize is the encoded size of StackInfo.
var StackInfoSize = uintptr(binary.Size(StackInfo{}))

// HandleSignal delivers the next pending signal to t. It only acts on frames
// captured in user mode. If a user handler is installed for the signal, a
// StackInfo is pushed on the user stack below the red zone and regs is
// rewritten so that the interrupted context resumes in the process's
// trampoline with the signal number, the handler address and the StackInfo
// address as arguments. HandleSignal returns true if a handler frame was
// installed.
//
// Ignored signals are discarded. Signals whose default action is to
// terminate kill the process and HandleSignal returns false.
func HandleSignal(regs *gate.Registers, t Thread) bool {
	if !regs.UserMode() {
		return false
	}

	// Kill takes the scheduler lock, which ranks above the signal state
	// lock, so it runs after dispatch releases the latter.
	kill, delivered := dispatch(regs, t)
	if kill != 0 {
		t.Kill(kill)
	}
	return delivered
}

// dispatch returns the signal that must kill the thread's process, if any,
// and whether a handler frame was installed.
func dispatch(regs *gate.Registers, t Thread) (unix.Signal, bool) {
	state := t.SignalState()
	state.lock.Acquire()
	defer state.lock.Release()

	actions := t.SignalActions()
	for {
		sig := state.next()
		if sig == 0 {
			return 0, false
		}

		h := actions.Get(sig)
		if unmaskable.Has(sig) {
			h = Handler{}
		}

		switch h.Handler {
		case HandlerIgnore:
			continue
		case HandlerDefault:
			if ignoredByDefault.Has(sig) {
				continue
			}

			log.Printf("terminating process: unhandled signal %d (%s)", int(sig), unix.SignalName(sig))
			return sig, false
		}

		if !deliver(regs, t, state, actions.Trampoline(), sig, h) {
			return unix.SIGSEGV, false
		}
		return 0, true
	}
}

func deliver(regs *gate.Registers, t Thread, state *State, trampoline uintptr, sig unix.Signal, h Handler) bool {
	if trampoline == 0 {
		panic(errNoTrampoline)
	}

	ext := t.ExtendedState()
	info := StackInfo{
		Regs:   *regs,
		FPU:    ext.FPU,
		FSBase: ext.FSBase,
		GSBase: ext.GSBase,
		Mask:   uint64(state.mask),
		Signal: uint64(sig),
		Prev:   uint64(state.frame),
	}

	var (
		infoAddr = (regs.StackPointer() - redZoneSize - StackInfoSize) &^ (stackAlignment - 1)
		retAddr  = infoAddr - 8
		buf      bytes.Buffer
	)

	// The return slot holds the trampoline address so that a handler that
	// returns normally lands in the trampoline as well.
	_ = binary.Write(&buf, binary.LittleEndian, uint64(trampoline))
	_ = binary.Write(&buf, binary.LittleEndian, &info)

	if err := t.PageTable().WriteUser(retAddr, buf.Bytes()); err != nil {
		log.Printf("unable to push signal frame for signal %d at 0x%x: %s", int(sig), retAddr, err.Message)
		return false
	}

	regs.SetInstructionPointer(trampoline)
	regs.SetStackPointer(retAddr)
	regs.SetArg(0, uint64(sig))
	regs.SetArg(1, uint64(h.Handler))
	regs.SetArg(2, uint64(infoAddr))

	state.mask |= h.Mask
	if h.Flags&FlagNoDefer == 0 {
		state.mask = state.mask.Add(sig)
	}
	state.mask &^= unmaskable
	state.frame = infoAddr

	ext.Reset()
	return true
}

// RestoreHandleSignal is invoked by the rt_sigreturn syscall. It reads back
// the StackInfo of the innermost active handler and restores the registers,
// the extended state and the signal mask that were saved when the signal
// was delivered.
func RestoreHandleSignal(regs *gate.Registers, t Thread) *kernel.Error {
	state := t.SignalState()
	state.lock.Acquire()
	defer state.lock.Release()

	if state.frame == 0 {
		return ErrNoSignalFrame
	}

	buf := make([]byte, StackInfoSize)
	if err := t.PageTable().ReadUser(state.frame, buf); err != nil {
		return err
	}

	var info StackInfo
	_ = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &info)

	*regs = info.Regs
	regs.SanitizeUser()

	ext := t.ExtendedState()
	ext.FPU = info.FPU
	ext.FSBase = info.FSBase
	ext.GSBase = info.GSBase

	state.mask = Set(info.Mask) &^ unmaskable
	state.frame = uintptr(info.Prev)
	return nil
}
