package gate

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestUserMode(t *testing.T) {
	specs := []struct {
		cs  uint64
		exp bool
	}{
		{KernelCodeSelector, false},
		{UserCodeSelector, true},
		{0x1b, true},
		{0x08, false},
	}

	for specIndex, spec := range specs {
		regs := Registers{CS: spec.cs}
		if got := regs.UserMode(); got != spec.exp {
			t.Errorf("[spec %d] expected UserMode() for CS %x to be %t; got %t", specIndex, spec.cs, spec.exp, got)
		}
	}
}

func TestArgs(t *testing.T) {
	var regs Registers
	for n := 0; n < 7; n++ {
		regs.SetArg(n, uint64(n+1))
	}

	exp := []uint64{regs.RDI, regs.RSI, regs.RDX, regs.RCX, regs.R8, regs.R9}
	for n, v := range exp {
		if v != uint64(n+1) {
			t.Errorf("expected arg %d to be %d; got %d", n, n+1, v)
		}
	}

	regs.R10 = 0xbad
	if got := regs.Arg(3); got != 0xbad {
		t.Errorf("expected syscall arg 3 to be read from R10; got %x", got)
	}
	if got := regs.Arg(6); got != 0 {
		t.Errorf("expected out of range arg to be 0; got %d", got)
	}
}

func TestFrames(t *testing.T) {
	user := UserFrame(0x401000, 0x7ffff000)
	if !user.UserMode() || user.InstructionPointer() != 0x401000 || user.StackPointer() != 0x7ffff000 {
		t.Errorf("unexpected user frame: %+v", user)
	}
	if user.RFlags&FlagInterruptEnable == 0 {
		t.Error("expected user frame to have interrupts enabled")
	}

	kern := KernelFrame(0x1000, 0x2000)
	if kern.UserMode() {
		t.Error("expected kernel frame not to be in user mode")
	}

	tampered := Registers{CS: KernelCodeSelector, SS: KernelDataSelector, RFlags: FlagIOPL}
	tampered.SanitizeUser()
	if !tampered.UserMode() || tampered.SS != UserDataSelector {
		t.Errorf("expected sanitized frame to use user selectors; got CS=%x SS=%x", tampered.CS, tampered.SS)
	}
	if tampered.RFlags&FlagIOPL != 0 || tampered.RFlags&FlagInterruptEnable == 0 {
		t.Errorf("expected sanitized flags to drop IOPL and enable interrupts; got %x", tampered.RFlags)
	}
}

func TestDumpTo(t *testing.T) {
	regs := Registers{RAX: 1, RIP: 0xdead, CS: UserCodeSelector}

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	for _, exp := range []string{"RAX = 0000000000000001", "RIP = 000000000000dead", "CS  = 0000000000000033"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected dump to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestExtendedStateReset(t *testing.T) {
	var s ExtendedState
	s.FPU[100] = 0xff
	s.FSBase = 0x1234
	s.Reset()

	if got := binary.LittleEndian.Uint16(s.FPU[fxsaveFCWOffset:]); got != defaultFCW {
		t.Errorf("expected FCW to be %x; got %x", defaultFCW, got)
	}
	if got := binary.LittleEndian.Uint32(s.FPU[fxsaveMXCSROffset:]); got != defaultMXCSR {
		t.Errorf("expected MXCSR to be %x; got %x", defaultMXCSR, got)
	}
	if s.FPU[100] != 0 {
		t.Error("expected FPU area to be cleared")
	}
	if s.FSBase != 0x1234 {
		t.Error("expected segment bases to survive a reset")
	}
}

func TestInterruptTable(t *testing.T) {
	var (
		table InterruptTable
		regs  Registers
		calls int
	)

	if table.Dispatch(PageFaultException, &regs) {
		t.Fatal("expected dispatch without a handler to fail")
	}

	table.HandleInterrupt(PageFaultException, 0, func(r *Registers) {
		calls++
		r.RAX = 0xbadf00d
	})

	if !table.Dispatch(PageFaultException, &regs) {
		t.Fatal("expected dispatch to invoke the installed handler")
	}
	if calls != 1 || regs.RAX != 0xbadf00d {
		t.Fatalf("expected handler to run once and update the frame; got %d calls, RAX %x", calls, regs.RAX)
	}

	if table.Dispatch(GPFException, &regs) {
		t.Fatal("expected handlers to be registered per interrupt number")
	}
}
