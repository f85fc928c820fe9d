package trap

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/sched"
	"gopherkern/kernel/signal"
)

// Syscall numbers of the amd64 Linux ABI.
const (
	sysBrk           = 12
	sysRtSigaction   = 13
	sysRtSigprocmask = 14
	sysRtSigreturn   = 15
	sysSchedYield    = 24
	sysGetpid        = 39
	sysFork          = 57
	sysExit          = 60
	sysKill          = 62
	sysExitGroup     = 231
)

const (
	// FlagRestorer marks a sigaction whose restorer field holds the
	// signal trampoline.
	FlagRestorer = uint64(0x04000000)

	sigsetSize = 8
)

var (
	// ErrNotImplemented is returned for unknown syscall numbers.
	ErrNotImplemented = &kernel.Error{Module: "trap", Message: "syscall not implemented", Errno: unix.ENOSYS}

	// ErrInvalidArgument is returned for malformed syscall arguments.
	ErrInvalidArgument = &kernel.Error{Module: "trap", Message: "invalid syscall argument", Errno: unix.EINVAL}
)

// sigaction is the user-visible layout of struct sigaction.
type sigaction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

var sigactionSize = uintptr(binary.Size(sigaction{}))

// Syscall services the syscall whose number is stored in regs.Info on behalf
// of the thread running on s. The result is returned in RAX using the
// negative errno convention.
func Syscall(s *sched.Scheduler, regs *gate.Registers) {
	t := s.Current()
	if t == nil {
		return
	}

	var (
		ctx = s.Context()
		p   = t.Process()
		ret uint64
		err *kernel.Error
	)

	switch regs.Info {
	case sysBrk:
		// Like Linux, brk reports failures by returning the unchanged
		// break.
		brk, _ := p.Break.Brk(uintptr(regs.Arg(0)))
		ret = uint64(brk)
	case sysSchedYield:
		regs.RAX = 0
		s.Yield(regs)
		return
	case sysRtSigreturn:
		if err = signal.RestoreHandleSignal(regs, t); err != nil {
			log.Printf("process %d thread %d: bad signal frame: %s", p.ID, t.ID, err.Message)
			t.Kill(unix.SIGSEGV)
		}
		return
	case sysExit, sysExitGroup:
		ctx.Exit(t, int(int32(regs.Arg(0))), regs.Info == sysExitGroup)
		s.Yield(regs)
		return
	case sysKill:
		err = sysKillProcess(ctx, int64(regs.Arg(0)), unix.Signal(regs.Arg(1)))
	case sysRtSigprocmask:
		err = sysSigprocmask(t, int(regs.Arg(0)), uintptr(regs.Arg(1)), uintptr(regs.Arg(2)), regs.Arg(3))
	case sysRtSigaction:
		err = sysSigaction(t, unix.Signal(regs.Arg(0)), uintptr(regs.Arg(1)), uintptr(regs.Arg(2)), regs.Arg(3))
	case sysGetpid:
		ret = uint64(p.ID)
	case sysFork:
		var child *sched.Process
		if child, _, err = ctx.Fork(t, regs); err == nil {
			ret = uint64(child.ID)
		}
	default:
		log.Printf("process %d thread %d: unknown syscall %d", p.ID, t.ID, regs.Info)
		err = ErrNotImplemented
	}

	regs.RAX = kernel.SyscallReturn(ret, err)
}

func sysKillProcess(ctx *sched.Context, pid int64, sig unix.Signal) *kernel.Error {
	// Process groups are not supported.
	if pid <= 0 {
		return ErrInvalidArgument
	}
	return ctx.Signal(sched.ProcessID(pid), sig)
}

func sysSigprocmask(t *sched.Thread, how int, setAddr, oldAddr uintptr, size uint64) *kernel.Error {
	if size != sigsetSize {
		return ErrInvalidArgument
	}

	var (
		table = t.PageTable()
		state = t.SignalState()
		old   = state.Mask()
	)

	if setAddr != 0 {
		buf := make([]byte, sigsetSize)
		if err := table.ReadUser(setAddr, buf); err != nil {
			return err
		}

		var err *kernel.Error
		if old, err = state.SetMask(how, signal.Set(binary.LittleEndian.Uint64(buf))); err != nil {
			return err
		}
	}

	if oldAddr != 0 {
		buf := make([]byte, sigsetSize)
		binary.LittleEndian.PutUint64(buf, uint64(old))
		return table.WriteUser(oldAddr, buf)
	}
	return nil
}

func sysSigaction(t *sched.Thread, sig unix.Signal, actAddr, oldAddr uintptr, size uint64) *kernel.Error {
	if size != sigsetSize {
		return ErrInvalidArgument
	}
	if sig < 1 || sig > signal.MaxSignal {
		return signal.ErrInvalidSignal
	}

	var (
		table   = t.PageTable()
		actions = t.SignalActions()
		old     = actions.Get(sig)
		err     *kernel.Error
	)

	if actAddr != 0 {
		buf := make([]byte, sigactionSize)
		if err = table.ReadUser(actAddr, buf); err != nil {
			return err
		}

		var act sigaction
		_ = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &act)

		// A user handler needs a trampoline to return through.
		handler := uintptr(act.Handler)
		if handler != signal.HandlerDefault && handler != signal.HandlerIgnore {
			hasRestorer := act.Flags&FlagRestorer != 0 && act.Restorer != 0
			if !hasRestorer && actions.Trampoline() == 0 {
				return ErrInvalidArgument
			}
		}

		if old, err = actions.Set(sig, signal.Handler{
			Handler: uintptr(act.Handler),
			Mask:    signal.Set(act.Mask),
			Flags:   act.Flags,
		}); err != nil {
			return err
		}

		if act.Flags&FlagRestorer != 0 && act.Restorer != 0 {
			actions.SetTrampoline(uintptr(act.Restorer))
		}
	}

	if oldAddr != 0 {
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.LittleEndian, &sigaction{
			Handler:  uint64(old.Handler),
			Flags:    old.Flags,
			Restorer: uint64(actions.Trampoline()),
			Mask:     uint64(old.Mask),
		})
		return table.WriteUser(oldAddr, buf.Bytes())
	}
	return nil
}
