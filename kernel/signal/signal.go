// Package signal implements delivery of POSIX signals to user-mode threads.
// A pending signal is delivered by pushing a snapshot of the interrupted
// context on the thread's user stack and redirecting execution to the
// process's signal trampoline; the trampoline invokes the handler and then
// issues rt_sigreturn, which restores the snapshot.
package signal

import (
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sync"
)

// MaxSignal is the highest supported signal number.
const MaxSignal = 64

// Disposition values for Handler.Handler.
const (
	HandlerDefault = uintptr(0)
	HandlerIgnore  = uintptr(1)
)

// SetMask operations.
const (
	SigBlock = iota
	SigUnblock
	SigSetMask
)

var (
	log = kfmt.NewLogger("signal")

	// ErrInvalidSignal is returned for signal numbers outside [1, MaxSignal]
	// and for attempts to change the disposition of SIGKILL or SIGSTOP.
	ErrInvalidSignal = &kernel.Error{Module: "signal", Message: "invalid signal", Errno: unix.EINVAL}

	// ErrNoSignalFrame is returned by RestoreHandleSignal when the thread
	// is not executing a signal handler.
	ErrNoSignalFrame = &kernel.Error{Module: "signal", Message: "no active signal frame", Errno: unix.EINVAL}

	errNoTrampoline = &kernel.Error{Module: "signal", Message: "signal delivery without a registered trampoline"}
)

// Set is a bitmap of signals; bit n-1 corresponds to signal n.
type Set uint64

// Of returns a set containing the supplied signals.
func Of(sigs ...unix.Signal) Set {
	var s Set
	for _, sig := range sigs {
		s = s.Add(sig)
	}
	return s
}

func valid(sig unix.Signal) bool { return sig >= 1 && sig <= MaxSignal }

// Has returns true if sig is a member of s.
func (s Set) Has(sig unix.Signal) bool {
	return valid(sig) && s&(1<<(uint(sig)-1)) != 0
}

// Add returns s with sig added.
func (s Set) Add(sig unix.Signal) Set {
	if !valid(sig) {
		return s
	}
	return s | 1<<(uint(sig)-1)
}

// Remove returns s with sig removed.
func (s Set) Remove(sig unix.Signal) Set {
	if !valid(sig) {
		return s
	}
	return s &^ (1 << (uint(sig) - 1))
}

// lowest returns the lowest numbered signal in s or 0 if s is empty.
func (s Set) lowest() unix.Signal {
	for sig := unix.Signal(1); sig <= MaxSignal; sig++ {
		if s.Has(sig) {
			return sig
		}
	}
	return 0
}

var (
	// unmaskable signals are delivered regardless of the thread's mask and
	// always take their default action.
	unmaskable = Of(unix.SIGKILL, unix.SIGSTOP)

	// ignoredByDefault signals are discarded when their disposition is
	// HandlerDefault. All other signals terminate the process.
	ignoredByDefault = Of(unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH, unix.SIGCONT)
)

// Handler describes the action taken when a signal is delivered.
type Handler struct {
	// Handler is the user address of the handler, HandlerDefault or
	// HandlerIgnore.
	Handler uintptr

	// Mask is added to the thread's mask while the handler runs.
	Mask Set

	Flags uint64
}

// Actions is the per-process table of signal handlers.
type Actions struct {
	lock sync.Spinlock

	handlers   [MaxSignal]Handler
	trampoline uintptr
}

// NewActions returns a table where every signal has its default
// disposition.
func NewActions() *Actions {
	return &Actions{}
}

// SetTrampoline registers the user address that handlers return through.
func (a *Actions) SetTrampoline(addr uintptr) {
	a.lock.Acquire()
	a.trampoline = addr
	a.lock.Release()
}

// Trampoline returns the registered trampoline address.
func (a *Actions) Trampoline() uintptr {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.trampoline
}

// Set installs h for sig and returns the previous handler.
func (a *Actions) Set(sig unix.Signal, h Handler) (Handler, *kernel.Error) {
	if !valid(sig) || unmaskable.Has(sig) {
		return Handler{}, ErrInvalidSignal
	}

	a.lock.Acquire()
	defer a.lock.Release()

	old := a.handlers[sig-1]
	h.Mask &^= unmaskable
	a.handlers[sig-1] = h
	return old, nil
}

// Get returns the handler for sig.
func (a *Actions) Get(sig unix.Signal) Handler {
	if !valid(sig) {
		return Handler{}
	}

	a.lock.Acquire()
	defer a.lock.Release()
	return a.handlers[sig-1]
}

// Clone returns a copy of the table for a forked process.
func (a *Actions) Clone() *Actions {
	a.lock.Acquire()
	defer a.lock.Release()
	return &Actions{handlers: a.handlers, trampoline: a.trampoline}
}

// State is the per-thread signal state. Its lock also serializes signal
// injection and restoration for the thread.
type State struct {
	lock sync.Spinlock

	pending Set
	mask    Set

	// frame is the user address of the StackInfo of the innermost handler
	// currently executing, or 0.
	frame uintptr
}

// Send marks sig as pending.
func (s *State) Send(sig unix.Signal) *kernel.Error {
	if !valid(sig) {
		return ErrInvalidSignal
	}

	s.lock.Acquire()
	s.pending = s.pending.Add(sig)
	s.lock.Release()
	return nil
}

// Force marks sig as pending and removes it from the mask so that the next
// delivery attempt picks it up. It is used for synchronous faults.
func (s *State) Force(sig unix.Signal) {
	s.lock.Acquire()
	s.pending = s.pending.Add(sig)
	s.mask = s.mask.Remove(sig)
	s.lock.Release()
}

// SetMask updates the mask according to how (SigBlock, SigUnblock or
// SigSetMask) and returns the previous mask. SIGKILL and SIGSTOP are never
// masked.
func (s *State) SetMask(how int, set Set) (Set, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	old := s.mask
	switch how {
	case SigBlock:
		s.mask |= set
	case SigUnblock:
		s.mask &^= set
	case SigSetMask:
		s.mask = set
	default:
		return old, ErrInvalidSignal
	}

	s.mask &^= unmaskable
	return old, nil
}

// Mask returns the current mask.
func (s *State) Mask() Set {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.mask
}

// Pending returns the set of pending signals.
func (s *State) Pending() Set {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.pending
}

// InHandler returns true while the thread executes a signal handler.
func (s *State) InHandler() bool {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.frame != 0
}

// Inherit returns the state of a forked thread: the mask is copied and the
// pending set is cleared.
func (s *State) Inherit() State {
	s.lock.Acquire()
	defer s.lock.Release()
	return State{mask: s.mask}
}

// next removes and returns the lowest numbered deliverable signal.
func (s *State) next() unix.Signal {
	sig := (s.pending &^ (s.mask &^ unmaskable)).lowest()
	if sig != 0 {
		s.pending = s.pending.Remove(sig)
	}
	return sig
}

// Thread is the view of a thread needed to deliver signals to it.
type Thread interface {
	SignalState() *State
	SignalActions() *Actions
	PageTable() *vmm.PageTable
	ExtendedState() *gate.ExtendedState

	// Kill terminates the thread's process because of sig.
	Kill(sig unix.Signal)
}
