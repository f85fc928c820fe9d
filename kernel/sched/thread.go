package sched

import (
	"golang.org/x/sys/unix"

	"gopherkern/kernel/gate"
	"gopherkern/kernel/mm/vma"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/signal"
	"gopherkern/kernel/task"
)

// ProcessID identifies a process. The zero value never names a process.
type ProcessID uint32

// ThreadID identifies a thread. The zero value never names a thread.
type ThreadID uint32

// ThreadState is the scheduling state of a thread.
type ThreadState uint8

// Thread states. Ready threads move to Running when selected by a core,
// Running threads move back to Ready when preempted or to Blocked when they
// wait for a condition. Terminated is final.
const (
	Ready ThreadState = iota
	Running
	Blocked
	Terminated
)

// String implements fmt.Stringer for ThreadState.
func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Process is a process control block. It owns the address space shared by
// its threads.
type Process struct {
	ID       ProcessID
	ParentID ProcessID
	Children []ProcessID
	Threads  []ThreadID

	Table   *vmm.PageTable
	Memory  *vma.VirtualMemoryArea
	Break   *task.ProgramBreak
	Actions *signal.Actions

	Terminated bool
	ExitCode   int

	UserTicks   uint64
	KernelTicks uint64

	// nextStackSlot selects the stack position of the next thread.
	nextStackSlot uintptr
}

// waitConditions is a set of conditions that wake up a blocked thread.
type waitConditions uint8

const (
	sleepCondition waitConditions = 1 << iota
	eventCondition
)

type blockCondition struct {
	conditions waitConditions

	// wakeAt is the scheduler clock value that ends a sleep.
	wakeAt uint64

	// ready reports whether the event a thread waits for has happened.
	// It runs with the scheduler lock held.
	ready func() bool
}

// runnable returns true if a blocked thread can be made ready at clock.
func (b *blockCondition) runnable(clock uint64) bool {
	if b.conditions&sleepCondition != 0 && clock >= b.wakeAt {
		return true
	}
	if b.conditions&eventCondition != 0 && b.ready != nil && b.ready() {
		return true
	}
	return false
}

// Thread is a thread control block.
type Thread struct {
	ID        ThreadID
	ProcessID ProcessID
	Priority  int
	State     ThreadState

	// Regs holds the user context while the thread is not running.
	Regs     gate.Registers
	Extended gate.ExtendedState

	Stack       *task.StackGuard
	KernelStack *task.StackGuard

	UserTicks   uint64
	KernelTicks uint64

	signals signal.State
	block   blockCondition

	// core is the id of the core running the thread or -1.
	core int

	ctx     *Context
	process *Process
}

// Process returns the process that the thread belongs to.
func (t *Thread) Process() *Process { return t.process }

// SignalState implements signal.Thread.
func (t *Thread) SignalState() *signal.State { return &t.signals }

// SignalActions implements signal.Thread.
func (t *Thread) SignalActions() *signal.Actions { return t.process.Actions }

// PageTable implements signal.Thread.
func (t *Thread) PageTable() *vmm.PageTable { return t.process.Table }

// ExtendedState implements signal.Thread.
func (t *Thread) ExtendedState() *gate.ExtendedState { return &t.Extended }

// Kill implements signal.Thread. The process exit code follows the shell
// convention of 128 plus the signal number.
func (t *Thread) Kill(sig unix.Signal) {
	t.ctx.kill(t.process, 128+int(sig))
}
