// Package sched implements the process and thread tables and the per-core
// preemptive scheduler.
package sched

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vma"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/signal"
	"gopherkern/kernel/sync"
	"gopherkern/kernel/task"
)

var (
	log = kfmt.NewLogger("sched")

	// ErrNoSuchProcess is returned when a process id is not known.
	ErrNoSuchProcess = &kernel.Error{Module: "sched", Message: "no such process", Errno: unix.ESRCH}

	// ErrNoSuchThread is returned when a thread id is not known.
	ErrNoSuchThread = &kernel.Error{Module: "sched", Message: "no such thread", Errno: unix.ESRCH}

	// ErrInvalidState is returned when a thread is not in the state an
	// operation requires.
	ErrInvalidState = &kernel.Error{Module: "sched", Message: "invalid thread state", Errno: unix.EINVAL}

	// ErrInvalidConfig is returned by NewContext for unusable settings.
	ErrInvalidConfig = &kernel.Error{Module: "sched", Message: "invalid scheduler configuration", Errno: unix.EINVAL}

	errDoubleTerminate = &kernel.Error{Module: "sched", Message: "terminated thread or process terminated again"}
)

// Config holds the scheduler and user address space settings.
type Config struct {
	// Cores is the number of per-core schedulers to create.
	Cores int

	// Mode is the paging mode of user page tables.
	Mode *vmm.PagingMode

	// UserLayout is the window managed by each process's memory area.
	UserLayout vma.Layout

	HeapStart uintptr

	// UserStackTop is the top of the first thread's stack. Stacks of
	// later threads are placed StackLimit bytes apart below it.
	UserStackTop  uintptr
	UserStackSize uintptr
	StackLimit    uintptr

	DefaultPriority int
}

// DefaultConfig returns the settings used when booting without overrides.
func DefaultConfig() Config {
	return Config{
		Cores: 1,
		Mode:  vmm.ModeAmd64,
		UserLayout: vma.Layout{
			Base:     0x400000,
			Size:     uintptr(mm.Gb),
			MmapBase: 0x20000000,
		},
		HeapStart:     0x400000,
		UserStackTop:  0x40400000,
		UserStackSize: 16 * mm.PageSize,
		StackLimit:    uintptr(8 * mm.Mb),
	}
}

// Context holds the process and thread tables shared by all cores. Its lock
// protects the tables and the state of every thread.
type Context struct {
	lock sync.Spinlock

	cfg    Config
	frames mm.FrameAllocator
	stacks *task.KernelStackPool

	processes map[ProcessID]*Process
	threads   map[ThreadID]*Thread

	// ring is the round-robin order. Threads of one process are adjacent.
	ring []*Thread

	nextPID ProcessID
	nextTID ThreadID
	initPID ProcessID

	// clock counts timer ticks observed by core 0.
	clock uint64

	schedulers []*Scheduler
}

// NewContext returns an empty context with one scheduler per configured
// core. User pages are allocated from frames and kernel stacks from stacks.
func NewContext(cfg Config, frames mm.FrameAllocator, stacks *task.KernelStackPool) (*Context, *kernel.Error) {
	if cfg.Cores < 1 || cfg.Mode == nil || cfg.UserStackSize == 0 || cfg.StackLimit < cfg.UserStackSize {
		return nil, ErrInvalidConfig
	}

	c := &Context{
		cfg:       cfg,
		frames:    frames,
		stacks:    stacks,
		processes: make(map[ProcessID]*Process),
		threads:   make(map[ThreadID]*Thread),
	}

	for i := 0; i < cfg.Cores; i++ {
		c.schedulers = append(c.schedulers, &Scheduler{
			ctx:  c,
			core: cpu.NewCore(uint32(i)),
			idle: gate.KernelFrame(0, 0),
		})
	}

	return c, nil
}

// Config returns the context settings.
func (c *Context) Config() Config { return c.cfg }

// Lock acquires the scheduler lock. It must be held when calling
// RemoveThread and RemoveProcess.
func (c *Context) Lock() { c.lock.Acquire() }

// Unlock releases the scheduler lock.
func (c *Context) Unlock() { c.lock.Release() }

// Scheduler returns the scheduler of the given core.
func (c *Context) Scheduler(core int) *Scheduler { return c.schedulers[core] }

// Schedulers returns the per-core schedulers.
func (c *Context) Schedulers() []*Scheduler { return c.schedulers }

// Clock returns the number of timer ticks observed by core 0.
func (c *Context) Clock() uint64 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.clock
}

// InitProcess returns the id of the first process created, which adopts
// orphaned processes.
func (c *Context) InitProcess() ProcessID {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.initPID
}

// Process looks up a process by id.
func (c *Context) Process(pid ProcessID) (*Process, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if p, ok := c.processes[pid]; ok {
		return p, nil
	}
	return nil, ErrNoSuchProcess
}

// Thread looks up a thread by id.
func (c *Context) Thread(tid ThreadID) (*Thread, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if t, ok := c.threads[tid]; ok {
		return t, nil
	}
	return nil, ErrNoSuchThread
}

// Processes returns the ids of all processes in ascending order.
func (c *Context) Processes() []ProcessID {
	c.lock.Acquire()
	defer c.lock.Release()

	pids := maps.Keys(c.processes)
	slices.Sort(pids)
	return pids
}

// CreateProcess creates a process with a fresh address space and a single
// thread that starts executing at entry. The first process created becomes
// the init process; every later process needs an existing parent.
func (c *Context) CreateProcess(parent ProcessID, entry uintptr) (*Process, *Thread, *kernel.Error) {
	c.lock.Acquire()
	_, parentExists := c.processes[parent]
	needsParent := c.initPID != 0
	c.lock.Release()

	if needsParent && !parentExists {
		return nil, nil, ErrNoSuchProcess
	}

	table, err := vmm.NewPageTable(c.cfg.Mode, c.frames)
	if err != nil {
		return nil, nil, err
	}

	memory, err := vma.New(table, c.frames, c.cfg.UserLayout)
	if err != nil {
		table.Destroy()
		return nil, nil, err
	}

	heap, err := task.NewProgramBreak(memory, c.cfg.HeapStart)
	if err != nil {
		table.Destroy()
		return nil, nil, err
	}

	p := &Process{
		ParentID: parent,
		Table:    table,
		Memory:   memory,
		Break:    heap,
		Actions:  signal.NewActions(),
	}

	c.lock.Acquire()
	c.nextPID++
	p.ID = c.nextPID
	if c.initPID == 0 {
		c.initPID = p.ID
		p.ParentID = 0
	} else if pp, ok := c.processes[p.ParentID]; ok {
		pp.Children = append(pp.Children, p.ID)
	} else {
		p.ParentID = c.initPID
		c.processes[c.initPID].Children = append(c.processes[c.initPID].Children, p.ID)
	}
	c.processes[p.ID] = p
	c.lock.Release()

	t, err := c.CreateThread(p, entry)
	if err != nil {
		c.lock.Acquire()
		p.Terminated = true
		c.RemoveProcess(p)
		c.lock.Release()
		memory.Release()
		table.Destroy()
		return nil, nil, err
	}

	log.Printf("created process %d (parent %d)", p.ID, p.ParentID)
	return p, t, nil
}

// CreateThread adds a Ready thread to p that starts executing at entry on a
// new user stack.
func (c *Context) CreateThread(p *Process, entry uintptr) (*Thread, *kernel.Error) {
	c.lock.Acquire()
	slot := p.nextStackSlot
	p.nextStackSlot++
	c.lock.Release()

	top := c.cfg.UserStackTop - slot*c.cfg.StackLimit
	stack, err := task.NewUserStack(p.Memory, top, c.cfg.UserStackSize)
	if err != nil {
		return nil, err
	}

	kernelStack, err := task.NewKernelStack(c.stacks)
	if err != nil {
		stack.Destroy()
		return nil, err
	}

	t := &Thread{
		ProcessID:   p.ID,
		Priority:    c.cfg.DefaultPriority,
		State:       Ready,
		Regs:        gate.UserFrame(entry, top),
		Stack:       stack,
		KernelStack: kernelStack,
		core:        -1,
		ctx:         c,
		process:     p,
	}
	t.Extended.Reset()

	c.lock.Acquire()
	defer c.lock.Release()

	if p.Terminated {
		kernelStack.Destroy()
		stack.Destroy()
		return nil, ErrNoSuchProcess
	}

	c.addThreadLocked(t)
	return t, nil
}

func (c *Context) addThreadLocked(t *Thread) {
	c.nextTID++
	t.ID = c.nextTID
	c.threads[t.ID] = t
	t.process.Threads = append(t.process.Threads, t.ID)

	// Keep threads of the same process adjacent in the ring.
	index := len(c.ring)
	for i := len(c.ring) - 1; i >= 0; i-- {
		if c.ring[i].process == t.process {
			index = i + 1
			break
		}
	}
	c.ring = slices.Insert(c.ring, index, t)
}

// Fork creates a child of t's process whose only thread is a copy of t.
// regs is the live register state of t. The address space is shared
// copy-on-write except for the thread's stack, which is copied. The child
// thread sees a zero return value in RAX.
func (c *Context) Fork(t *Thread, regs *gate.Registers) (*Process, *Thread, *kernel.Error) {
	parent := t.process

	childTable, err := parent.Table.Fork()
	if err != nil {
		return nil, nil, err
	}
	childMemory := parent.Memory.Fork(childTable)

	cleanup := func() {
		childMemory.Release()
		childTable.Destroy()
	}

	stack, err := t.Stack.Fork(childMemory)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	kernelStack, err := task.NewKernelStack(c.stacks)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	child := &Process{
		ParentID: parent.ID,
		Table:    childTable,
		Memory:   childMemory,
		Break:    parent.Break.Fork(childMemory),
		Actions:  parent.Actions.Clone(),
	}

	ct := &Thread{
		Priority:    t.Priority,
		State:       Ready,
		Regs:        *regs,
		Extended:    t.Extended,
		Stack:       stack,
		KernelStack: kernelStack,
		signals:     t.signals.Inherit(),
		core:        -1,
		ctx:         c,
		process:     child,
	}
	ct.Regs.RAX = 0

	c.lock.Acquire()
	defer c.lock.Release()

	if parent.Terminated {
		kernelStack.Destroy()
		cleanup()
		return nil, nil, ErrNoSuchProcess
	}

	child.nextStackSlot = parent.nextStackSlot
	c.nextPID++
	child.ID = c.nextPID
	ct.ProcessID = child.ID
	c.processes[child.ID] = child
	parent.Children = append(parent.Children, child.ID)
	c.addThreadLocked(ct)

	log.Printf("process %d forked process %d", parent.ID, child.ID)
	return child, ct, nil
}

// TerminateThread marks t as terminated. The process terminates with code
// when its last thread does. Terminating a thread twice is a fatal error.
func (c *Context) TerminateThread(t *Thread, code int) {
	c.lock.Acquire()
	defer c.lock.Release()

	if t.State == Terminated {
		panic(errDoubleTerminate)
	}
	c.terminateThreadLocked(t, code)
}

func (c *Context) terminateThreadLocked(t *Thread, code int) {
	t.State = Terminated

	for _, tid := range t.process.Threads {
		if c.threads[tid].State != Terminated {
			return
		}
	}
	c.finishProcessLocked(t.process, code)
}

// TerminateProcess terminates every thread of p. Terminating a process twice
// is a fatal error.
func (c *Context) TerminateProcess(p *Process, code int) {
	c.lock.Acquire()
	defer c.lock.Release()

	if p.Terminated {
		panic(errDoubleTerminate)
	}
	c.terminateProcessLocked(p, code)
}

// Exit terminates t on its own request. If group is set the whole process
// exits. Exit is a no-op for a thread that was already terminated, for
// example by a signal delivered on another core.
func (c *Context) Exit(t *Thread, code int, group bool) {
	c.lock.Acquire()
	defer c.lock.Release()

	if t.State == Terminated {
		return
	}

	if group {
		c.terminateProcessLocked(t.process, code)
	} else {
		c.terminateThreadLocked(t, code)
	}
}

// StateOf returns the scheduling state of t.
func (c *Context) StateOf(t *Thread) ThreadState {
	c.lock.Acquire()
	defer c.lock.Release()
	return t.State
}

// kill terminates p unless it already terminated.
func (c *Context) kill(p *Process, code int) {
	c.lock.Acquire()
	defer c.lock.Release()

	if !p.Terminated {
		c.terminateProcessLocked(p, code)
	}
}

func (c *Context) terminateProcessLocked(p *Process, code int) {
	for _, tid := range p.Threads {
		c.threads[tid].State = Terminated
	}
	c.finishProcessLocked(p, code)
}

func (c *Context) finishProcessLocked(p *Process, code int) {
	p.Terminated = true
	p.ExitCode = code
	log.Printf("process %d exited with code %d", p.ID, code)

	if parent, ok := c.processes[p.ParentID]; ok && !parent.Terminated {
		if t := c.signalTargetLocked(parent, unix.SIGCHLD); t != nil {
			_ = t.signals.Send(unix.SIGCHLD)
		}
	}
}

// signalTargetLocked picks the thread of p that receives a process-directed
// signal: the first live thread that does not mask sig, or the first live
// thread if all of them do.
func (c *Context) signalTargetLocked(p *Process, sig unix.Signal) *Thread {
	var fallback *Thread
	for _, tid := range p.Threads {
		t := c.threads[tid]
		if t.State == Terminated {
			continue
		}
		if !t.signals.Mask().Has(sig) {
			return t
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

// Signal sends sig to process pid. A zero sig only checks that the process
// exists.
func (c *Context) Signal(pid ProcessID, sig unix.Signal) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	p, ok := c.processes[pid]
	if !ok || p.Terminated {
		return ErrNoSuchProcess
	}
	if sig == 0 {
		return nil
	}

	t := c.signalTargetLocked(p, sig)
	if t == nil {
		return ErrNoSuchProcess
	}
	return t.signals.Send(sig)
}

// RemoveThread drops t from the thread table and the run ring. The caller
// must hold the scheduler lock.
func (c *Context) RemoveThread(t *Thread) {
	delete(c.threads, t.ID)

	if i := slices.Index(c.ring, t); i >= 0 {
		c.ring = slices.Delete(c.ring, i, i+1)
	}

	p := t.process
	if i := slices.Index(p.Threads, t.ID); i >= 0 {
		p.Threads = slices.Delete(p.Threads, i, i+1)
	}
}

// RemoveProcess drops p from the process table and hands its children to
// the init process. The caller must hold the scheduler lock.
func (c *Context) RemoveProcess(p *Process) {
	delete(c.processes, p.ID)

	if parent, ok := c.processes[p.ParentID]; ok {
		if i := slices.Index(parent.Children, p.ID); i >= 0 {
			parent.Children = slices.Delete(parent.Children, i, i+1)
		}
	}

	initProc, hasInit := c.processes[c.initPID]
	for _, pid := range p.Children {
		child, ok := c.processes[pid]
		if !ok {
			continue
		}
		if hasInit {
			child.ParentID = initProc.ID
			initProc.Children = append(initProc.Children, pid)
		} else {
			child.ParentID = 0
		}
	}
	p.Children = nil

	if p.ID == c.initPID {
		c.initPID = 0
	}
}

// CleanupTerminated reclaims terminated threads that no core is running and
// terminated processes without threads. It returns the number of threads
// reclaimed.
func (c *Context) CleanupTerminated() int {
	var (
		threads   []*Thread
		processes []*Process
	)

	c.lock.Acquire()
	for _, t := range slices.Clone(c.ring) {
		if t.State == Terminated && t.core < 0 {
			threads = append(threads, t)
			c.RemoveThread(t)
		}
	}

	pids := maps.Keys(c.processes)
	slices.Sort(pids)
	for _, pid := range pids {
		if p := c.processes[pid]; p.Terminated && len(p.Threads) == 0 {
			processes = append(processes, p)
			c.RemoveProcess(p)
		}
	}
	c.lock.Release()

	for _, t := range threads {
		t.KernelStack.Destroy()
		t.Stack.Destroy()
	}
	for _, p := range processes {
		p.Memory.Release()
		p.Table.Destroy()
		log.Printf("reaped process %d", p.ID)
	}

	return len(threads)
}
