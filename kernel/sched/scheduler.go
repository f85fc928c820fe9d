package sched

import (
	"golang.org/x/exp/slices"

	"gopherkern/kernel"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/gate"
)

// Scheduler selects the thread that runs on one core.
type Scheduler struct {
	ctx  *Context
	core *cpu.Core

	current *Thread

	// last is the most recently selected thread and lastIndex its ring
	// position when selected; the round-robin scan resumes after it.
	last      *Thread
	lastIndex int

	// idle is the frame loaded when no thread is ready.
	idle gate.Registers
}

// Context returns the context shared by all schedulers.
func (s *Scheduler) Context() *Context { return s.ctx }

// Core returns the core driven by the scheduler.
func (s *Scheduler) Core() *cpu.Core { return s.core }

// Current returns the thread running on the core or nil if the core is idle.
func (s *Scheduler) Current() *Thread {
	s.ctx.lock.Acquire()
	defer s.ctx.lock.Release()
	return s.current
}

// Schedule is invoked by the timer interrupt with the registers of the
// interrupted context. It charges the tick to the interrupted thread, wakes
// up threads whose conditions are met and switches regs to the context of
// the next thread.
func (s *Scheduler) Schedule(regs *gate.Registers) {
	s.core.Tick()

	s.ctx.lock.Acquire()
	defer s.ctx.lock.Release()

	if s.core.ID == 0 {
		s.ctx.clock++
	}

	if t := s.current; t != nil {
		if regs.UserMode() {
			t.UserTicks++
			t.process.UserTicks++
		} else {
			t.KernelTicks++
			t.process.KernelTicks++
		}
	}

	s.rescheduleLocked(regs)
}

// Yield gives up the remainder of the current thread's time slice.
func (s *Scheduler) Yield(regs *gate.Registers) {
	s.ctx.lock.Acquire()
	defer s.ctx.lock.Release()

	s.rescheduleLocked(regs)
}

func (s *Scheduler) rescheduleLocked(regs *gate.Registers) {
	s.ctx.wakeLocked()

	prev := s.current
	if prev != nil {
		if prev.State != Terminated {
			prev.Regs = *regs
		}
		if prev.State == Running {
			prev.State = Ready
		}
		prev.core = -1
	}

	next, index := s.pickLocked()
	s.current = next

	if next == nil {
		*regs = s.idle
		return
	}

	s.last, s.lastIndex = next, index
	next.State = Running
	next.core = int(s.core.ID)

	if table := next.process.Table; s.core.ActivePDT() != table.Root().Address() {
		table.Activate(s.core)
	}
	*regs = next.Regs
}

// pickLocked returns the ready thread with the highest priority. Threads of
// equal priority are served in ring order starting after the thread this
// core selected last. If that thread was reaped, the scan resumes at the
// ring slot it occupied, which now holds its successor.
func (s *Scheduler) pickLocked() (*Thread, int) {
	ring := s.ctx.ring
	if len(ring) == 0 {
		return nil, 0
	}

	start := s.lastIndex
	if i := slices.Index(ring, s.last); i >= 0 {
		start = i + 1
	}

	var (
		best      *Thread
		bestIndex int
	)
	for i := 0; i < len(ring); i++ {
		index := (start + i) % len(ring)
		t := ring[index]
		if t.State != Ready {
			continue
		}
		if best == nil || t.Priority > best.Priority {
			best, bestIndex = t, index
		}
	}
	return best, bestIndex
}

func (c *Context) wakeLocked() {
	for _, t := range c.ring {
		if t.State == Blocked && t.block.runnable(c.clock) {
			t.State = Ready
			t.block = blockCondition{}
		}
	}
}

// Block suspends t until cond returns true. cond is evaluated on every
// scheduling decision with the scheduler lock held.
func (c *Context) Block(t *Thread, cond func() bool) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	if t.State == Terminated || t.State == Blocked {
		return ErrInvalidState
	}

	t.State = Blocked
	t.block = blockCondition{conditions: eventCondition, ready: cond}
	return nil
}

// Sleep suspends t for the given number of clock ticks.
func (c *Context) Sleep(t *Thread, ticks uint64) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	if t.State == Terminated || t.State == Blocked {
		return ErrInvalidState
	}

	t.State = Blocked
	t.block = blockCondition{conditions: sleepCondition, wakeAt: c.clock + ticks}
	return nil
}

// Wake makes a blocked thread ready regardless of its wait condition.
func (c *Context) Wake(t *Thread) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	if t.State != Blocked {
		return ErrInvalidState
	}

	t.State = Ready
	t.block = blockCondition{}
	return nil
}

// WakeUpThreads makes ready every blocked thread whose condition is met.
func (c *Context) WakeUpThreads() {
	c.lock.Acquire()
	c.wakeLocked()
	c.lock.Release()
}
