// Package task contains the per-thread and per-process memory objects that
// sit on top of a virtual memory area: growable stacks and the program
// break.
package task

import (
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vma"
	"gopherkern/kernel/mm/vmm"
)

// DefaultGuardMargin is how far below the bottom of a user stack a fault may
// land and still be treated as stack growth.
const DefaultGuardMargin = 16 * mm.PageSize

var (
	log = kfmt.NewLogger("task")

	// ErrNotImplemented is returned by operations that are not supported
	// for the stack kind they are invoked on.
	ErrNotImplemented = &kernel.Error{Module: "task", Message: "not implemented", Errno: unix.ENOSYS}

	// ErrInvalidArgument is returned for misaligned or empty stacks and
	// heaps.
	ErrInvalidArgument = &kernel.Error{Module: "task", Message: "invalid argument", Errno: unix.EINVAL}

	// ErrBreakBelowHeap is returned when a program break request would
	// move the break below the start of the heap.
	ErrBreakBelowHeap = &kernel.Error{Module: "task", Message: "break below heap start", Errno: unix.ENOMEM}

	errStackNotOwned = &kernel.Error{Module: "task", Message: "stack page not tracked by the child address space", Errno: unix.EFAULT}
)

// StackGuard tracks the stack of a single thread. User stacks live in the
// owning process's virtual memory area and grow downwards on faults that
// land just below StackBottom. Kernel stacks are fixed-size blocks handed out
// by a KernelStackPool.
type StackGuard struct {
	StackBottom uintptr
	StackTop    uintptr

	// Physical addresses of the first and last byte of the stack at
	// creation time. Only kernel stacks are physically contiguous.
	StackPhysicalBottom uintptr
	StackPhysicalTop    uintptr

	Size        uintptr
	GuardMargin uintptr
	UserMode    bool
	Expanded    bool

	// AllocatedPages lists the page runs that back the stack, from the
	// original allocation to the most recent expansion.
	AllocatedPages []vma.AllocatedPages

	memory *vma.VirtualMemoryArea
	pool   *KernelStackPool
}

// NewUserStack allocates and maps a zero-filled stack of size bytes that
// ends at top in the address space managed by memory.
func NewUserStack(memory *vma.VirtualMemoryArea, top, size uintptr) (*StackGuard, *kernel.Error) {
	size = mm.PageAlignUp(size)
	if size == 0 || top&(mm.PageSize-1) != 0 || top < size {
		return nil, ErrInvalidArgument
	}

	bottom := top - size
	pageCount := size >> mm.PageShift
	if err := memory.RequestPagesAt(bottom, pageCount, true, false); err != nil {
		return nil, err
	}

	return &StackGuard{
		StackBottom:    bottom,
		StackTop:       top,
		Size:           size,
		GuardMargin:    DefaultGuardMargin,
		UserMode:       true,
		AllocatedPages: []vma.AllocatedPages{{Address: bottom, PageCount: pageCount}},
		memory:         memory,
	}, nil
}

// NewKernelStack obtains a stack block from pool.
func NewKernelStack(pool *KernelStackPool) (*StackGuard, *kernel.Error) {
	bottom, err := pool.get()
	if err != nil {
		return nil, err
	}

	stack := &StackGuard{
		StackBottom:    bottom,
		StackTop:       bottom + pool.stackSize,
		Size:           pool.stackSize,
		AllocatedPages: []vma.AllocatedPages{{Address: bottom, PageCount: pool.stackSize >> mm.PageShift, Protected: true}},
		memory:         pool.memory,
		pool:           pool,
	}

	table := pool.memory.Table()
	if stack.StackPhysicalBottom, err = table.Translate(stack.StackBottom); err != nil {
		pool.put(bottom)
		return nil, err
	}
	if stack.StackPhysicalTop, err = table.Translate(stack.StackTop - 1); err != nil {
		pool.put(bottom)
		return nil, err
	}
	return stack, nil
}

// Contains returns true if addr lies inside the mapped part of the stack.
func (s *StackGuard) Contains(addr uintptr) bool {
	return addr >= s.StackBottom && addr < s.StackTop
}

// Expand grows a user stack downwards so that faultAddress becomes mapped.
// It returns false without allocating anything if faultAddress is already
// covered by the stack or lies outside the guard margin below it. Callers
// enforce any upper bound on the stack size.
func (s *StackGuard) Expand(faultAddress uintptr) bool {
	if !s.UserMode || faultAddress >= s.StackBottom {
		return false
	}

	if s.StackBottom-faultAddress > s.GuardMargin {
		return false
	}

	newBottom := mm.PageAlignDown(faultAddress)
	pageCount := (s.StackBottom - newBottom) >> mm.PageShift
	if err := s.memory.RequestPagesAt(newBottom, pageCount, true, false); err != nil {
		log.Printf("unable to expand stack at 0x%x by %d pages: %s", s.StackBottom, pageCount, err.Message)
		return false
	}

	s.AllocatedPages = append(s.AllocatedPages, vma.AllocatedPages{Address: newBottom, PageCount: pageCount})
	s.StackBottom = newBottom
	s.Size += pageCount << mm.PageShift
	s.Expanded = true
	return true
}

// Fork returns a copy of a user stack for the address space managed by
// childMemory. childMemory must be the fork of the stack's area so that it
// already tracks the stack pages. Every page is copied into a fresh frame so
// the two stacks are independent from the start.
func (s *StackGuard) Fork(childMemory *vma.VirtualMemoryArea) (*StackGuard, *kernel.Error) {
	if !s.UserMode {
		log.Printf("kernel stacks cannot be forked")
		return nil, ErrNotImplemented
	}

	var (
		parentTable = s.memory.Table()
		childTable  = childMemory.Table()
		frames      = s.memory.Frames()
	)

	for _, run := range s.AllocatedPages {
		for i := uintptr(0); i < run.PageCount; i++ {
			page := mm.PageFromAddress(run.Address) + mm.Page(i)
			if !childMemory.Owns(page.Address()) {
				return nil, errStackNotOwned
			}

			if err := copyPage(parentTable, childTable, frames, page); err != nil {
				return nil, err
			}
		}
	}

	child := *s
	child.AllocatedPages = append([]vma.AllocatedPages(nil), s.AllocatedPages...)
	child.memory = childMemory
	return &child, nil
}

// copyPage replaces the child mapping of page with a private copy of the
// parent's page.
func copyPage(parentTable, childTable *vmm.PageTable, frames mm.FrameAllocator, page mm.Page) *kernel.Error {
	parentFrame, _, err := parentTable.Lookup(page.Address())
	if err != nil {
		return err
	}

	frame, err := frames.AllocFrame()
	if err != nil {
		return err
	}
	kernel.Memcopy(frames.Dmap(parentFrame), frames.Dmap(frame))

	if old, err := childTable.UnmapFrame(page); err == nil {
		_ = frames.FreeFrame(old)
	}

	if err = childTable.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute); err != nil {
		_ = frames.FreeFrame(frame)
		return err
	}
	return nil
}

// Destroy releases the stack. Kernel stacks return to their pool. User stack
// pages are freed through the owning area; pages already reclaimed by the
// area's teardown are skipped.
func (s *StackGuard) Destroy() {
	if s.pool != nil {
		s.pool.put(s.StackBottom)
	} else {
		for _, run := range s.AllocatedPages {
			if err := s.memory.FreePages(run.Address, run.PageCount); err != nil && err != vma.ErrNotFound {
				log.Printf("unable to free stack pages at 0x%x: %s", run.Address, err.Message)
			}
		}
	}

	s.AllocatedPages = nil
	s.Size = 0
	s.StackBottom = s.StackTop
}
