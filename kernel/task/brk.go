package task

import (
	"gopherkern/kernel"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vma"
	"gopherkern/kernel/sync"
)

// ProgramBreak manages the heap of a process: the range between HeapStart
// and the current break. Heap pages are backed eagerly, one allocation per
// page, so the heap can shrink a page at a time.
type ProgramBreak struct {
	lock sync.Spinlock

	heapStart uintptr
	brk       uintptr
	memory    *vma.VirtualMemoryArea
}

// NewProgramBreak returns an empty heap that starts at the page-aligned
// address heapStart.
func NewProgramBreak(memory *vma.VirtualMemoryArea, heapStart uintptr) (*ProgramBreak, *kernel.Error) {
	if heapStart&(mm.PageSize-1) != 0 {
		return nil, ErrInvalidArgument
	}

	return &ProgramBreak{heapStart: heapStart, brk: heapStart, memory: memory}, nil
}

// HeapStart returns the lowest address the break can move to.
func (b *ProgramBreak) HeapStart() uintptr { return b.heapStart }

// Break returns the current break.
func (b *ProgramBreak) Break() uintptr {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.brk
}

// Brk moves the break to addr and returns the new break. A zero addr
// queries the break without changing it.
//
// Growing maps zeroed user pages up to the page boundary that follows addr
// and returns that boundary. Shrinking unmaps the pages that lie entirely
// above addr and sets the break to addr exactly. Requests below HeapStart
// fail with ErrBreakBelowHeap and leave the break unchanged.
func (b *ProgramBreak) Brk(addr uintptr) (uintptr, *kernel.Error) {
	b.lock.Acquire()
	defer b.lock.Release()

	switch {
	case addr == 0:
		return b.brk, nil
	case addr < b.heapStart:
		return b.brk, ErrBreakBelowHeap
	case addr > b.brk:
		return b.grow(addr)
	case addr < b.brk:
		b.shrink(addr)
	}

	return b.brk, nil
}

func (b *ProgramBreak) grow(addr uintptr) (uintptr, *kernel.Error) {
	var (
		from = mm.PageAlignUp(b.brk)
		to   = mm.PageAlignUp(addr)
	)

	if to < addr {
		return b.brk, ErrBreakBelowHeap
	}

	for page := from; page < to; page += mm.PageSize {
		if err := b.memory.RequestPagesAt(page, 1, true, false); err != nil {
			b.release(from, page)
			return b.brk, err
		}
	}

	b.brk = to
	return b.brk, nil
}

func (b *ProgramBreak) shrink(addr uintptr) {
	b.release(mm.PageAlignUp(addr), mm.PageAlignUp(b.brk))
	b.brk = addr
}

// release frees the heap pages in [from, to).
func (b *ProgramBreak) release(from, to uintptr) {
	for page := from; page < to; page += mm.PageSize {
		if err := b.memory.FreePages(page, 1); err != nil {
			log.Printf("unable to release heap page 0x%x: %s", page, err.Message)
		}
	}
}

// Fork returns the break of a child process whose area childMemory was
// forked from this break's area and already tracks the heap pages.
func (b *ProgramBreak) Fork(childMemory *vma.VirtualMemoryArea) *ProgramBreak {
	b.lock.Acquire()
	defer b.lock.Release()

	return &ProgramBreak{heapStart: b.heapStart, brk: b.brk, memory: childMemory}
}
