package task

import (
	"gopherkern/kernel"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vma"
	"gopherkern/kernel/sync"
)

// KernelStackPool hands out fixed-size kernel stacks from a dedicated
// virtual memory area. Each block is preceded by an unmapped guard page.
// Released blocks keep their backing frames and are zeroed when reused.
type KernelStackPool struct {
	lock sync.Spinlock

	memory    *vma.VirtualMemoryArea
	stackSize uintptr
	slotSize  uintptr
	nextSlot  uintptr
	free      []uintptr
}

// NewKernelStackPool returns a pool of stackSize byte stacks carved from the
// window managed by memory.
func NewKernelStackPool(memory *vma.VirtualMemoryArea, stackSize uintptr) (*KernelStackPool, *kernel.Error) {
	stackSize = mm.PageAlignUp(stackSize)
	if stackSize == 0 {
		return nil, ErrInvalidArgument
	}

	return &KernelStackPool{
		memory:    memory,
		stackSize: stackSize,
		slotSize:  stackSize + mm.PageSize,
	}, nil
}

// StackSize returns the size of the stacks handed out by the pool.
func (p *KernelStackPool) StackSize() uintptr { return p.stackSize }

// Available returns the number of released blocks that can be reused
// without allocating.
func (p *KernelStackPool) Available() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return len(p.free)
}

func (p *KernelStackPool) get() (uintptr, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if n := len(p.free); n > 0 {
		bottom := p.free[n-1]
		p.free = p.free[:n-1]
		p.zero(bottom)
		return bottom, nil
	}

	// Skip the guard page at the start of the slot.
	bottom := p.memory.Layout().Base + p.nextSlot*p.slotSize + mm.PageSize
	if err := p.memory.RequestPagesAt(bottom, p.stackSize>>mm.PageShift, false, true); err != nil {
		return 0, err
	}

	p.nextSlot++
	return bottom, nil
}

func (p *KernelStackPool) put(bottom uintptr) {
	p.lock.Acquire()
	p.free = append(p.free, bottom)
	p.lock.Release()
}

func (p *KernelStackPool) zero(bottom uintptr) {
	var (
		table  = p.memory.Table()
		frames = p.memory.Frames()
	)

	for addr := bottom; addr < bottom+p.stackSize; addr += mm.PageSize {
		if frame, _, err := table.Lookup(addr); err == nil {
			kernel.Memset(frames.Dmap(frame), 0)
		}
	}
}
