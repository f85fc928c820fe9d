// Package pmm implements the physical frame allocator.
package pmm

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/hal/multiboot"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sync"
)

var (
	log = kfmt.NewLogger("pmm")

	// ErrOutOfMemory is returned when no run of free frames can satisfy
	// an allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory", Errno: unix.ENOMEM}

	// ErrInvalidFrame is returned for addresses outside of the managed
	// physical memory or for zero-sized requests.
	ErrInvalidFrame = &kernel.Error{Module: "pmm", Message: "invalid frame", Errno: unix.EINVAL}

	// ErrFrameInUse is returned when reserving or locking a frame that is
	// not free.
	ErrFrameInUse = &kernel.Error{Module: "pmm", Message: "frame is not free", Errno: unix.EBUSY}

	// ErrNotImplemented is returned by the swap hooks until a swap backend
	// is available.
	ErrNotImplemented = &kernel.Error{Module: "pmm", Message: "swap support is not implemented", Errno: unix.ENOSYS}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// state with bitmaps. A set bit in the used bitmap marks a frame that is
// allocated, locked or reserved; the reserved bitmap tells reserved frames
// apart from the rest.
//
// Allocated frames carry a reference count so that copy-on-write mappings
// can share them. The frame returns to the free pool when its last
// reference is dropped.
type BitmapAllocator struct {
	lock sync.Spinlock

	mem        *mm.PhysicalMemory
	startFrame mm.Frame
	frameCount uint64

	usedBitmap     []uint64
	reservedBitmap []uint64
	refs           []uint32

	// pageBitmapIndex is the bitmap index where the next allocation
	// starts scanning for free frames.
	pageBitmapIndex uint64

	// counters are expressed in bytes.
	totalMemory    uint64
	freeMemory     uint64
	usedMemory     uint64
	reservedMemory uint64
}

// NewBitmapAllocator returns an allocator that manages the frames of mem. All
// frames are initially free except those that are not covered by a
// multiboot.MemAvailable region of memoryMap or that overlap any other
// region type; these are reserved.
func NewBitmapAllocator(mem *mm.PhysicalMemory, memoryMap []multiboot.MemoryMapEntry) *BitmapAllocator {
	frameCount := uint64(mem.FrameCount())
	bitmapLen := (frameCount + 63) >> 6

	alloc := &BitmapAllocator{
		mem:            mem,
		startFrame:     mem.BaseFrame(),
		frameCount:     frameCount,
		usedBitmap:     make([]uint64, bitmapLen),
		reservedBitmap: make([]uint64, bitmapLen),
		refs:           make([]uint32, frameCount),
		totalMemory:    frameCount << mm.PageShift,
		freeMemory:     frameCount << mm.PageShift,
	}

	alloc.reserveUnavailable(memoryMap)
	alloc.printStats(memoryMap)
	return alloc
}

// reserveUnavailable flags the frames that the memory map does not
// advertise as available.
func (alloc *BitmapAllocator) reserveUnavailable(memoryMap []multiboot.MemoryMapEntry) {
	available := make([]bool, alloc.frameCount)
	pageSizeMinus1 := uint64(mm.PageSize - 1)

	for pass := 0; pass < 2; pass++ {
		for _, region := range memoryMap {
			isAvailable := region.Type == multiboot.MemAvailable
			if (pass == 0) != isAvailable {
				continue
			}

			// Reported addresses may not be page-aligned. Available
			// regions shrink to whole pages; any other region type
			// grows to cover every page it touches.
			var startFrame, endFrame mm.Frame
			if isAvailable {
				startFrame = mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
				endFrame = mm.Frame((region.PhysAddress + region.Length) >> mm.PageShift)
			} else {
				startFrame = mm.Frame(region.PhysAddress >> mm.PageShift)
				endFrame = mm.Frame(((region.PhysAddress + region.Length) + pageSizeMinus1) >> mm.PageShift)
			}

			for frame := startFrame; frame < endFrame; frame++ {
				if index, ok := alloc.indexOf(frame); ok {
					available[index] = isAvailable
				}
			}
		}
	}

	for index, ok := range available {
		if !ok {
			alloc.markFrame(uint64(index), markReserved)
		}
	}
}

// markFrame updates the bitmaps and counters for the frame at the given
// bitmap index. The caller must hold the allocator lock or have exclusive
// access to the allocator.
func (alloc *BitmapAllocator) markFrame(index uint64, flag markAs) {
	block, mask := index>>6, uint64(1<<(63-(index&63)))

	switch flag {
	case markFree:
		if alloc.reservedBitmap[block]&mask != 0 {
			alloc.reservedBitmap[block] &^= mask
			atomic.AddUint64(&alloc.reservedMemory, ^uint64(mm.PageSize-1))
		} else {
			atomic.AddUint64(&alloc.usedMemory, ^uint64(mm.PageSize-1))
		}
		alloc.usedBitmap[block] &^= mask
		atomic.AddUint64(&alloc.freeMemory, uint64(mm.PageSize))
	case markReserved:
		alloc.usedBitmap[block] |= mask
		alloc.reservedBitmap[block] |= mask
		atomic.AddUint64(&alloc.freeMemory, ^uint64(mm.PageSize-1))
		atomic.AddUint64(&alloc.reservedMemory, uint64(mm.PageSize))
	}
}

// markUsed flags the frame at index as allocated or locked.
func (alloc *BitmapAllocator) markUsed(index uint64) {
	alloc.usedBitmap[index>>6] |= 1 << (63 - (index & 63))
	atomic.AddUint64(&alloc.freeMemory, ^uint64(mm.PageSize-1))
	atomic.AddUint64(&alloc.usedMemory, uint64(mm.PageSize))
}

func (alloc *BitmapAllocator) isSet(bitmap []uint64, index uint64) bool {
	return bitmap[index>>6]&(1<<(63-(index&63))) != 0
}

func (alloc *BitmapAllocator) indexOf(frame mm.Frame) (uint64, bool) {
	if frame < alloc.startFrame || uint64(frame-alloc.startFrame) >= alloc.frameCount {
		return 0, false
	}
	return uint64(frame - alloc.startFrame), true
}

// rangeIndex validates a page-aligned address range and returns the bitmap
// index of its first frame.
func (alloc *BitmapAllocator) rangeIndex(addr uintptr, count uint64) (uint64, *kernel.Error) {
	if count == 0 || addr&(mm.PageSize-1) != 0 {
		return 0, ErrInvalidFrame
	}

	index, ok := alloc.indexOf(mm.FrameFromAddress(addr))
	if !ok || index+count > alloc.frameCount {
		return 0, ErrInvalidFrame
	}

	return index, nil
}

// findFree returns the bitmap index of the first run of count clear bits in
// [from, to).
func (alloc *BitmapAllocator) findFree(from, to, count uint64) (uint64, bool) {
	var run uint64
	for index := from; index < to; index++ {
		// Skip fully used blocks
		if index&63 == 0 && alloc.usedBitmap[index>>6] == ^uint64(0) {
			run = 0
			index += 63
			continue
		}

		if alloc.isSet(alloc.usedBitmap, index) {
			run = 0
			continue
		}

		if run++; run == count {
			return index + 1 - count, true
		}
	}

	return 0, false
}

// RequestPage allocates a single zeroed frame and returns its physical
// address.
func (alloc *BitmapAllocator) RequestPage() (uintptr, *kernel.Error) {
	return alloc.RequestPages(1)
}

// RequestPages allocates count physically contiguous zeroed frames and
// returns the physical address of the first one. The scan begins at the
// rolling cursor and wraps around once.
func (alloc *BitmapAllocator) RequestPages(count uint64) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, ErrInvalidFrame
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	start := alloc.pageBitmapIndex
	index, found := alloc.findFree(start, alloc.frameCount, count)
	if !found && start != 0 {
		// Runs that straddle the cursor are also candidates.
		to := start + count - 1
		if to > alloc.frameCount {
			to = alloc.frameCount
		}
		index, found = alloc.findFree(0, to, count)
	}

	if !found {
		return 0, ErrOutOfMemory
	}

	for i := index; i < index+count; i++ {
		alloc.markUsed(i)
		alloc.refs[i] = 1
		kernel.Memset(alloc.mem.Frame(alloc.startFrame+mm.Frame(i)), 0)
	}
	alloc.pageBitmapIndex = index + count

	return (alloc.startFrame + mm.Frame(index)).Address(), nil
}

// FreePage drops a reference to the frame at addr. Freeing a frame that is
// not allocated leaves the allocator state untouched and is only logged.
func (alloc *BitmapAllocator) FreePage(addr uintptr) *kernel.Error {
	return alloc.FreePages(addr, 1)
}

// FreePages drops a reference to each of the count frames starting at addr.
func (alloc *BitmapAllocator) FreePages(addr uintptr, count uint64) *kernel.Error {
	index, err := alloc.rangeIndex(addr, count)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for i := index; i < index+count; i++ {
		alloc.release(i)
	}

	return nil
}

func (alloc *BitmapAllocator) release(index uint64) {
	frame := alloc.startFrame + mm.Frame(index)

	switch {
	case !alloc.isSet(alloc.usedBitmap, index):
		log.Printf("double free of frame 0x%x ignored", frame.Address())
		return
	case alloc.isSet(alloc.reservedBitmap, index):
		log.Printf("attempt to free reserved frame 0x%x ignored", frame.Address())
		return
	}

	if alloc.refs[index] > 1 {
		alloc.refs[index]--
		return
	}

	alloc.refs[index] = 0
	alloc.markFrame(index, markFree)
	if index < alloc.pageBitmapIndex {
		alloc.pageBitmapIndex = index
	}
}

// ReservePage marks the free frame at addr as reserved.
func (alloc *BitmapAllocator) ReservePage(addr uintptr) *kernel.Error {
	return alloc.ReservePages(addr, 1)
}

// ReservePages marks count free frames starting at addr as reserved. The
// request fails without changes if any frame in the range is not free.
func (alloc *BitmapAllocator) ReservePages(addr uintptr, count uint64) *kernel.Error {
	return alloc.transition(addr, count, func(index uint64) bool {
		return !alloc.isSet(alloc.usedBitmap, index)
	}, func(index uint64) {
		alloc.markFrame(index, markReserved)
	})
}

// UnreservePage returns the reserved frame at addr to the free pool.
func (alloc *BitmapAllocator) UnreservePage(addr uintptr) *kernel.Error {
	return alloc.UnreservePages(addr, 1)
}

// UnreservePages returns count reserved frames starting at addr to the free
// pool. Frames in the range that are not reserved are skipped.
func (alloc *BitmapAllocator) UnreservePages(addr uintptr, count uint64) *kernel.Error {
	return alloc.transition(addr, count, nil, func(index uint64) {
		if alloc.isSet(alloc.reservedBitmap, index) {
			alloc.markFrame(index, markFree)
		}
	})
}

// LockPage marks the free frame at addr as used without handing it out.
func (alloc *BitmapAllocator) LockPage(addr uintptr) *kernel.Error {
	return alloc.LockPages(addr, 1)
}

// LockPages marks count free frames starting at addr as used. The request
// fails without changes if any frame in the range is not free.
func (alloc *BitmapAllocator) LockPages(addr uintptr, count uint64) *kernel.Error {
	return alloc.transition(addr, count, func(index uint64) bool {
		return !alloc.isSet(alloc.usedBitmap, index)
	}, func(index uint64) {
		alloc.markUsed(index)
		alloc.refs[index] = 1
	})
}

// UnlockPage releases a frame previously locked with LockPage.
func (alloc *BitmapAllocator) UnlockPage(addr uintptr) *kernel.Error {
	return alloc.UnlockPages(addr, 1)
}

// UnlockPages releases count frames previously locked with LockPages.
func (alloc *BitmapAllocator) UnlockPages(addr uintptr, count uint64) *kernel.Error {
	return alloc.FreePages(addr, count)
}

// transition validates every frame in the range with check before applying
// apply to each of them under the allocator lock.
func (alloc *BitmapAllocator) transition(addr uintptr, count uint64, check func(uint64) bool, apply func(uint64)) *kernel.Error {
	index, err := alloc.rangeIndex(addr, count)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if check != nil {
		for i := index; i < index+count; i++ {
			if !check(i) {
				return ErrFrameInUse
			}
		}
	}

	for i := index; i < index+count; i++ {
		apply(i)
	}

	return nil
}

// SwapPage moves the frame at addr to backing storage. There is no swap
// backend so the call always fails.
func (alloc *BitmapAllocator) SwapPage(addr uintptr) *kernel.Error {
	log.Printf("swap out of frame 0x%x requested: %s", addr, ErrNotImplemented.Message)
	return ErrNotImplemented
}

// UnswapPage brings a swapped out frame back into memory. There is no swap
// backend so the call always fails.
func (alloc *BitmapAllocator) UnswapPage(addr uintptr) *kernel.Error {
	log.Printf("swap in of frame 0x%x requested: %s", addr, ErrNotImplemented.Message)
	return ErrNotImplemented
}

// TotalMemory returns the size of the managed physical memory in bytes.
func (alloc *BitmapAllocator) TotalMemory() uint64 { return atomic.LoadUint64(&alloc.totalMemory) }

// FreeMemory returns the number of bytes available for allocation.
func (alloc *BitmapAllocator) FreeMemory() uint64 { return atomic.LoadUint64(&alloc.freeMemory) }

// UsedMemory returns the number of bytes in allocated or locked frames.
func (alloc *BitmapAllocator) UsedMemory() uint64 { return atomic.LoadUint64(&alloc.usedMemory) }

// ReservedMemory returns the number of bytes in reserved frames.
func (alloc *BitmapAllocator) ReservedMemory() uint64 {
	return atomic.LoadUint64(&alloc.reservedMemory)
}

// AllocFrame implements mm.FrameAllocator.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.RequestPage()
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// FreeFrame implements mm.FrameAllocator.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.FreePage(frame.Address())
}

// ShareFrame implements mm.FrameAllocator.
func (alloc *BitmapAllocator) ShareFrame(frame mm.Frame) *kernel.Error {
	index, ok := alloc.indexOf(frame)
	if !ok {
		return ErrInvalidFrame
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.refs[index] == 0 {
		return ErrInvalidFrame
	}
	alloc.refs[index]++
	return nil
}

// FrameRefs implements mm.FrameAllocator.
func (alloc *BitmapAllocator) FrameRefs(frame mm.Frame) uint32 {
	index, ok := alloc.indexOf(frame)
	if !ok {
		return 0
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.refs[index]
}

// Dmap implements mm.FrameAllocator.
func (alloc *BitmapAllocator) Dmap(frame mm.Frame) []byte {
	return alloc.mem.Frame(frame)
}

// printStats logs the memory map and the allocator counters.
func (alloc *BitmapAllocator) printStats(memoryMap []multiboot.MemoryMapEntry) {
	log.Printf("system memory map:")
	for _, region := range memoryMap {
		log.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
	}
	log.Printf("page stats: free: %d/%d (%d reserved)",
		alloc.FreeMemory()>>mm.PageShift,
		alloc.TotalMemory()>>mm.PageShift,
		alloc.ReservedMemory()>>mm.PageShift,
	)
}
