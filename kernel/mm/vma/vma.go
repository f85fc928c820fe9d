// Package vma tracks the virtual memory areas of an address space: the page
// runs handed out by RequestPages and the lazily backed regions created by
// CreateCoWRegion and CreateFileRegion.
package vma

import (
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sync"
)

var (
	log = kfmt.NewLogger("vma")

	// ErrOutOfVirtualSpace is returned when no free virtual range of the
	// requested size exists.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vma", Message: "out of virtual address space", Errno: unix.ENOMEM}

	// ErrNotFound is returned when an address does not match a tracked
	// allocation or region.
	ErrNotFound = &kernel.Error{Module: "vma", Message: "no matching allocation", Errno: unix.ENOENT}

	// ErrInvalidArgument is returned for zero-sized or misaligned requests.
	ErrInvalidArgument = &kernel.Error{Module: "vma", Message: "invalid argument", Errno: unix.EINVAL}

	// ErrRangeInUse is returned when a fixed placement overlaps an existing
	// allocation or region.
	ErrRangeInUse = &kernel.Error{Module: "vma", Message: "virtual range is already in use", Errno: unix.EEXIST}

	// ErrProtected is returned when freeing a protected allocation.
	ErrProtected = &kernel.Error{Module: "vma", Message: "allocation is protected", Errno: unix.EPERM}
)

// Layout describes the virtual address window managed by a
// VirtualMemoryArea.
type Layout struct {
	// Base is the first page-aligned address of the window.
	Base uintptr

	// Size is the size of the window in bytes.
	Size uintptr

	// MmapBase is where searches for non-fixed regions begin.
	MmapBase uintptr
}

// AllocatedPages describes a run of eagerly backed pages.
type AllocatedPages struct {
	Address   uintptr
	PageCount uintptr

	// Protected allocations are pinned and cannot be released with
	// FreePages; they are only reclaimed by Release.
	Protected bool
}

// End returns the first address past the allocation.
func (a AllocatedPages) End() uintptr {
	return a.Address + a.PageCount<<mm.PageShift
}

// VirtualMemoryArea manages the virtual pages of one address space. It
// references, but does not own, the page table that it populates.
type VirtualMemoryArea struct {
	mgrLock sync.Spinlock

	layout Layout
	table  *vmm.PageTable
	frames mm.FrameAllocator

	bitmap      pageBitmap
	allocations []AllocatedPages
	regions     []*SharedRegion
	readPage    PageReader
}

// New returns a VirtualMemoryArea that manages the window described by
// layout. Pages are mapped into table using frames allocated from frames.
func New(table *vmm.PageTable, frames mm.FrameAllocator, layout Layout) (*VirtualMemoryArea, *kernel.Error) {
	if layout.Size == 0 || layout.Base&(mm.PageSize-1) != 0 || layout.Size&(mm.PageSize-1) != 0 {
		return nil, ErrInvalidArgument
	}

	if layout.MmapBase < layout.Base || layout.MmapBase >= layout.Base+layout.Size {
		layout.MmapBase = layout.Base
	}

	return &VirtualMemoryArea{
		layout: layout,
		table:  table,
		frames: frames,
		bitmap: newPageBitmap(layout.Size >> mm.PageShift),
	}, nil
}

// Layout returns the window managed by this area.
func (v *VirtualMemoryArea) Layout() Layout { return v.layout }

// Table returns the page table populated by this area.
func (v *VirtualMemoryArea) Table() *vmm.PageTable { return v.table }

// Frames returns the allocator that backs pages of this area.
func (v *VirtualMemoryArea) Frames() mm.FrameAllocator { return v.frames }

func (v *VirtualMemoryArea) pageIndex(addr uintptr) uintptr {
	return (addr - v.layout.Base) >> mm.PageShift
}

func (v *VirtualMemoryArea) inWindow(addr, pageCount uintptr) bool {
	end := addr + pageCount<<mm.PageShift
	return addr >= v.layout.Base && end > addr && end <= v.layout.Base+v.layout.Size
}

func dataFlags(user bool) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	if user {
		flags |= vmm.FlagUserAccessible
	}
	return flags
}

// RequestPages reserves count virtual pages, backs them with zeroed frames
// and returns the address of the first page. The pages are accessible from
// user mode if user is set.
func (v *VirtualMemoryArea) RequestPages(count uintptr, user, protect bool) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, ErrInvalidArgument
	}

	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	index, ok := v.bitmap.findFree(0, count)
	if !ok {
		return 0, ErrOutOfVirtualSpace
	}

	addr := v.layout.Base + index<<mm.PageShift
	if err := v.populate(addr, count, user, protect); err != nil {
		return 0, err
	}
	return addr, nil
}

// RequestPagesAt behaves like RequestPages but places the pages at the
// supplied page-aligned address.
func (v *VirtualMemoryArea) RequestPagesAt(addr, count uintptr, user, protect bool) *kernel.Error {
	if count == 0 || addr&(mm.PageSize-1) != 0 {
		return ErrInvalidArgument
	}

	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	if !v.inWindow(addr, count) {
		return ErrOutOfVirtualSpace
	}
	if !v.bitmap.rangeFree(v.pageIndex(addr), count) {
		return ErrRangeInUse
	}

	return v.populate(addr, count, user, protect)
}

// populate backs count pages at addr and records the allocation. A failure
// unwinds every page mapped so far.
func (v *VirtualMemoryArea) populate(addr, count uintptr, user, protect bool) *kernel.Error {
	flags := dataFlags(user)
	for i := uintptr(0); i < count; i++ {
		page := mm.PageFromAddress(addr) + mm.Page(i)

		frame, err := v.frames.AllocFrame()
		if err == nil {
			if err = v.table.Map(page, frame, flags); err != nil {
				_ = v.frames.FreeFrame(frame)
			}
		}

		if err != nil {
			v.unmapPages(addr, i)
			return err
		}
	}

	v.bitmap.setRange(v.pageIndex(addr), count, true)
	record := AllocatedPages{Address: addr, PageCount: count, Protected: protect}
	index, _ := slices.BinarySearchFunc(v.allocations, addr, cmpAllocation)
	v.allocations = slices.Insert(v.allocations, index, record)
	return nil
}

// unmapPages removes count mappings starting at addr and drops the frame
// references they held. Pages that are not mapped are skipped.
func (v *VirtualMemoryArea) unmapPages(addr, count uintptr) {
	for i := uintptr(0); i < count; i++ {
		if frame, err := v.table.UnmapFrame(mm.PageFromAddress(addr) + mm.Page(i)); err == nil {
			_ = v.frames.FreeFrame(frame)
		}
	}
}

func cmpAllocation(a AllocatedPages, addr uintptr) int {
	switch {
	case a.Address < addr:
		return -1
	case a.Address > addr:
		return 1
	default:
		return 0
	}
}

// FreePages releases an allocation made by RequestPages or RequestPagesAt.
// The address and page count must match the allocation exactly; frees that
// only partially overlap an allocation are rejected.
func (v *VirtualMemoryArea) FreePages(addr, count uintptr) *kernel.Error {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	index, found := slices.BinarySearchFunc(v.allocations, addr, cmpAllocation)
	if !found || v.allocations[index].PageCount != count {
		return ErrNotFound
	}

	if v.allocations[index].Protected {
		return ErrProtected
	}

	v.unmapPages(addr, count)
	v.bitmap.setRange(v.pageIndex(addr), count, false)
	v.allocations = slices.Delete(v.allocations, index, index+1)
	return nil
}

// Allocations returns a snapshot of the allocations sorted by address.
func (v *VirtualMemoryArea) Allocations() []AllocatedPages {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	return slices.Clone(v.allocations)
}

// Owns returns true if addr falls inside a tracked allocation or region.
func (v *VirtualMemoryArea) Owns(addr uintptr) bool {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	if !v.inWindow(addr, 1) {
		return false
	}
	return v.bitmap.isSet(v.pageIndex(addr))
}

// Release unmaps every allocation and region and resets the area. Region
// descriptors shared with other areas lose one reference.
func (v *VirtualMemoryArea) Release() {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	for _, alloc := range v.allocations {
		v.unmapPages(alloc.Address, alloc.PageCount)
	}
	for _, region := range v.regions {
		v.unmapPages(region.Address, region.Length>>mm.PageShift)
		region.release()
	}

	v.allocations = nil
	v.regions = nil
	v.bitmap = newPageBitmap(v.bitmap.pages)
}
