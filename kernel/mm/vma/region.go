package vma

import (
	"sync/atomic"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
)

var errNoPageReader = &kernel.Error{Module: "vma", Message: "no page reader registered for file-backed region", Errno: unix.ENODEV}

// FileHandle identifies an open file in the backing store.
type FileHandle uintptr

// PageReader fills the physical frame dst with the contents of file starting
// at offset. It returns the number of bytes read; the rest of the frame is
// left zeroed.
type PageReader func(file FileHandle, offset uint64, dst mm.Frame) (int, *kernel.Error)

// SharedRegion describes a lazily backed virtual range. Pages are backed on
// first access and shared copy-on-write with forked address spaces.
//
// The descriptor of a Shared region is referenced by every address space
// forked from its creator; ReferenceCount tracks how many of them still
// refer to it. An address space that breaks the sharing of any page in the
// region detaches and continues with a private descriptor.
type SharedRegion struct {
	Address uintptr
	Length  uintptr

	Read, Write, Exec bool
	Fixed, Shared     bool

	// ReferenceCount is accessed atomically.
	ReferenceCount int32

	// File and Offset describe the backing store of file-backed regions.
	File       FileHandle
	Offset     uint64
	FileBacked bool
}

// End returns the first address past the region.
func (r *SharedRegion) End() uintptr {
	return r.Address + r.Length
}

func (r *SharedRegion) contains(addr uintptr) bool {
	return addr >= r.Address && addr < r.End()
}

func (r *SharedRegion) snapshot() SharedRegion {
	s := *r
	s.ReferenceCount = atomic.LoadInt32(&r.ReferenceCount)
	return s
}

// release drops the reference that an address space holds on r.
func (r *SharedRegion) release() {
	atomic.AddInt32(&r.ReferenceCount, -1)
}

func (r *SharedRegion) mapFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if r.Write {
		flags |= vmm.FlagRW
	}
	if !r.Exec {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

func cmpRegion(r *SharedRegion, addr uintptr) int {
	switch {
	case r.Address < addr:
		return -1
	case r.Address > addr:
		return 1
	default:
		return 0
	}
}

// SetPageReader registers the callback used to populate file-backed
// regions.
func (v *VirtualMemoryArea) SetPageReader(fn PageReader) {
	v.mgrLock.Acquire()
	v.readPage = fn
	v.mgrLock.Release()
}

// CreateCoWRegion reserves a virtual range of length bytes and returns its
// address. Physical backing is deferred until the first access to each page.
//
// If fixed is set the region is placed at address, which must be page
// aligned and free. Otherwise address is used as a hint and the region is
// placed at the first free range after the mmap base if the hint cannot be
// honored.
func (v *VirtualMemoryArea) CreateCoWRegion(address, length uintptr, read, write, exec, fixed, shared bool) (uintptr, *kernel.Error) {
	return v.createRegion(&SharedRegion{
		Address: address,
		Length:  length,
		Read:    read,
		Write:   write,
		Exec:    exec,
		Fixed:   fixed,
		Shared:  shared,
	})
}

// CreateFileRegion behaves like CreateCoWRegion but populates pages from
// file starting at offset using the registered PageReader.
func (v *VirtualMemoryArea) CreateFileRegion(file FileHandle, offset uint64, address, length uintptr, read, write, exec, fixed, shared bool) (uintptr, *kernel.Error) {
	if offset&uint64(mm.PageSize-1) != 0 {
		return 0, ErrInvalidArgument
	}

	return v.createRegion(&SharedRegion{
		Address:    address,
		Length:     length,
		Read:       read,
		Write:      write,
		Exec:       exec,
		Fixed:      fixed,
		Shared:     shared,
		File:       file,
		Offset:     offset,
		FileBacked: true,
	})
}

func (v *VirtualMemoryArea) createRegion(region *SharedRegion) (uintptr, *kernel.Error) {
	if region.Length == 0 {
		return 0, ErrInvalidArgument
	}

	pageCount := mm.PagesForSize(region.Length)

	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	switch {
	case region.Fixed:
		if region.Address&(mm.PageSize-1) != 0 {
			return 0, ErrInvalidArgument
		}
		if !v.inWindow(region.Address, pageCount) {
			return 0, ErrOutOfVirtualSpace
		}
		if !v.bitmap.rangeFree(v.pageIndex(region.Address), pageCount) {
			return 0, ErrRangeInUse
		}
	default:
		hint := mm.PageAlignDown(region.Address)
		if hint == 0 || !v.inWindow(hint, pageCount) || !v.bitmap.rangeFree(v.pageIndex(hint), pageCount) {
			index, ok := v.bitmap.findFree(v.pageIndex(v.layout.MmapBase), pageCount)
			if !ok {
				return 0, ErrOutOfVirtualSpace
			}
			hint = v.layout.Base + index<<mm.PageShift
		}
		region.Address = hint
	}

	region.Length = pageCount << mm.PageShift
	region.ReferenceCount = 1
	v.bitmap.setRange(v.pageIndex(region.Address), pageCount, true)

	index, _ := slices.BinarySearchFunc(v.regions, region.Address, cmpRegion)
	v.regions = slices.Insert(v.regions, index, region)
	return region.Address, nil
}

// RemoveRegion unmaps the region that starts at address and drops this
// address space's reference to its descriptor.
func (v *VirtualMemoryArea) RemoveRegion(address uintptr) *kernel.Error {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	index, found := slices.BinarySearchFunc(v.regions, address, cmpRegion)
	if !found {
		return ErrNotFound
	}

	region := v.regions[index]
	v.unmapPages(region.Address, region.Length>>mm.PageShift)
	v.bitmap.setRange(v.pageIndex(region.Address), region.Length>>mm.PageShift, false)
	region.release()
	v.regions = slices.Delete(v.regions, index, index+1)
	return nil
}

// Regions returns a snapshot of the regions sorted by address.
func (v *VirtualMemoryArea) Regions() []SharedRegion {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	out := make([]SharedRegion, len(v.regions))
	for i, region := range v.regions {
		out[i] = region.snapshot()
	}
	return out
}

// regionFor returns the index and descriptor of the region that contains
// addr or a nil descriptor if no region does.
func (v *VirtualMemoryArea) regionFor(addr uintptr) (int, *SharedRegion) {
	index, found := slices.BinarySearchFunc(v.regions, addr, cmpRegion)
	if found {
		return index, v.regions[index]
	}
	if index > 0 && v.regions[index-1].contains(addr) {
		return index - 1, v.regions[index-1]
	}
	return -1, nil
}

// HandleCoW attempts to resolve a page fault at faultAddress. It backs
// untouched region pages, breaks copy-on-write sharing of region pages and
// of private pages inherited through Fork, and returns true if the faulting
// access can be retried. A false return means that the fault does not
// belong to this address space.
func (v *VirtualMemoryArea) HandleCoW(faultAddress uintptr) bool {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	if !v.inWindow(faultAddress, 1) || !v.bitmap.isSet(v.pageIndex(faultAddress)) {
		return false
	}

	page := mm.PageFromAddress(faultAddress)
	index, region := v.regionFor(faultAddress)
	if region == nil {
		handled, err := v.table.ResolveCopyOnWrite(page)
		if err != nil {
			log.Printf("unable to resolve CoW fault at 0x%x: %s", faultAddress, err.Message)
		}
		return handled
	}

	if !region.Read && !region.Write && !region.Exec {
		return false
	}

	_, flags, err := v.table.Lookup(page.Address())
	switch {
	case err != nil:
		err = v.backPage(region, page)
	case region.Write && flags&vmm.FlagCopyOnWrite != 0:
		_, err = v.table.ResolveCopyOnWrite(page)
	case region.Write && flags&vmm.FlagRW == 0:
		err = v.table.Protect(page, vmm.FlagRW, 0)
	default:
		return false
	}

	if err != nil {
		log.Printf("unable to resolve fault at 0x%x: %s", faultAddress, err.Message)
		return false
	}

	v.detach(index, region)
	return true
}

// backPage allocates and maps the frame for an untouched region page.
func (v *VirtualMemoryArea) backPage(region *SharedRegion, page mm.Page) *kernel.Error {
	frame, err := v.frames.AllocFrame()
	if err != nil {
		return err
	}

	if region.FileBacked {
		if v.readPage == nil {
			err = errNoPageReader
		} else {
			_, err = v.readPage(region.File, region.Offset+uint64(page.Address()-region.Address), frame)
		}
	}

	if err == nil {
		err = v.table.Map(page, frame, region.mapFlags())
	}

	if err != nil {
		_ = v.frames.FreeFrame(frame)
	}
	return err
}

// detach gives this address space a private copy of a region descriptor
// that is still referenced by other address spaces.
func (v *VirtualMemoryArea) detach(index int, region *SharedRegion) {
	for {
		refs := atomic.LoadInt32(&region.ReferenceCount)
		if refs <= 1 {
			return
		}
		if atomic.CompareAndSwapInt32(&region.ReferenceCount, refs, refs-1) {
			break
		}
	}

	private := region.snapshot()
	private.ReferenceCount = 1
	v.regions[index] = &private
}
