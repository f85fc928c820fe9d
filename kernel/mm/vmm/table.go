// Package vmm implements multi-level page tables over the frames handed out
// by a mm.FrameAllocator.
package vmm

import (
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sync"
)

var (
	// flushTLBEntryFn is used by tests to observe TLB invalidations.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Errno: unix.EFAULT}

	// ErrInvalidAddress is returned for virtual addresses that the paging mode cannot translate.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "virtual address is outside the addressable range", Errno: unix.EINVAL}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errFrameOutOfRange   = &kernel.Error{Module: "vmm", Message: "physical frame cannot be addressed by the paging mode", Errno: unix.EINVAL}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
// Changes made to the entry are written back to the table.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// PageTable is the root of the page table hierarchy of an address space.
// All mutations are serialized by the table's memory lock.
type PageTable struct {
	mode   *PagingMode
	frames mm.FrameAllocator
	root   mm.Frame

	// memoryLock serializes Map, Unmap and Fork calls.
	memoryLock sync.Spinlock
}

// NewPageTable allocates an empty top-level table.
func NewPageTable(mode *PagingMode, frames mm.FrameAllocator) (*PageTable, *kernel.Error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	pt := &PageTable{mode: mode, frames: frames, root: root}
	if err = pt.checkFrame(root); err != nil {
		_ = frames.FreeFrame(root)
		return nil, err
	}

	kernel.Memset(frames.Dmap(root), 0)
	return pt, nil
}

// Mode returns the paging mode of this table.
func (pt *PageTable) Mode() *PagingMode { return pt.mode }

// Root returns the frame that holds the top-level table.
func (pt *PageTable) Root() mm.Frame { return pt.root }

// Activate loads this table into the supplied core.
func (pt *PageTable) Activate(core *cpu.Core) {
	core.SwitchPDT(pt.root.Address())
}

func (pt *PageTable) checkFrame(frame mm.Frame) *kernel.Error {
	if uint64(frame.Address())&^pt.mode.physPageMask != 0 {
		return errFrameOutOfRange
	}
	return nil
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pt.root
	for level := uint8(0); level < pt.mode.levels; level++ {
		var (
			table      = pt.frames.Dmap(tableFrame)
			entryIndex = pt.mode.entryIndex(level, virtAddr)
			pte        = readEntry(pt.mode, table, entryIndex)
			orig       = pte
			ok         = walkFn(level, &pte)
		)

		if pte != orig {
			writeEntry(pt.mode, table, entryIndex, pte)
		}

		if !ok {
			return
		}

		tableFrame = pte.Frame(pt.mode)
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables at each paging level are allocated from the
// table's frame allocator and cleared.
//
// The table does not take a reference on frame; callers hand over the
// reference they hold for as long as the mapping exists.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	return pt.mapLocked(page, frame, flags)
}

// MapRange maps count consecutive pages starting at page to consecutive
// frames starting at frame.
func (pt *PageTable) MapRange(page mm.Page, frame mm.Frame, count uintptr, flags PageTableEntryFlag) *kernel.Error {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	for i := uintptr(0); i < count; i++ {
		if err := pt.mapLocked(page+mm.Page(i), frame+mm.Frame(i), flags); err != nil {
			return err
		}
	}

	return nil
}

func (pt *PageTable) mapLocked(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !pt.mode.validAddress(page.Address()) {
		return ErrInvalidAddress
	}
	if err := pt.checkFrame(frame); err != nil {
		return err
	}

	var (
		err        *kernel.Error
		tableFlags = FlagPresent | FlagRW | (flags & FlagUserAccessible)
	)

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pt.mode.levels-1 {
			*pte = 0
			pte.SetFrame(pt.mode, frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = pt.frames.AllocFrame(); err != nil {
				return false
			}
			if err = pt.checkFrame(newTableFrame); err != nil {
				_ = pt.frames.FreeFrame(newTableFrame)
				return false
			}

			kernel.Memset(pt.frames.Dmap(newTableFrame), 0)
			*pte = 0
			pte.SetFrame(pt.mode, newTableFrame)
		}

		// Intermediate entries must grant at least the access rights
		// of the leaf.
		pte.SetFlags(tableFlags)
		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map. The
// reference on the mapped frame is not dropped. Intermediate tables are
// never reclaimed by Unmap even if they become empty; Destroy releases them.
func (pt *PageTable) Unmap(page mm.Page) *kernel.Error {
	_, err := pt.UnmapFrame(page)
	return err
}

// UnmapFrame behaves like Unmap and also returns the frame that the page was
// mapped to so that callers can release it.
func (pt *PageTable) UnmapFrame(page mm.Page) (mm.Frame, *kernel.Error) {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	return pt.unmapLocked(page)
}

// UnmapRange removes the mappings for count consecutive pages starting at
// page. Pages that are not mapped are skipped.
func (pt *PageTable) UnmapRange(page mm.Page, count uintptr) {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	for i := uintptr(0); i < count; i++ {
		_, _ = pt.unmapLocked(page + mm.Page(i))
	}
}

func (pt *PageTable) unmapLocked(page mm.Page) (mm.Frame, *kernel.Error) {
	if !pt.mode.validAddress(page.Address()) {
		return mm.InvalidFrame, ErrInvalidAddress
	}

	var (
		err   = ErrInvalidMapping
		frame = mm.InvalidFrame
	)

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pt.mode.levels-1 {
			frame, err = pte.Frame(pt.mode), nil
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// lookupLocked returns the leaf entry for virtAddr.
func (pt *PageTable) lookupLocked(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	if !pt.mode.validAddress(virtAddr) {
		return 0, ErrInvalidAddress
	}

	var (
		err  = ErrInvalidMapping
		leaf pageTableEntry
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pt.mode.levels-1 {
			leaf, err = *pte, nil
		}
		return true
	})

	return leaf, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	leaf, err := pt.lookupLocked(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return leaf.Frame(pt.mode).Address() + pt.mode.PageOffset(virtAddr), nil
}

// Lookup returns the frame and flags of the mapping for virtAddr.
func (pt *PageTable) Lookup(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	leaf, err := pt.lookupLocked(virtAddr)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return leaf.Frame(pt.mode), leaf.Flags(pt.mode), nil
}

// Protect sets and clears flags on an existing mapping.
func (pt *PageTable) Protect(page mm.Page, set, clear PageTableEntryFlag) *kernel.Error {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	return pt.protectLocked(page, set, clear)
}

func (pt *PageTable) protectLocked(page mm.Page, set, clear PageTableEntryFlag) *kernel.Error {
	if !pt.mode.validAddress(page.Address()) {
		return ErrInvalidAddress
	}

	err := ErrInvalidMapping
	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pt.mode.levels-1 {
			pte.ClearFlags(clear)
			pte.SetFlags(set | FlagPresent)
			flushTLBEntryFn(page.Address())
			err = nil
		}
		return true
	})

	return err
}

// visit invokes visitFn for every present leaf entry reachable from the
// table stored in tableFrame. The entry is written back if visitFn modifies
// it. Tables are visited before their entries are descended into.
func (pt *PageTable) visit(tableFrame mm.Frame, level uint8, indices []uintptr, visitFn func(virtAddr uintptr, pte *pageTableEntry)) {
	table := pt.frames.Dmap(tableFrame)
	for index := uintptr(0); index < pt.mode.entriesPerTable(level); index++ {
		pte := readEntry(pt.mode, table, index)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		indices[level] = index
		if level == pt.mode.levels-1 {
			orig := pte
			visitFn(pt.mode.addressOf(indices), &pte)
			if pte != orig {
				writeEntry(pt.mode, table, index, pte)
			}
			continue
		}

		pt.visit(pte.Frame(pt.mode), level+1, indices, visitFn)
	}
}

// Destroy drops the reference held by every mapped page and releases all
// page tables including the root. The table must not be used afterwards.
func (pt *PageTable) Destroy() {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	if !pt.root.Valid() {
		return
	}

	pt.destroyTable(pt.root, 0)
	pt.root = mm.InvalidFrame
}

func (pt *PageTable) destroyTable(tableFrame mm.Frame, level uint8) {
	table := pt.frames.Dmap(tableFrame)
	for index := uintptr(0); index < pt.mode.entriesPerTable(level); index++ {
		pte := readEntry(pt.mode, table, index)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pt.mode.levels-1 {
			_ = pt.frames.FreeFrame(pte.Frame(pt.mode))
			continue
		}
		pt.destroyTable(pte.Frame(pt.mode), level+1)
	}

	_ = pt.frames.FreeFrame(tableFrame)
}
