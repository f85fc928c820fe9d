package vmm

import (
	"gopherkern/kernel"
	"gopherkern/kernel/mm"
)

// Fork returns a copy of this address space. Every page table level is
// duplicated but data frames are shared: user-writable pages become
// read-only copy-on-write pages in both tables and each shared frame gains
// a reference. Writes to a shared page are resolved by ResolveCopyOnWrite.
func (pt *PageTable) Fork() (*PageTable, *kernel.Error) {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	child, err := NewPageTable(pt.mode, pt.frames)
	if err != nil {
		return nil, err
	}

	if err = pt.forkTable(pt.root, child.root, 0, make([]uintptr, pt.mode.levels)); err != nil {
		child.Destroy()
		return nil, err
	}

	return child, nil
}

func (pt *PageTable) forkTable(srcFrame, dstFrame mm.Frame, level uint8, indices []uintptr) *kernel.Error {
	var (
		src     = pt.frames.Dmap(srcFrame)
		dst     = pt.frames.Dmap(dstFrame)
		lastLvl = level == pt.mode.levels-1
	)

	for index := uintptr(0); index < pt.mode.entriesPerTable(level); index++ {
		pte := readEntry(pt.mode, src, index)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		indices[level] = index
		if !lastLvl {
			tableFrame, err := pt.frames.AllocFrame()
			if err != nil {
				return err
			}
			kernel.Memset(pt.frames.Dmap(tableFrame), 0)

			childPte := pte
			childPte.SetFrame(pt.mode, tableFrame)
			writeEntry(pt.mode, dst, index, childPte)

			if err = pt.forkTable(pte.Frame(pt.mode), tableFrame, level+1, indices); err != nil {
				return err
			}
			continue
		}

		if err := pt.frames.ShareFrame(pte.Frame(pt.mode)); err != nil {
			return err
		}

		if pte.HasFlags(FlagRW | FlagUserAccessible) {
			pte.ClearFlags(FlagRW)
			pte.SetFlags(FlagCopyOnWrite)
			writeEntry(pt.mode, src, index, pte)
			flushTLBEntryFn(pt.mode.addressOf(indices))
		}
		writeEntry(pt.mode, dst, index, pte)
	}

	return nil
}

// ResolveCopyOnWrite breaks the sharing of a copy-on-write page so that it
// can be written to. If the table holds the last reference to the frame the
// page is made writable in place; otherwise the contents are copied into a
// newly allocated frame. ResolveCopyOnWrite returns false if the page is not
// a copy-on-write page.
func (pt *PageTable) ResolveCopyOnWrite(page mm.Page) (bool, *kernel.Error) {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	return pt.resolveCopyOnWriteLocked(page)
}

func (pt *PageTable) resolveCopyOnWriteLocked(page mm.Page) (bool, *kernel.Error) {
	leaf, err := pt.lookupLocked(page.Address())
	if err != nil || leaf.HasFlags(FlagRW) || !leaf.HasFlags(FlagCopyOnWrite) {
		return false, nil
	}

	frame := leaf.Frame(pt.mode)
	if pt.frames.FrameRefs(frame) > 1 {
		copy, err := pt.frames.AllocFrame()
		if err != nil {
			return false, err
		}

		kernel.Memcopy(pt.frames.Dmap(frame), pt.frames.Dmap(copy))
		_ = pt.frames.FreeFrame(frame)
		frame = copy
	}

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pt.mode.levels-1 {
			pte.ClearFlags(FlagCopyOnWrite)
			pte.SetFlags(FlagRW)
			pte.SetFrame(pt.mode, frame)
			flushTLBEntryFn(page.Address())
		}
		return true
	})

	return true, nil
}
