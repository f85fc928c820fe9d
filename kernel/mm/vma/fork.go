package vma

import (
	"sync/atomic"

	"golang.org/x/exp/slices"

	"gopherkern/kernel/mm/vmm"
)

// Fork returns the area of a child address space whose page table is
// childTable, typically obtained with vmm.PageTable.Fork. Allocation
// records are copied. Shared regions hand their descriptor to the child and
// gain a reference; private regions are duplicated.
func (v *VirtualMemoryArea) Fork(childTable *vmm.PageTable) *VirtualMemoryArea {
	v.mgrLock.Acquire()
	defer v.mgrLock.Release()

	child := &VirtualMemoryArea{
		layout:      v.layout,
		table:       childTable,
		frames:      v.frames,
		bitmap:      v.bitmap.clone(),
		allocations: slices.Clone(v.allocations),
		regions:     make([]*SharedRegion, 0, len(v.regions)),
		readPage:    v.readPage,
	}

	for _, region := range v.regions {
		if region.Shared {
			atomic.AddInt32(&region.ReferenceCount, 1)
			child.regions = append(child.regions, region)
			continue
		}

		private := region.snapshot()
		private.ReferenceCount = 1
		child.regions = append(child.regions, &private)
	}

	return child
}
