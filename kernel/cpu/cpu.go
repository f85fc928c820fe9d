// Package cpu exposes the per-core architectural operations needed by the
// memory manager and the scheduler. The kernel core runs hosted, so each
// operation records its effect instead of executing a privileged
// instruction: TLB invalidations are counted and page table root switches
// are tracked per core.
package cpu

import "sync/atomic"

var (
	// tlbFlushes counts local TLB entry invalidations (invlpg).
	tlbFlushes uint64

	// haltCh is never written to; receiving from it parks the calling core.
	haltCh chan struct{}
)

// FlushTLBEntry flushes a TLB entry for a particular virtual address on the
// current core.
func FlushTLBEntry(virtAddr uintptr) {
	atomic.AddUint64(&tlbFlushes, 1)
}

// FlushTLBCount returns the number of TLB entry flushes performed so far.
func FlushTLBCount() uint64 {
	return atomic.LoadUint64(&tlbFlushes)
}

// Halt stops instruction execution on the calling core. It never returns.
func Halt() {
	<-haltCh
}

// Core models the state of a single CPU core that is visible to the kernel.
type Core struct {
	// ID is the APIC id of the core.
	ID uint32

	activePDT uintptr
	pdtSwaps  uint64
	ticks     uint64
	cr2       uintptr
}

// NewCore returns a core with the given id.
func NewCore(id uint32) *Core {
	return &Core{ID: id}
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *Core) SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUintptr(&c.activePDT, pdtPhysAddr)
	atomic.AddUint64(&c.pdtSwaps, 1)
}

// ActivePDT returns the physical address of the currently active page table.
func (c *Core) ActivePDT() uintptr {
	return atomic.LoadUintptr(&c.activePDT)
}

// PDTSwitches returns the number of address space switches performed by
// this core.
func (c *Core) PDTSwitches() uint64 {
	return atomic.LoadUint64(&c.pdtSwaps)
}

// Tick records a timer interrupt and returns the number of ticks observed
// by this core.
func (c *Core) Tick() uint64 {
	return atomic.AddUint64(&c.ticks, 1)
}

// Ticks returns the number of timer interrupts observed by this core.
func (c *Core) Ticks() uint64 {
	return atomic.LoadUint64(&c.ticks)
}

// SetCR2 records the linear address that caused the last page fault on this
// core.
func (c *Core) SetCR2(faultAddress uintptr) {
	atomic.StoreUintptr(&c.cr2, faultAddress)
}

// ReadCR2 returns the linear address that caused the last page fault on
// this core.
func (c *Core) ReadCR2() uintptr {
	return atomic.LoadUintptr(&c.cr2)
}
