package vmm

import (
	"encoding/binary"

	"gopherkern/kernel/mm"
)

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flags encoded in this entry.
func (pte pageTableEntry) Flags(mode *PagingMode) PageTableEntryFlag {
	return PageTableEntryFlag(pte) & mode.flagMask
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame(mode *PagingMode) mm.Frame {
	return mm.Frame((uint64(pte) & mode.physPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(mode *PagingMode, frame mm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ mode.physPageMask) | (uint64(frame.Address()) & mode.physPageMask))
}

// readEntry decodes the entry at index from a page table frame.
func readEntry(mode *PagingMode, table []byte, index uintptr) pageTableEntry {
	offset := index * mode.entrySize
	if mode.entrySize == 4 {
		return pageTableEntry(binary.LittleEndian.Uint32(table[offset:]))
	}
	return pageTableEntry(binary.LittleEndian.Uint64(table[offset:]))
}

// writeEntry encodes pte into the entry at index of a page table frame.
// Flags that the architecture does not support are dropped.
func writeEntry(mode *PagingMode, table []byte, index uintptr, pte pageTableEntry) {
	offset := index * mode.entrySize
	pte &= pageTableEntry(mode.physPageMask) | pageTableEntry(mode.flagMask)
	if mode.entrySize == 4 {
		binary.LittleEndian.PutUint32(table[offset:], uint32(pte))
		return
	}
	binary.LittleEndian.PutUint64(table[offset:], uint64(pte))
}
