package vmm

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// PagingMode describes the page table layout of an architecture. All page
// table operations are driven by a PagingMode so a single walk algorithm
// serves every supported architecture.
type PagingMode struct {
	Name string

	// levels indicates the number of page levels.
	levels uint8

	// levelBits defines the number of virtual address bits that
	// correspond to each page level.
	levelBits []uint8

	// levelShifts defines the shift required to access each page table
	// component of a virtual address.
	levelShifts []uint8

	// entrySize is the size of a page table entry in bytes.
	entrySize uintptr

	// physPageMask extracts the physical frame address from an entry.
	physPageMask uint64

	// addrBits is the number of significant virtual address bits.
	addrBits uint8

	// signExtend is set for architectures that require canonical
	// (sign-extended) virtual addresses.
	signExtend bool

	// flagMask selects the entry flags supported by the architecture.
	flagMask PageTableEntryFlag
}

var (
	// ModeAmd64 describes 4-level paging with 8-byte entries.
	ModeAmd64 = &PagingMode{
		Name:         "amd64",
		levels:       4,
		levelBits:    []uint8{9, 9, 9, 9},
		levelShifts:  []uint8{39, 30, 21, 12},
		entrySize:    8,
		physPageMask: 0x000ffffffffff000,
		addrBits:     48,
		signExtend:   true,
		flagMask:     PageTableEntryFlag(0xfff) | FlagNoExecute,
	}

	// ModeI386 describes 2-level 32-bit paging with 4-byte entries. The
	// architecture has no execute-disable bit.
	ModeI386 = &PagingMode{
		Name:         "i386",
		levels:       2,
		levelBits:    []uint8{10, 10},
		levelShifts:  []uint8{22, 12},
		entrySize:    4,
		physPageMask: 0xfffff000,
		addrBits:     32,
		flagMask:     PageTableEntryFlag(0xfff),
	}
)

// Levels returns the number of page table levels.
func (m *PagingMode) Levels() uint8 { return m.levels }

// entryIndex returns the index of the entry that translates virtAddr at the
// given level.
func (m *PagingMode) entryIndex(level uint8, virtAddr uintptr) uintptr {
	return (virtAddr >> m.levelShifts[level]) & ((1 << m.levelBits[level]) - 1)
}

// entriesPerTable returns the number of entries in a table at the given level.
func (m *PagingMode) entriesPerTable(level uint8) uintptr {
	return 1 << m.levelBits[level]
}

// validAddress returns true if virtAddr can be translated by this mode.
func (m *PagingMode) validAddress(virtAddr uintptr) bool {
	upper := uint64(virtAddr) >> (m.addrBits - 1)
	if m.signExtend {
		return upper == 0 || upper == (1<<(65-uint64(m.addrBits)))-1
	}
	return upper <= 1
}

// addressOf rebuilds the virtual address that corresponds to a sequence of
// per-level entry indices.
func (m *PagingMode) addressOf(indices []uintptr) uintptr {
	var addr uint64
	for level, index := range indices {
		addr |= uint64(index) << m.levelShifts[level]
	}

	if m.signExtend && addr&(1<<(m.addrBits-1)) != 0 {
		addr |= ^uint64(0) << m.addrBits
	}
	return uintptr(addr)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func (m *PagingMode) PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << m.levelShifts[m.levels-1]) - 1)
}
