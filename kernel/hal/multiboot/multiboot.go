// Package multiboot decodes the boot information block handed over by a
// multiboot2-compliant boot loader.
package multiboot

import (
	"encoding/binary"
	"strings"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8
	mmapHeaderSize = 8

	// mmapEntrySize is the size of each memory map entry as emitted by
	// the boot loader: base (8), length (8), type (4), reserved (4).
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	infoData  []byte
	cmdLineKV map[string]string
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfo updates the multiboot information block used by this package.
// This function must be invoked before invoking any other function exported
// by this package.
func SetInfo(data []byte) {
	infoData = data
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	tag := findTagByType(tagMemoryMap)
	if len(tag) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(tag))
	if entrySize < mmapEntrySize-4 {
		return
	}

	var entry MemoryMapEntry
	for cur := tag[mmapHeaderSize:]; len(cur) >= entrySize; cur = cur[entrySize:] {
		entry.PhysAddress = binary.LittleEndian.Uint64(cur)
		entry.Length = binary.LittleEndian.Uint64(cur[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(cur[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// GetBootLoaderName returns the name of the boot loader or an empty string
// if the boot loader did not supply one.
func GetBootLoaderName() string {
	return cString(findTagByType(tagBootLoaderName))
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Flags without a value are mapped to themselves.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(cString(findTagByType(tagBootCmdLine))) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// cString converts a NULL-terminated C-style string into a Go string.
func cString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the tag contents excluding the tag header or nil
// if the tag is not present or the info block is truncated.
func findTagByType(want tagType) []byte {
	if len(infoData) < infoHeaderSize {
		return nil
	}

	end := len(infoData)
	if totalSize := int(binary.LittleEndian.Uint32(infoData)); totalSize >= infoHeaderSize && totalSize < end {
		end = totalSize
	}

	for cur := infoHeaderSize; cur+tagHeaderSize <= end; {
		curType := binary.LittleEndian.Uint32(infoData[cur:])
		size := int(binary.LittleEndian.Uint32(infoData[cur+4:]))

		if curType == uint32(tagMbSectionEnd) || size < tagHeaderSize || cur+size > end {
			return nil
		}

		if tagType(curType) == want {
			return infoData[cur+tagHeaderSize : cur+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (size + 7) &^ 7
	}

	return nil
}
