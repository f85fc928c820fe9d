package multiboot

import (
	"encoding/binary"
	"testing"
)

func testInfo() []byte {
	var b Builder
	return b.SetCmdLine("consoleFont=terminus10x18 noquiet").
		SetBootLoaderName("GRUB 2.02~beta2-9ubuntu1.6").
		SetMemoryMap(
			MemoryMapEntry{PhysAddress: 0, Length: 654336, Type: MemAvailable},
			MemoryMapEntry{PhysAddress: 654336, Length: 1024, Type: MemReserved},
			MemoryMapEntry{PhysAddress: 983040, Length: 65536, Type: MemReserved},
			MemoryMapEntry{PhysAddress: 1048576, Length: 133038080, Type: MemAvailable},
			MemoryMapEntry{PhysAddress: 134086656, Length: 131072, Type: MemAcpiReclaimable},
			MemoryMapEntry{PhysAddress: 4294705152, Length: 262144, Type: MemoryEntryType(0xff)},
		).Bytes()
}

func TestFindTagByType(t *testing.T) {
	specs := []struct {
		tagType tagType
		expSize int
	}{
		{tagBootCmdLine, 34},
		{tagBootLoaderName, 27},
		{tagMemoryMap, mmapHeaderSize + 6*mmapEntrySize},
		{tagModules, 0},
	}

	SetInfo(testInfo())

	for specIndex, spec := range specs {
		if got := len(findTagByType(spec.tagType)); got != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, got)
		}
	}
}

func TestFindTagByTypeWithCorruptInfo(t *testing.T) {
	specs := [][]byte{
		nil,
		{0, 0, 0},
		// tag size smaller than its own header
		{16, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 4, 0, 0, 0},
		// tag extends past the end of the block
		{16, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 64, 0, 0, 0},
	}

	for specIndex, spec := range specs {
		SetInfo(spec)
		if tag := findTagByType(tagBootCmdLine); tag != nil {
			t.Errorf("[spec %d] expected findTagByType to return nil; got %v", specIndex, tag)
		}
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		{0, 654336, MemAvailable},
		{654336, 1024, MemReserved},
		{983040, 65536, MemReserved},
		{1048576, 133038080, MemAvailable},
		{134086656, 131072, MemAcpiReclaimable},
		// bogus type values get flagged as reserved
		{4294705152, 262144, MemReserved},
	}

	var visitCount int

	SetInfo(new(Builder).Bytes())
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	SetInfo(testInfo())
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.PhysAddress != specs[visitCount].expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, specs[visitCount].expPhys, entry.PhysAddress)
		}
		if entry.Length != specs[visitCount].expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, specs[visitCount].expLen, entry.Length)
		}
		if entry.Type != specs[visitCount].expType {
			t.Errorf("[visit %d] expected region type to be %d; got %d", visitCount, specs[visitCount].expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Test that the visitor can abort the scan
	visitCount = 0
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", 1, visitCount)
	}
}

func TestMemoryEntryTypeStringer(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected MemoryEntryType(%d).String() to return %q; got %q", specIndex, spec.input, spec.exp, got)
		}
	}
}

func TestGetBootCmdLine(t *testing.T) {
	SetInfo(testInfo())

	expKV := map[string]string{
		"consoleFont": "terminus10x18",
		"noquiet":     "noquiet",
	}

	got := GetBootCmdLine()
	if len(got) != len(expKV) {
		t.Fatalf("expected %d command line entries; got %d", len(expKV), len(got))
	}
	for k, v := range expKV {
		if got[k] != v {
			t.Errorf("expected value for key %q to be %q; got %q", k, v, got[k])
		}
	}

	if exp, got := "GRUB 2.02~beta2-9ubuntu1.6", GetBootLoaderName(); got != exp {
		t.Errorf("expected boot loader name to be %q; got %q", exp, got)
	}
}

func TestBuilderLayout(t *testing.T) {
	data := new(Builder).SetCmdLine("a").Bytes()

	if exp, got := uint32(len(data)), binary.LittleEndian.Uint32(data); got != exp {
		t.Errorf("expected total size to be %d; got %d", exp, got)
	}

	// header + cmdline tag (8 + 2 bytes padded to 16) + end tag
	if exp, got := 8+16+8, len(data); got != exp {
		t.Errorf("expected encoded block to be %d bytes; got %d", exp, got)
	}

	end := data[len(data)-8:]
	if typ, size := binary.LittleEndian.Uint32(end), binary.LittleEndian.Uint32(end[4:]); typ != 0 || size != 8 {
		t.Errorf("expected trailing end tag; got type %d size %d", typ, size)
	}
}
