package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 information block. It is used by the
// hosted boot path in place of a boot loader.
type Builder struct {
	tags []byte
}

// SetBootLoaderName appends a boot loader name tag.
func (b *Builder) SetBootLoaderName(name string) *Builder {
	b.appendTag(tagBootLoaderName, append([]byte(name), 0))
	return b
}

// SetCmdLine appends a kernel command line tag.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.appendTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	return b
}

// SetMemoryMap appends a memory map tag describing the supplied regions.
func (b *Builder) SetMemoryMap(regions ...MemoryMapEntry) *Builder {
	data := make([]byte, mmapHeaderSize+mmapEntrySize*len(regions))
	binary.LittleEndian.PutUint32(data, mmapEntrySize)

	for i, region := range regions {
		entry := data[mmapHeaderSize+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(entry, region.PhysAddress)
		binary.LittleEndian.PutUint64(entry[8:], region.Length)
		binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
	}

	b.appendTag(tagMemoryMap, data)
	return b
}

// Bytes returns the encoded information block terminated by an end tag.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)
	out = append(out, make([]byte, tagHeaderSize)...)
	binary.LittleEndian.PutUint32(out[len(out)-4:], tagHeaderSize)
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

func (b *Builder) appendTag(t tagType, contents []byte) {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(contents)))

	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, contents...)
	if pad := (8 - len(contents)%8) % 8; pad != 0 {
		b.tags = append(b.tags, make([]byte, pad)...)
	}
}
