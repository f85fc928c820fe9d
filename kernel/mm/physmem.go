package mm

import "gopherkern/kernel"

var (
	errPhysMemSize = &kernel.Error{Module: "mm", Message: "physical memory size must be a non-zero multiple of the page size"}
	errPhysMemBase = &kernel.Error{Module: "mm", Message: "physical memory base address must be page-aligned"}
)

// PhysicalMemory is the backing store for a contiguous range of physical
// frames. The kernel reaches its contents through the direct map.
type PhysicalMemory struct {
	base  Frame
	count uintptr
	data  []byte
}

// NewPhysicalMemory allocates size bytes of physical memory starting at the
// supplied physical address.
func NewPhysicalMemory(baseAddr, size uintptr) (*PhysicalMemory, *kernel.Error) {
	switch {
	case size == 0 || size&(PageSize-1) != 0:
		return nil, errPhysMemSize
	case baseAddr&(PageSize-1) != 0:
		return nil, errPhysMemBase
	}

	return &PhysicalMemory{
		base:  FrameFromAddress(baseAddr),
		count: size >> PageShift,
		data:  make([]byte, size),
	}, nil
}

// BaseFrame returns the first frame in this memory range.
func (m *PhysicalMemory) BaseFrame() Frame { return m.base }

// FrameCount returns the number of frames in this memory range.
func (m *PhysicalMemory) FrameCount() uintptr { return m.count }

// Size returns the size of this memory range in bytes.
func (m *PhysicalMemory) Size() Size { return Size(m.count << PageShift) }

// Contains returns true if frame belongs to this memory range.
func (m *PhysicalMemory) Contains(frame Frame) bool {
	return frame >= m.base && uintptr(frame-m.base) < m.count
}

// Frame returns the contents of the supplied frame. Accessing a frame
// outside the memory range is a fatal error.
func (m *PhysicalMemory) Frame(frame Frame) []byte {
	if !m.Contains(frame) {
		panic(&kernel.Error{Module: "mm", Message: "direct map access outside physical memory"})
	}

	offset := uintptr(frame-m.base) << PageShift
	return m.data[offset : offset+PageSize : offset+PageSize]
}
