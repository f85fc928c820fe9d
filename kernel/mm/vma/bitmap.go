package vma

// pageBitmap tracks which virtual pages of an address space window are in
// use. Bit i of the bitmap corresponds to page i of the window.
type pageBitmap struct {
	bits  []uint64
	pages uintptr
}

func newPageBitmap(pages uintptr) pageBitmap {
	return pageBitmap{bits: make([]uint64, (pages+63)>>6), pages: pages}
}

func (b *pageBitmap) clone() pageBitmap {
	bits := make([]uint64, len(b.bits))
	copy(bits, b.bits)
	return pageBitmap{bits: bits, pages: b.pages}
}

func (b *pageBitmap) isSet(index uintptr) bool {
	return b.bits[index>>6]&(1<<(63-(index&63))) != 0
}

// setRange marks count pages starting at index as used or free.
func (b *pageBitmap) setRange(index, count uintptr, used bool) {
	for i := index; i < index+count; i++ {
		if used {
			b.bits[i>>6] |= 1 << (63 - (i & 63))
		} else {
			b.bits[i>>6] &^= 1 << (63 - (i & 63))
		}
	}
}

// rangeFree returns true if count pages starting at index are inside the
// window and not in use.
func (b *pageBitmap) rangeFree(index, count uintptr) bool {
	if index+count > b.pages || index+count < index {
		return false
	}

	for i := index; i < index+count; i++ {
		if b.isSet(i) {
			return false
		}
	}
	return true
}

// findFree returns the index of the first run of count free pages at or
// after from. The search wraps around to the start of the window once.
func (b *pageBitmap) findFree(from, count uintptr) (uintptr, bool) {
	if index, ok := b.scan(from, b.pages, count); ok {
		return index, true
	}
	if from == 0 {
		return 0, false
	}

	to := from + count - 1
	if to > b.pages {
		to = b.pages
	}
	return b.scan(0, to, count)
}

func (b *pageBitmap) scan(from, to, count uintptr) (uintptr, bool) {
	var run uintptr
	for index := from; index < to; index++ {
		if b.isSet(index) {
			run = 0
			continue
		}

		if run++; run == count {
			return index + 1 - count, true
		}
	}
	return 0, false
}
