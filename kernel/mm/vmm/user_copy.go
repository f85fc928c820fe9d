package vmm

import (
	"golang.org/x/sys/unix"

	"gopherkern/kernel"
	"gopherkern/kernel/mm"
)

// ErrUserFault is returned when the kernel accesses a user address that is
// not mapped with the required permissions.
var ErrUserFault = &kernel.Error{Module: "vmm", Message: "bad address", Errno: unix.EFAULT}

// ReadUser copies len(dst) bytes starting at the user virtual address
// virtAddr into dst.
func (pt *PageTable) ReadUser(virtAddr uintptr, dst []byte) *kernel.Error {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	return pt.copyUser(virtAddr, dst, false)
}

// WriteUser copies src to the user virtual address virtAddr. Copy-on-write
// pages in the destination range are resolved before they are written.
func (pt *PageTable) WriteUser(virtAddr uintptr, src []byte) *kernel.Error {
	pt.memoryLock.Acquire()
	defer pt.memoryLock.Release()

	return pt.copyUser(virtAddr, src, true)
}

func (pt *PageTable) copyUser(virtAddr uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		page := mm.PageFromAddress(virtAddr)
		if write {
			if _, err := pt.resolveCopyOnWriteLocked(page); err != nil {
				return err
			}
		}

		leaf, err := pt.lookupLocked(virtAddr)
		if err != nil || !leaf.HasFlags(FlagUserAccessible) || (write && !leaf.HasFlags(FlagRW)) {
			return ErrUserFault
		}

		var (
			offset = pt.mode.PageOffset(virtAddr)
			data   = pt.frames.Dmap(leaf.Frame(pt.mode))[offset:]
			n      int
		)

		if write {
			n = copy(data, buf)
		} else {
			n = copy(buf, data)
		}

		buf = buf[n:]
		virtAddr += uintptr(n)
	}

	return nil
}
