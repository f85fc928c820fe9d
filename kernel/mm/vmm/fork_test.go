package vmm

import (
	"bytes"
	"testing"

	"gopherkern/kernel/mm"
)

func mapUserPage(t *testing.T, pt *PageTable, virt uintptr, contents string, flags PageTableEntryFlag) mm.Frame {
	t.Helper()

	frame, err := pt.frames.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	copy(pt.frames.Dmap(frame), contents)

	if err = pt.Map(mm.PageFromAddress(virt), frame, flags); err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestForkSharesFramesCopyOnWrite(t *testing.T) {
	for _, mode := range []*PagingMode{ModeAmd64, ModeI386} {
		t.Run(mode.Name, func(t *testing.T) {
			alloc := newTestAllocator(t, 64)
			parent := newTestTable(t, mode, alloc)

			var (
				dataFrame   = mapUserPage(t, parent, 0x400000, "parent data", FlagPresent|FlagRW|FlagUserAccessible)
				rodataFrame = mapUserPage(t, parent, 0x401000, "read only", FlagPresent|FlagUserAccessible)
				kernelFrame = mapUserPage(t, parent, 0x80000000, "kernel", FlagPresent|FlagRW)
			)

			child, err := parent.Fork()
			if err != nil {
				t.Fatal(err)
			}

			specs := []struct {
				virt     uintptr
				frame    mm.Frame
				expFlags PageTableEntryFlag
			}{
				{0x400000, dataFrame, FlagPresent | FlagUserAccessible | FlagCopyOnWrite},
				{0x401000, rodataFrame, FlagPresent | FlagUserAccessible},
				{0x80000000, kernelFrame, FlagPresent | FlagRW},
			}

			for specIndex, spec := range specs {
				for _, pt := range []*PageTable{parent, child} {
					frame, flags, err := pt.Lookup(spec.virt)
					if err != nil {
						t.Fatalf("[spec %d] lookup failed: %v", specIndex, err)
					}
					if frame != spec.frame {
						t.Errorf("[spec %d] expected forked tables to share frame %d; got %d", specIndex, spec.frame, frame)
					}
					if flags != spec.expFlags {
						t.Errorf("[spec %d] expected flags %x; got %x", specIndex, spec.expFlags, flags)
					}
				}

				if exp, got := uint32(2), alloc.FrameRefs(spec.frame); got != exp {
					t.Errorf("[spec %d] expected frame refcount %d; got %d", specIndex, exp, got)
				}
			}

			if child.Root() == parent.Root() {
				t.Error("expected child to get its own root table")
			}
		})
	}
}

func TestResolveCopyOnWrite(t *testing.T) {
	alloc := newTestAllocator(t, 64)
	parent := newTestTable(t, ModeAmd64, alloc)
	shared := mapUserPage(t, parent, 0x400000, "parent data", FlagPresent|FlagRW|FlagUserAccessible)

	child, err := parent.Fork()
	if err != nil {
		t.Fatal(err)
	}

	page := mm.PageFromAddress(0x400000)

	// The child writes first and gets a private copy
	usedBefore := alloc.UsedMemory()
	if err = child.WriteUser(0x400000, []byte("child")); err != nil {
		t.Fatal(err)
	}

	if exp, got := usedBefore+uint64(mm.PageSize), alloc.UsedMemory(); got != exp {
		t.Errorf("expected exactly one frame to be allocated; used memory %d, expected %d", got, exp)
	}

	childFrame, childFlags, _ := child.Lookup(page.Address())
	if childFrame == shared {
		t.Error("expected child write to move the child to a private frame")
	}
	if childFlags&FlagCopyOnWrite != 0 || childFlags&FlagRW == 0 {
		t.Errorf("expected child page to be writable and not CoW; got flags %x", childFlags)
	}

	buf := make([]byte, 11)
	if err = parent.ReadUser(0x400000, buf); err != nil {
		t.Fatal(err)
	}
	if exp := []byte("parent data"); !bytes.Equal(buf, exp) {
		t.Errorf("expected parent to still read %q; got %q", exp, buf)
	}
	if err = child.ReadUser(0x400000, buf); err != nil {
		t.Fatal(err)
	}
	if exp := []byte("child"); !bytes.HasPrefix(buf, exp) || !bytes.HasSuffix(buf, []byte(" data")) {
		t.Errorf("expected child to read its own copy; got %q", buf)
	}

	if exp, got := uint32(1), alloc.FrameRefs(shared); got != exp {
		t.Errorf("expected shared frame refcount to drop to %d; got %d", exp, got)
	}

	// The parent is now the last owner; the page is made writable in place
	usedBefore = alloc.UsedMemory()
	handled, err := parent.ResolveCopyOnWrite(page)
	if err != nil || !handled {
		t.Fatalf("expected CoW fault to be handled; got %t, %v", handled, err)
	}

	parentFrame, parentFlags, _ := parent.Lookup(page.Address())
	if parentFrame != shared {
		t.Errorf("expected last owner to keep frame %d; got %d", shared, parentFrame)
	}
	if parentFlags&FlagRW == 0 {
		t.Error("expected parent page to be writable")
	}
	if got := alloc.UsedMemory(); got != usedBefore {
		t.Errorf("expected no allocation for the last owner; used memory went from %d to %d", usedBefore, got)
	}

	// Pages that are not CoW are not handled
	if handled, _ = parent.ResolveCopyOnWrite(page); handled {
		t.Error("expected writable page not to be handled")
	}
	if handled, _ = parent.ResolveCopyOnWrite(mm.PageFromAddress(0x900000)); handled {
		t.Error("expected unmapped page not to be handled")
	}

	parent.Destroy()
	child.Destroy()
	if got := alloc.UsedMemory(); got != 0 {
		t.Errorf("expected all frames to be released; %d bytes still used", got)
	}
}

func TestForkOutOfMemory(t *testing.T) {
	alloc := newTestAllocator(t, 6)
	parent := newTestTable(t, ModeAmd64, alloc)
	mapUserPage(t, parent, 0x400000, "data", FlagPresent|FlagRW|FlagUserAccessible)

	// 5 frames used; the child needs 4 tables
	if _, err := parent.Fork(); err == nil {
		t.Fatal("expected fork to fail")
	}

	if exp, got := uint64(5*mm.PageSize), alloc.UsedMemory(); got != exp {
		t.Errorf("expected failed fork to release its tables; used %d, expected %d", got, exp)
	}
}

func TestUserCopy(t *testing.T) {
	alloc := newTestAllocator(t, 64)
	pt := newTestTable(t, ModeAmd64, alloc)

	mapUserPage(t, pt, 0x400000, "", FlagPresent|FlagRW|FlagUserAccessible)
	mapUserPage(t, pt, 0x401000, "", FlagPresent|FlagRW|FlagUserAccessible)
	mapUserPage(t, pt, 0x402000, "", FlagPresent|FlagUserAccessible)
	mapUserPage(t, pt, 0x403000, "", FlagPresent|FlagRW)

	// Writes may straddle page boundaries
	payload := []byte("across the boundary")
	if err := pt.WriteUser(0x401000-5, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err := pt.ReadUser(0x401000-5, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected to read back %q; got %q", payload, got)
	}

	specs := []struct {
		descr string
		addr  uintptr
		write bool
	}{
		{"write to read-only page", 0x402000, true},
		{"read from kernel page", 0x403000, false},
		{"read from unmapped page", 0x404000, false},
		{"write spilling into read-only page", 0x401ffe, true},
	}

	for _, spec := range specs {
		var err = pt.ReadUser(spec.addr, make([]byte, 4))
		if spec.write {
			err = pt.WriteUser(spec.addr, make([]byte, 4))
		}
		if err != ErrUserFault {
			t.Errorf("%s: expected %v; got %v", spec.descr, ErrUserFault, err)
		}
	}
}
