package kernel

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}
}

func TestErrnoOf(t *testing.T) {
	specs := []struct {
		err *Error
		exp unix.Errno
	}{
		{nil, 0},
		{&Error{Module: "test", Message: "no errno"}, unix.EINVAL},
		{&Error{Module: "test", Message: "oom", Errno: unix.ENOMEM}, unix.ENOMEM},
		{&Error{Module: "test", Message: "missing", Errno: unix.ESRCH}, unix.ESRCH},
	}

	for specIndex, spec := range specs {
		if got := ErrnoOf(spec.err); got != spec.exp {
			t.Errorf("[spec %d] expected errno %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestSyscallReturn(t *testing.T) {
	if exp, got := uint64(0x400000), SyscallReturn(0x400000, nil); got != exp {
		t.Errorf("expected %x; got %x", exp, got)
	}

	err := &Error{Module: "test", Message: "oom", Errno: unix.ENOMEM}
	if exp, got := -int64(unix.ENOMEM), int64(SyscallReturn(0x400000, err)); got != exp {
		t.Errorf("expected %d; got %d", exp, got)
	}
}
