package kernel

import "golang.org/x/sys/unix"

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so that callers can
// compare them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Errno is the POSIX error number reported to userspace when the
	// error crosses the syscall boundary.
	Errno unix.Errno
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrnoOf returns the errno that should be reported to userspace for err. A
// nil error maps to 0 and errors without an explicit errno map to EINVAL.
func ErrnoOf(err *Error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case err.Errno == 0:
		return unix.EINVAL
	default:
		return err.Errno
	}
}

// SyscallReturn encodes a syscall result using the negative errno convention:
// a nil error returns value unchanged while a non-nil error returns -errno.
func SyscallReturn(value uint64, err *Error) uint64 {
	if err != nil {
		return uint64(-int64(ErrnoOf(err)))
	}

	return value
}
