//go:build linux

package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setup wraps io_uring_setup(2).
func setup(entries uint32, p *Params) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// enter wraps io_uring_enter(2).
func enter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete),
		uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// enterArg wraps io_uring_enter(2) with IORING_ENTER_EXT_ARG, used
// for timed completion waits.
func enterArg(fd int, toSubmit, minComplete, flags uint32, arg *GetEventsArg) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete),
		uintptr(flags|EnterExtArg),
		uintptr(unsafe.Pointer(arg)), unsafe.Sizeof(*arg))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// register wraps io_uring_register(2).
func register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(fd), uintptr(opcode), uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// mmapRing maps a ring region from the io_uring fd.
func mmapRing(fd int, offset uint64, length int) ([]byte, error) {
	return unix.Mmap(fd, int64(offset), length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
}

// munmapRing releases a ring mapping.
func munmapRing(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// IsKernelSupportError reports errors that mean io_uring itself is
// missing or forbidden on this system.
func IsKernelSupportError(err error) bool {
	return err == syscall.ENOSYS || err == syscall.EPERM || err == syscall.EOPNOTSUPP
}
