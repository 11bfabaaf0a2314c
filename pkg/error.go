package pkg

import (
	"errors"
	"syscall"
)

// Driver errors.
var (
	// ErrPoolExhausted indicates every minor number is assigned to a live instance.
	ErrPoolExhausted = errors.New("minor pool exhausted")

	// ErrMapFailed indicates the register region could not be made accessible.
	ErrMapFailed = errors.New("register map failed")

	// ErrNotFound indicates no live object exists for the given minor or name.
	ErrNotFound = errors.New("not found")

	// ErrDeviceGone indicates the instance behind an open session was detached.
	ErrDeviceGone = errors.New("device gone")

	// ErrInvalidArgument indicates a malformed or oversized write payload.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientSpace indicates the read buffer cannot hold the value.
	ErrInsufficientSpace = errors.New("insufficient buffer space")

	// ErrInvalidState indicates an operation on a closed session.
	ErrInvalidState = errors.New("invalid session state")

	// ErrFault indicates a client buffer could not be copied.
	ErrFault = errors.New("bad address")

	// ErrAlreadyRunning indicates the driver is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the driver is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrExists indicates an entry point with the same name already exists.
	ErrExists = errors.New("already exists")
)

// Errno returns the errno a character device would report for err.
// Errors outside the driver taxonomy map to EIO; nil maps to 0.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrPoolExhausted):
		return syscall.EBUSY
	case errors.Is(err, ErrMapFailed):
		return syscall.ENOMEM
	case errors.Is(err, ErrNotFound):
		return syscall.ENXIO
	case errors.Is(err, ErrDeviceGone):
		return syscall.ENODEV
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidParameter):
		return syscall.EINVAL
	case errors.Is(err, ErrInsufficientSpace):
		return syscall.ENOSPC
	case errors.Is(err, ErrInvalidState):
		return syscall.EBADF
	case errors.Is(err, ErrFault):
		return syscall.EFAULT
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	default:
		return syscall.EIO
	}
}
