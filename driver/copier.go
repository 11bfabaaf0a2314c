package driver

import (
	"fmt"

	"github.com/ardnew/softreg/pkg"
)

// Copier moves bytes between client buffers and driver buffers.
//
// It stands in for the user/kernel copy primitives: a fault leaves the
// destination in an unspecified state and is reported as [pkg.ErrFault].
type Copier interface {
	// CopyIn copies n bytes from the client buffer src into dst.
	CopyIn(dst, src []byte, n int) error

	// CopyOut copies n bytes from src into the client buffer dst.
	CopyOut(dst, src []byte, n int) error
}

// DirectCopier copies within the process, faulting on out-of-range lengths.
type DirectCopier struct{}

// CopyIn implements [Copier].
func (DirectCopier) CopyIn(dst, src []byte, n int) error {
	return directCopy(dst, src, n)
}

// CopyOut implements [Copier].
func (DirectCopier) CopyOut(dst, src []byte, n int) error {
	return directCopy(dst, src, n)
}

func directCopy(dst, src []byte, n int) error {
	if n < 0 || n > len(dst) || n > len(src) {
		return fmt.Errorf("%w: copy of %d bytes (dst %d, src %d)", pkg.ErrFault, n, len(dst), len(src))
	}
	copy(dst[:n], src[:n])
	return nil
}
