package uinput

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

var (
	// ErrPermission reports that the process may not open or configure the
	// uinput control node.
	ErrPermission = errors.New("insufficient privilege for virtual input device")
	// ErrDeviceCreation reports a failed capability, descriptor, or create step.
	ErrDeviceCreation = errors.New("virtual keyboard creation failed")
	// ErrNotControlNode reports a device path that is not the uinput
	// character device. Nothing is opened.
	ErrNotControlNode = errors.New("not the uinput control node")
	// ErrClosed is returned by operations on a destroyed device.
	ErrClosed = errors.New("virtual keyboard is closed")
)

// WriteError is one event record that could not be delivered after the
// retry budget was spent. It is recoverable: the device stays usable.
type WriteError struct {
	Code     uint16
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write input event code=%d failed after %d attempt(s): %v", e.Code, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
