package uinput

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultPath is the kernel's virtual-input control node.
const DefaultPath = "/dev/uinput"

// The uinput misc device is char 10:223 (UINPUT_MINOR).
const (
	controlMajor = 10
	controlMinor = 223
)

// Handle is the open control node of one virtual device.
type Handle interface {
	Write(p []byte) (int, error)
	Ioctl(req uint, arg int) error
	Close() error
}

// Opener opens the control node at path.
type Opener func(path string) (Handle, error)

type fdHandle struct {
	fd int
}

// OpenDevice opens path write-only and non-blocking, so a write the kernel
// cannot take immediately fails with EAGAIN instead of stalling. Anything
// other than the uinput character device is refused before it is opened,
// and the opened descriptor is checked again.
func OpenDevice(path string) (Handle, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	if err := checkControlNode(path, st); err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	var opened unix.Stat_t
	if err := unix.Fstat(fd, &opened); err != nil {
		_ = unix.Close(fd)
		return nil, &os.PathError{Op: "fstat", Path: path, Err: err}
	}
	if err := checkControlNode(path, opened); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &fdHandle{fd: fd}, nil
}

func checkControlNode(path string, st unix.Stat_t) error {
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return fmt.Errorf("%w: %s is not a character device", ErrNotControlNode, path)
	}
	rdev := uint64(st.Rdev)
	if major, minor := unix.Major(rdev), unix.Minor(rdev); major != controlMajor || minor != controlMinor {
		return fmt.Errorf("%w: %s is device %d:%d, want %d:%d", ErrNotControlNode, path, major, minor, controlMajor, controlMinor)
	}
	return nil
}

func (h *fdHandle) Write(p []byte) (int, error) {
	n, err := unix.Write(h.fd, p)
	if err != nil {
		return 0, err
	}
	if n != len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (h *fdHandle) Ioctl(req uint, arg int) error {
	return unix.IoctlSetInt(h.fd, req, arg)
}

func (h *fdHandle) Close() error {
	return unix.Close(h.fd)
}
