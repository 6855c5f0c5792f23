package privilege

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Backend is the process identity surface. Tests substitute a recorder.
type Backend interface {
	Getuid() int
	Geteuid() int
	Getgid() int
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error
}

// SystemBackend switches identity for the whole process.
type SystemBackend struct{}

func (SystemBackend) Getuid() int  { return unix.Getuid() }
func (SystemBackend) Geteuid() int { return unix.Geteuid() }
func (SystemBackend) Getgid() int  { return unix.Getgid() }

// The syscall package applies these to every OS thread of the process.
func (SystemBackend) Setgroups(gids []int) error { return syscall.Setgroups(gids) }
func (SystemBackend) Setgid(gid int) error       { return syscall.Setgid(gid) }
func (SystemBackend) Setuid(uid int) error       { return syscall.Setuid(uid) }

// OSEnv is the live process environment.
type OSEnv struct{}

func (OSEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (OSEnv) Setenv(key, value string) error      { return os.Setenv(key, value) }
