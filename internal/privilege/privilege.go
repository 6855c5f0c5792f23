// Package privilege captures the identity of the user who elevated typist and
// performs the one-way switch back to it once the virtual keyboard exists.
package privilege

import (
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"strings"

	"github.com/rbright/typist/internal/fsm"
)

// ErrDrop marks a failed identity switch. The process must not continue.
var ErrDrop = errors.New("privilege drop failed")

var (
	errNoGroup   = errors.New("no group identity known for target user")
	errStillRoot = errors.New("process still has root identity after switch")
)

// Identity is the pre-elevation user. GID is -1 when no hint or user
// database entry could supply it.
type Identity struct {
	UID      int
	GID      int
	Username string
	Home     string
	Source   string
}

// Hints names the environment entries an elevation wrapper leaves behind.
type Hints struct {
	UIDEnv []string
	GIDEnv []string
}

// DefaultHints covers sudo and pkexec.
func DefaultHints() Hints {
	return Hints{
		UIDEnv: []string{"SUDO_UID", "PKEXEC_UID"},
		GIDEnv: []string{"SUDO_GID"},
	}
}

// DefaultPreserveEnv lists the session entries re-established after the
// switch.
func DefaultPreserveEnv() []string {
	return []string{
		"XDG_RUNTIME_DIR",
		"DBUS_SESSION_BUS_ADDRESS",
		"PULSE_SERVER",
		"WAYLAND_DISPLAY",
		"DISPLAY",
		"XAUTHORITY",
	}
}

// Env is the process environment surface used by capture and restore.
type Env interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
}

// UserLookup resolves a numeric uid in the user database.
type UserLookup func(uid string) (*user.User, error)

// Capture reads wrapper hints from env and falls back to the process's
// current identity. It never fails.
func Capture(env Env, backend Backend, hints Hints, lookup UserLookup) Identity {
	if lookup == nil {
		lookup = user.LookupId
	}

	for _, name := range hints.UIDEnv {
		uid, ok := envID(env, name)
		if !ok {
			continue
		}

		id := Identity{UID: uid, GID: -1, Source: name}
		for _, gidName := range hints.GIDEnv {
			if gid, ok := envID(env, gidName); ok {
				id.GID = gid
				break
			}
		}

		if u, err := lookup(strconv.Itoa(uid)); err == nil {
			id.Username = u.Username
			id.Home = u.HomeDir
			if id.GID < 0 {
				if gid, err := strconv.Atoi(u.Gid); err == nil && gid >= 0 {
					id.GID = gid
				}
			}
		}
		return id
	}

	id := Identity{UID: backend.Getuid(), GID: backend.Getgid(), Source: "process"}
	if u, err := lookup(strconv.Itoa(id.UID)); err == nil {
		id.Username = u.Username
		id.Home = u.HomeDir
	}
	return id
}

func envID(env Env, name string) (int, bool) {
	raw, ok := env.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// Options configures a Context.
type Options struct {
	Env        Env
	LookupUser UserLookup
	Preserve   []string
	Logger     *slog.Logger
}

// Context owns the elevated → dropped transition for one process.
type Context struct {
	identity Identity
	backend  Backend
	env      Env
	lookup   UserLookup
	preserve []string
	logger   *slog.Logger

	state fsm.State
	err   error
}

// New returns a Context in the elevated state.
func New(identity Identity, backend Backend, opts Options) *Context {
	if opts.Env == nil {
		opts.Env = OSEnv{}
	}
	if opts.LookupUser == nil {
		opts.LookupUser = user.LookupId
	}
	return &Context{
		identity: identity,
		backend:  backend,
		env:      opts.Env,
		lookup:   opts.LookupUser,
		preserve: append([]string(nil), opts.Preserve...),
		logger:   opts.Logger,
		state:    fsm.StateElevated,
	}
}

// Identity returns the captured identity.
func (c *Context) Identity() Identity {
	return c.identity
}

// State returns the current lifecycle state.
func (c *Context) State() fsm.State {
	return c.state
}

// Drop switches to the captured identity: supplementary groups and gid
// first, uid last. It is a no-op when the process is not elevated or when
// it has already dropped. Errors wrap ErrDrop and are sticky.
func (c *Context) Drop() error {
	switch c.state {
	case fsm.StateDropped:
		return nil
	case fsm.StateFailed:
		return c.err
	}

	if c.backend.Geteuid() != 0 {
		c.advance(fsm.EventSkip)
		c.info("privilege drop skipped", "reason", "not elevated", "euid", c.backend.Geteuid())
		return nil
	}
	if c.identity.UID == 0 {
		c.advance(fsm.EventSkip)
		c.warn("privilege drop skipped", "reason", "no unprivileged identity captured", "source", c.identity.Source)
		return nil
	}
	if c.identity.GID < 0 {
		return c.fail("resolve group", errNoGroup)
	}

	c.advance(fsm.EventBeginDrop)
	saved := c.snapshotEnv()

	if err := c.backend.Setgroups(c.groups()); err != nil {
		return c.fail("setgroups", err)
	}
	if err := c.backend.Setgid(c.identity.GID); err != nil {
		return c.fail("setgid", err)
	}
	if err := c.backend.Setuid(c.identity.UID); err != nil {
		return c.fail("setuid", err)
	}
	if c.backend.Geteuid() == 0 || c.backend.Getuid() == 0 {
		return c.fail("verify", errStillRoot)
	}

	c.restoreEnv(saved)
	c.advance(fsm.EventDropped)
	c.info("privileges dropped",
		"uid", c.identity.UID,
		"gid", c.identity.GID,
		"user", c.identity.Username,
		"source", c.identity.Source,
	)
	return nil
}

// groups returns the target gid plus the user's supplementary groups so
// memberships such as audio survive the switch.
func (c *Context) groups() []int {
	groups := []int{c.identity.GID}
	u, err := c.lookup(strconv.Itoa(c.identity.UID))
	if err != nil {
		return groups
	}
	ids, err := u.GroupIds()
	if err != nil {
		return groups
	}
	for _, raw := range ids {
		gid, err := strconv.Atoi(raw)
		if err != nil || gid == c.identity.GID || gid == 0 {
			continue
		}
		groups = append(groups, gid)
	}
	return groups
}

func (c *Context) snapshotEnv() map[string]string {
	saved := make(map[string]string, len(c.preserve))
	for _, name := range c.preserve {
		if v, ok := c.env.LookupEnv(name); ok && v != "" {
			saved[name] = v
		}
	}
	return saved
}

func (c *Context) restoreEnv(saved map[string]string) {
	for _, name := range c.preserve {
		v, ok := saved[name]
		if !ok {
			continue
		}
		if err := c.env.Setenv(name, v); err != nil {
			c.warn("restore env failed", "name", name, "error", err.Error())
		}
	}

	account := map[string]string{
		"HOME":    c.identity.Home,
		"USER":    c.identity.Username,
		"LOGNAME": c.identity.Username,
	}
	for _, name := range []string{"HOME", "USER", "LOGNAME"} {
		if account[name] == "" {
			continue
		}
		if err := c.env.Setenv(name, account[name]); err != nil {
			c.warn("restore env failed", "name", name, "error", err.Error())
		}
	}
}

func (c *Context) advance(event fsm.Event) {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		c.warn("privilege state transition rejected", "error", err.Error())
		return
	}
	c.state = next
}

func (c *Context) fail(step string, err error) error {
	c.advance(fsm.EventFail)
	c.err = fmt.Errorf("%w: %s: %w", ErrDrop, step, err)
	if c.logger != nil {
		c.logger.Error("privilege drop failed", "step", step, "error", err.Error())
	}
	return c.err
}

func (c *Context) info(msg string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, args...)
}

func (c *Context) warn(msg string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, args...)
}
