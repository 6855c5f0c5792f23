// Package doctor runs readiness diagnostics for the control node, the
// elevation wrapper, the restored session, and existing input devices.
package doctor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rbright/typist/internal/audio"
	"github.com/rbright/typist/internal/config"
	"github.com/rbright/typist/internal/inputdev"
	"github.com/rbright/typist/internal/keymap"
	"github.com/rbright/typist/internal/privilege"
	"github.com/rbright/typist/internal/uinput"
	"golang.org/x/sys/unix"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Probes is the system surface the checks read. Tests replace members.
type Probes struct {
	Stat         func(path string) (fs.FileInfo, error)
	Writable     func(path string) error
	Geteuid      func() int
	LookupEnv    func(key string) (string, bool)
	Audio        func(context.Context) (audio.Report, error)
	InputDevices func() (inputdev.Listing, error)
}

// SystemProbes reads the live process and host.
func SystemProbes() Probes {
	return Probes{
		Stat:         os.Stat,
		Writable:     func(path string) error { return unix.Access(path, unix.W_OK) },
		Geteuid:      unix.Geteuid,
		LookupEnv:    os.LookupEnv,
		Audio:        audio.Probe,
		InputDevices: inputdev.Lister{}.List,
	}
}

// Run checks the device side first, then calls drop (when non-nil), then
// checks the session side as the dropped user.
func Run(ctx context.Context, loaded config.Loaded, probes Probes, drop func() error) Report {
	cfg := loaded.Config
	checks := []Check{checkConfig(loaded)}

	checks = append(checks, checkElevation(probes.Geteuid(), probes.LookupEnv))
	checks = append(checks, checkControlNode(cfg.Device.Path, probes.Stat))
	checks = append(checks, checkWritable(cfg.Device.Path, probes.Writable, probes.Geteuid()))
	checks = append(checks, checkKeymapCoverage(keymap.Codes(), uinput.KeyboardCapabilities()))
	checks = append(checks, checkStaleDevices(cfg.Device.Name, probes.InputDevices))

	if drop != nil {
		if err := drop(); err != nil {
			checks = append(checks, Check{Name: "privilege.drop", Pass: false, Message: err.Error()})
			return Report{Checks: checks}
		}
		checks = append(checks, Check{Name: "privilege.drop", Pass: true, Message: fmt.Sprintf("running as uid %d", probes.Geteuid())})
	}

	checks = append(checks, checkSessionEnv(cfg.Privilege.PreserveEnv, probes.LookupEnv))
	checks = append(checks, checkAudio(ctx, probes.Audio))

	return Report{Checks: checks}
}

func checkConfig(loaded config.Loaded) Check {
	if !loaded.Exists {
		return Check{Name: "config", Pass: true, Message: fmt.Sprintf("no file at %q; using defaults", loaded.Path)}
	}
	msg := fmt.Sprintf("loaded %q", loaded.Path)
	if n := len(loaded.Warnings); n > 0 {
		msg = fmt.Sprintf("%s with %d warning(s)", msg, n)
	}
	return Check{Name: "config", Pass: true, Message: msg}
}

// checkElevation passes when the process is not root at all, or is root with
// a wrapper hint to drop back to.
func checkElevation(euid int, lookup func(string) (string, bool)) Check {
	if euid != 0 {
		return Check{Name: "elevation", Pass: true, Message: fmt.Sprintf("not elevated (euid %d); type and serve need sudo or pkexec", euid)}
	}
	hints := privilege.DefaultHints()
	for _, name := range hints.UIDEnv {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return Check{Name: "elevation", Pass: true, Message: fmt.Sprintf("elevated by wrapper (%s=%s)", name, v)}
		}
	}
	return Check{
		Name:    "elevation",
		Pass:    false,
		Message: fmt.Sprintf("running as root without %s; there is no user to drop back to", strings.Join(hints.UIDEnv, " or ")),
	}
}

func checkControlNode(path string, stat func(string) (fs.FileInfo, error)) Check {
	info, err := stat(path)
	if err != nil {
		return Check{Name: "uinput.node", Pass: false, Message: fmt.Sprintf("%s: %v (is the uinput module loaded?)", path, err)}
	}
	if info.Mode()&fs.ModeCharDevice == 0 {
		return Check{Name: "uinput.node", Pass: false, Message: fmt.Sprintf("%s is not a character device", path)}
	}
	return Check{Name: "uinput.node", Pass: true, Message: fmt.Sprintf("%s is a character device", path)}
}

func checkWritable(path string, writable func(string) error, euid int) Check {
	if err := writable(path); err != nil {
		return Check{Name: "uinput.access", Pass: false, Message: fmt.Sprintf("%s not writable by euid %d: %v", path, euid, err)}
	}
	return Check{Name: "uinput.access", Pass: true, Message: fmt.Sprintf("%s writable by euid %d", path, euid)}
}

// checkKeymapCoverage confirms the device registers every key the text
// mapping can emit; a missing code would be silently dropped by the kernel.
func checkKeymapCoverage(mapped []uint16, caps uinput.Capabilities) Check {
	registered := make(map[uint16]struct{}, len(caps.KeyCodes))
	for _, code := range caps.KeyCodes {
		registered[code] = struct{}{}
	}
	var missing []string
	for _, code := range mapped {
		if _, ok := registered[code]; !ok {
			missing = append(missing, fmt.Sprint(code))
		}
	}
	if len(missing) > 0 {
		return Check{Name: "keymap.coverage", Pass: false, Message: "key codes not registered: " + strings.Join(missing, ", ")}
	}
	return Check{Name: "keymap.coverage", Pass: true, Message: fmt.Sprintf("%d mapped key codes registered", len(mapped))}
}

func checkStaleDevices(name string, list func() (inputdev.Listing, error)) Check {
	listing, err := list()
	if err != nil {
		return Check{Name: "input.devices", Pass: false, Message: err.Error()}
	}
	if len(listing.Devices) == 0 && listing.Unreadable > 0 {
		return Check{Name: "input.devices", Pass: true, Message: fmt.Sprintf("%d input node(s) unreadable; stale device check skipped", listing.Unreadable)}
	}

	matches := listing.Named(name)
	if len(matches) == 0 {
		return Check{Name: "input.devices", Pass: true, Message: fmt.Sprintf("no existing device named %q among %d", name, len(listing.Devices))}
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m.Path)
	}
	return Check{
		Name:    "input.devices",
		Pass:    false,
		Message: fmt.Sprintf("%q already present at %s; another typist may be running", name, strings.Join(paths, ", ")),
	}
}

// checkSessionEnv requires XDG_RUNTIME_DIR, which the IPC socket lives in,
// and lists other preserved entries that are unset.
func checkSessionEnv(preserve []string, lookup func(string) (string, bool)) Check {
	if v, ok := lookup("XDG_RUNTIME_DIR"); !ok || strings.TrimSpace(v) == "" {
		return Check{Name: "session.env", Pass: false, Message: "XDG_RUNTIME_DIR is not set; the wrapper must preserve it"}
	}

	var missing []string
	for _, name := range preserve {
		if v, ok := lookup(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return Check{Name: "session.env", Pass: true, Message: "all preserved entries set"}
	}
	return Check{Name: "session.env", Pass: true, Message: "unset: " + strings.Join(missing, ", ")}
}

func checkAudio(ctx context.Context, probe func(context.Context) (audio.Report, error)) Check {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	report, err := probe(ctx)
	if err != nil {
		return Check{Name: "audio.session", Pass: false, Message: err.Error()}
	}
	return Check{Name: "audio.session", Pass: true, Message: report.String()}
}
