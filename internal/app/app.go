// Package app wires command dispatch, the elevated startup sequence, and
// the IPC client commands.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/rbright/typist/internal/cli"
	"github.com/rbright/typist/internal/config"
	"github.com/rbright/typist/internal/doctor"
	"github.com/rbright/typist/internal/inputdev"
	"github.com/rbright/typist/internal/logging"
	"github.com/rbright/typist/internal/privilege"
	"github.com/rbright/typist/internal/uinput"
	"github.com/rbright/typist/internal/version"
)

const binaryName = "typist"

// System is the host surface the runner touches. Zero members fall back
// to the live system.
type System struct {
	Env          privilege.Env
	Backend      privilege.Backend
	LookupUser   privilege.UserLookup
	OpenDevice   uinput.Opener
	InputDevices inputdev.Lister
	Sleep        func(time.Duration)
	Doctor       *doctor.Probes
}

func (s System) withDefaults() System {
	if s.Env == nil {
		s.Env = privilege.OSEnv{}
	}
	if s.Backend == nil {
		s.Backend = privilege.SystemBackend{}
	}
	if s.LookupUser == nil {
		s.LookupUser = user.LookupId
	}
	if s.OpenDevice == nil {
		s.OpenDevice = uinput.OpenDevice
	}
	if s.Sleep == nil {
		s.Sleep = time.Sleep
	}
	return s
}

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
	Logger *slog.Logger
	System System
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr, Stdin: os.Stdin}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(binaryName))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	r.System = r.System.withDefaults()

	switch parsed.Command {
	case cli.CommandType, cli.CommandServe, cli.CommandDoctor:
		return r.executeElevated(ctx, parsed)
	case cli.CommandSend, cli.CommandStatus, cli.CommandStop:
		return r.executeClient(ctx, parsed)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// printWarnings reports non-fatal config findings on stderr and in the log.
func (r Runner) printWarnings(loaded config.Loaded, logger *slog.Logger) {
	for _, w := range loaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}
}

// openLog opens the JSONL log unless the runner carries its own logger.
func (r Runner) openLog(level string) (*slog.Logger, func(), error) {
	if r.Logger != nil {
		return r.Logger, func() {}, nil
	}
	rt, err := logging.New(level)
	if err != nil {
		return nil, nil, err
	}
	return rt.Logger, func() { _ = rt.Close() }, nil
}
