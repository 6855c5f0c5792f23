package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rbright/typist/internal/cli"
	"github.com/rbright/typist/internal/config"
	"github.com/rbright/typist/internal/doctor"
	"github.com/rbright/typist/internal/ipc"
	"github.com/rbright/typist/internal/logging"
	"github.com/rbright/typist/internal/privilege"
	"github.com/rbright/typist/internal/session"
	"github.com/rbright/typist/internal/uinput"
)

// executeElevated runs the commands that start with root privileges.
// Identity is captured first; nothing caller-supplied is read until after
// the drop.
func (r Runner) executeElevated(ctx context.Context, parsed cli.Parsed) int {
	sys := r.System
	identity := privilege.Capture(sys.Env, sys.Backend, privilege.DefaultHints(), sys.LookupUser)

	boot := r.Logger
	if boot == nil {
		boot = logging.Bootstrap(r.Stderr, "warn")
	}

	loaded, err := config.Load(parsed.ConfigPath, identity.Home)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	r.printWarnings(loaded, boot)
	cfg := loaded.Config

	priv := privilege.New(identity, sys.Backend, privilege.Options{
		Env:        sys.Env,
		LookupUser: sys.LookupUser,
		Preserve:   cfg.Privilege.PreserveEnv,
		Logger:     boot,
	})

	if parsed.Command == cli.CommandDoctor {
		return r.commandDoctor(ctx, loaded, priv)
	}

	dev, err := uinput.Create(sys.OpenDevice, deviceOptions(cfg, sys.Sleep, boot))
	if err != nil {
		r.reportStartupError(err, cfg)
		boot.Error("create virtual keyboard failed", "error", err.Error())
		return 1
	}
	defer func() {
		if err := dev.Destroy(); err != nil {
			fmt.Fprintf(r.Stderr, "warning: %v\n", err)
		}
	}()

	started := time.Now()
	settle := time.Duration(cfg.Device.SettleMS) * time.Millisecond
	r.awaitEnumeration(ctx, dev.Name(), settle, boot)

	if err := priv.Drop(); err != nil {
		r.reportStartupError(err, cfg)
		return 1
	}

	logger, closeLog, err := r.openLog(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer closeLog()
	dev.SetLogger(logger)

	logger.Info("command start",
		"command", parsed.Command,
		"config", loaded.Path,
		"device", dev.Name(),
		"uid", identity.UID,
		"identity_source", identity.Source,
	)

	if remaining := settle - time.Since(started); remaining > 0 {
		sys.Sleep(remaining)
	}

	switch parsed.Command {
	case cli.CommandServe:
		return r.commandServe(ctx, dev, logger)
	default:
		return r.commandType(ctx, dev, parsed, logger)
	}
}

func deviceOptions(cfg config.Config, sleep func(time.Duration), logger *slog.Logger) uinput.Options {
	opts := uinput.DefaultOptions()
	opts.Path = cfg.Device.Path
	opts.Name = cfg.Device.Name
	opts.ID = uinput.InputID{
		Bustype: uinput.BusUSB,
		Vendor:  uint16(cfg.Device.Vendor),
		Product: uint16(cfg.Device.Product),
		Version: uint16(cfg.Device.Version),
	}
	opts.KeyDelay = time.Duration(cfg.Typing.KeyDelayMS) * time.Millisecond
	opts.WriteRetries = cfg.Typing.WriteRetries
	opts.RetryMin = time.Duration(cfg.Typing.RetryMinMS) * time.Millisecond
	opts.RetryMax = time.Duration(cfg.Typing.RetryMaxMS) * time.Millisecond
	opts.Sleep = sleep
	opts.Logger = logger
	return opts
}

// awaitEnumeration waits up to settle for the new keyboard to show up as an
// event node. It only logs; a missing node is not fatal.
func (r Runner) awaitEnumeration(ctx context.Context, name string, settle time.Duration, logger *slog.Logger) {
	if settle <= 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()

	matches, err := r.System.InputDevices.Await(waitCtx, name, 1)
	switch {
	case err == nil:
		if len(matches) > 1 {
			logger.Warn("several input devices share the keyboard name", "name", name, "count", len(matches))
		}
		logger.Debug("virtual keyboard enumerated", "path", matches[0].Path)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Debug("virtual keyboard not enumerated before settle timeout", "name", name)
	default:
		logger.Debug("input device enumeration failed", "error", err.Error())
	}
}

func (r Runner) reportStartupError(err error, cfg config.Config) {
	fmt.Fprintf(r.Stderr, "error: %v\n", err)
	switch {
	case errors.Is(err, uinput.ErrPermission):
		fmt.Fprintf(r.Stderr, "hint: %s needs root; start typist through sudo or pkexec\n", cfg.Device.Path)
	case errors.Is(err, uinput.ErrNotControlNode):
		fmt.Fprintf(r.Stderr, "hint: device.path must name the uinput character device (%s)\n", strings.Join(config.ControlNodePaths, " or "))
	case errors.Is(err, uinput.ErrDeviceCreation):
		fmt.Fprintln(r.Stderr, "hint: check that the uinput kernel module is loaded (modprobe uinput)")
	case errors.Is(err, privilege.ErrDrop):
		fmt.Fprintln(r.Stderr, "hint: refusing to accept text while still privileged")
	}
}

func (r Runner) commandDoctor(ctx context.Context, loaded config.Loaded, priv *privilege.Context) int {
	probes := doctor.SystemProbes()
	if r.System.Doctor != nil {
		probes = *r.System.Doctor
	}
	report := doctor.Run(ctx, loaded, probes, priv.Drop)
	fmt.Fprintln(r.Stdout, report.String())
	if report.OK() {
		return 0
	}
	return 1
}

// commandType types the argument text, or stdin line by line.
func (r Runner) commandType(ctx context.Context, dev *uinput.Device, parsed cli.Parsed, logger *slog.Logger) int {
	var total uinput.TypeReport
	add := func(rep uinput.TypeReport) {
		total.Typed += rep.Typed
		total.Skipped += rep.Skipped
		total.Failed += rep.Failed
		if rep.LastErr != nil {
			total.LastErr = rep.LastErr
		}
	}

	var typeErr error
	if parsed.HasText {
		rep, err := dev.TypeText(ctx, parsed.Text)
		add(rep)
		typeErr = err
	} else {
		typeErr = r.typeLines(ctx, dev, add)
	}

	logger.Info("typing complete",
		"typed", total.Typed,
		"skipped", total.Skipped,
		"failed", total.Failed,
	)

	if total.Skipped > 0 {
		fmt.Fprintf(r.Stderr, "warning: skipped %d character(s) with no key mapping\n", total.Skipped)
	}
	if typeErr != nil {
		if errors.Is(typeErr, context.Canceled) {
			fmt.Fprintln(r.Stderr, "error: interrupted")
		} else {
			fmt.Fprintf(r.Stderr, "error: %v\n", typeErr)
		}
		logger.Error("typing interrupted", "error", typeErr.Error())
		return 1
	}
	if total.Failed > 0 {
		fmt.Fprintf(r.Stderr, "error: %d character(s) failed to type: %v\n", total.Failed, total.LastErr)
		return 1
	}
	return 0
}

func (r Runner) typeLines(ctx context.Context, dev *uinput.Device, add func(uinput.TypeReport)) error {
	in := r.Stdin
	if in == nil {
		in = os.Stdin
	}
	reader := bufio.NewReader(in)
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			rep, err := dev.TypeText(ctx, line)
			add(rep)
			if err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read stdin: %w", readErr)
		}
	}
}

// commandServe keeps the keyboard open and types IPC requests until ctx
// ends.
func (r Runner) commandServe(ctx context.Context, dev *uinput.Device, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	controller := session.NewController(logger, dev)
	logger.Info("serving", "socket", socketPath)
	fmt.Fprintf(r.Stdout, "listening on %s\n", socketPath)

	err = ipc.Serve(ctx, listener, controller)
	controller.Close()

	totals := controller.Totals()
	logger.Info("server stopped",
		"requests", totals.Requests,
		"typed", totals.Typed,
		"skipped", totals.Skipped,
		"failed", totals.Failed,
	)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", err)
		return 1
	}
	return 0
}
