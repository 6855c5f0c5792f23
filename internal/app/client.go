package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/rbright/typist/internal/cli"
	"github.com/rbright/typist/internal/config"
	"github.com/rbright/typist/internal/ipc"
)

const forwardTimeout = 220 * time.Millisecond

// executeClient forwards a command to a running server. It never opens the
// control node and needs no privileges.
func (r Runner) executeClient(ctx context.Context, parsed cli.Parsed) int {
	loaded, err := config.Load(parsed.ConfigPath, "")
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logger, closeLog, err := r.openLog(loaded.Config.Log.Level)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer closeLog()
	r.printWarnings(loaded, logger)

	logger.Info("command start", "command", parsed.Command, "config", loaded.Path)

	switch parsed.Command {
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.Request{Command: "stop"}, forwardTimeout)
	default:
		runes := utf8.RuneCountInString(parsed.Text) + r.pendingRunes(ctx)
		timeout := sendTimeout(runes, loaded.Config.Typing)
		return r.forwardOrFail(ctx, ipc.Request{Command: "type", Text: parsed.Text}, timeout)
	}
}

// sendTimeout allows for every rune taking a full press/release cycle plus
// a retry budget.
func sendTimeout(runes int, typing config.TypingConfig) time.Duration {
	perRune := time.Duration(2*typing.KeyDelayMS+typing.WriteRetries*typing.RetryMaxMS) * time.Millisecond
	return 2*time.Second + time.Duration(runes)*perRune
}

// pendingRunes asks the server how much text is queued ahead of a new
// request. Zero when it cannot tell.
func (r Runner) pendingRunes(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return 0
	}
	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"}, forwardTimeout)
	if !handled || err != nil {
		return 0
	}
	return resp.Pending
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "not running")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"}, forwardTimeout)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		fmt.Fprintf(r.Stdout, "%s typed=%d skipped=%d failed=%d\n", resp.State, resp.Typed, resp.Skipped, resp.Failed)
		return 0
	}

	fmt.Fprintln(r.Stdout, "not running")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request, timeout time.Duration) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req, timeout)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no running typist server\n")
		return 1
	}
	if resp.Skipped > 0 {
		fmt.Fprintf(r.Stderr, "warning: skipped %d character(s) with no key mapping\n", resp.Skipped)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		fmt.Fprintf(r.Stderr, "error: no reply from the server within %s; it may still type the text (typist stop cancels it)\n", timeout)
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	if resp.Failed > 0 {
		return 1
	}
	return 0
}

func tryForward(ctx context.Context, socketPath string, req ipc.Request, timeout time.Duration) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, timeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if errors.Is(err, ipc.ErrNoServer) {
		return ipc.Response{}, false, nil
	}
	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}
