// Package session serializes typing requests onto one virtual keyboard and
// serves them over IPC.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/rbright/typist/internal/ipc"
	"github.com/rbright/typist/internal/uinput"
)

// State is the controller's externally visible activity.
type State string

const (
	StateIdle   State = "idle"
	StateTyping State = "typing"
	StateClosed State = "closed"
)

// ErrClosed is returned for requests that arrive after Close.
var ErrClosed = errors.New("session closed")

var _ Keyboard = (*uinput.Device)(nil)

// Keyboard is the typing surface of a virtual keyboard.
type Keyboard interface {
	TypeText(ctx context.Context, text string) (uinput.TypeReport, error)
}

// Totals accumulates counters across every request served.
type Totals struct {
	Requests int
	Typed    int
	Skipped  int
	Failed   int
}

// Controller owns typing access to one keyboard. Requests run one at a time
// in arrival order; Stop interrupts the one in flight between characters.
type Controller struct {
	logger   *slog.Logger
	keyboard Keyboard

	typing sync.Mutex

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	totals  Totals
	pending int
}

// NewController wraps keyboard. The caller keeps ownership of the device and
// destroys it after Close.
func NewController(logger *slog.Logger, keyboard Keyboard) *Controller {
	return &Controller{
		logger:   logger,
		keyboard: keyboard,
		state:    StateIdle,
	}
}

// State returns the current activity snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Totals returns the accumulated counters.
func (c *Controller) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Pending returns the number of runes queued or being typed.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Type types text once the previous request has finished. A stopped request
// returns its partial report together with context.Canceled.
func (c *Controller) Type(ctx context.Context, text string) (uinput.TypeReport, error) {
	runes := utf8.RuneCountInString(text)
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return uinput.TypeReport{}, ErrClosed
	}
	c.pending += runes
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending -= runes
		c.mu.Unlock()
	}()

	c.typing.Lock()
	defer c.typing.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return uinput.TypeReport{}, ErrClosed
	}
	typeCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateTyping
	c.mu.Unlock()

	report, err := c.keyboard.TypeText(typeCtx, text)
	cancel()

	c.mu.Lock()
	c.cancel = nil
	if c.state == StateTyping {
		c.state = StateIdle
	}
	c.totals.Requests++
	c.totals.Typed += report.Typed
	c.totals.Skipped += report.Skipped
	c.totals.Failed += report.Failed
	c.mu.Unlock()

	c.log(report, err)
	return report, err
}

// Stop interrupts the in-flight request, if any, and reports whether there
// was one.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Close stops the in-flight request, waits for it to return, and rejects
// later requests.
func (c *Controller) Close() {
	c.mu.Lock()
	c.state = StateClosed
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.typing.Lock()
	c.typing.Unlock()
}

// Handle serves IPC commands.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		totals := c.Totals()
		return ipc.Response{
			OK:      true,
			State:   string(c.State()),
			Message: fmt.Sprintf("requests=%d", totals.Requests),
			Typed:   totals.Typed,
			Skipped: totals.Skipped,
			Failed:  totals.Failed,
			Pending: c.Pending(),
		}
	case "type":
		report, err := c.Type(ctx, req.Text)
		resp := ipc.Response{
			OK:      err == nil,
			State:   string(c.State()),
			Typed:   report.Typed,
			Skipped: report.Skipped,
			Failed:  report.Failed,
		}
		switch {
		case errors.Is(err, context.Canceled):
			resp.Error = "stopped"
		case err != nil:
			resp.Error = err.Error()
		case report.Failed > 0:
			resp.Message = fmt.Sprintf("%d character(s) failed: %v", report.Failed, report.LastErr)
		default:
			resp.Message = "typed"
		}
		return resp
	case "stop":
		if c.Stop() {
			return ipc.Response{OK: true, State: string(c.State()), Message: "stop requested"}
		}
		return ipc.Response{OK: true, State: string(c.State()), Message: "nothing to stop"}
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (c *Controller) log(report uinput.TypeReport, err error) {
	if c.logger == nil {
		return
	}
	args := []any{
		"typed", report.Typed,
		"skipped", report.Skipped,
		"failed", report.Failed,
	}
	if err != nil {
		c.logger.Warn("typing request interrupted", append(args, "error", err.Error())...)
		return
	}
	c.logger.Info("typing request complete", args...)
}
