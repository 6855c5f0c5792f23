// Package uinput creates and drives a virtual keyboard through the kernel's
// uinput facility.
package uinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rbright/typist/internal/keymap"
	"github.com/temoto/inputevent-go"
)

// Capabilities is the set of event categories and key codes a device
// advertises. It is copied at creation and never changed afterwards.
type Capabilities struct {
	EventTypes []uint16
	KeyCodes   []uint16
}

// KeyboardCapabilities advertises EV_KEY and every usable keycode, not only
// the ones the text mapping reaches.
func KeyboardCapabilities() Capabilities {
	codes := make([]uint16, 0, keymap.KeyMax)
	for code := uint16(1); code <= keymap.KeyMax; code++ {
		codes = append(codes, code)
	}
	return Capabilities{EventTypes: []uint16{EvKey}, KeyCodes: codes}
}

// Options configures device identity, timing, and the write retry policy.
type Options struct {
	Path         string
	Name         string
	ID           InputID
	Capabilities Capabilities

	// KeyDelay separates a press from its release. Must be positive.
	KeyDelay time.Duration

	// WriteRetries bounds retries of one record after EAGAIN/EINTR.
	WriteRetries int
	RetryMin     time.Duration
	RetryMax     time.Duration

	Sleep  func(time.Duration)
	Logger *slog.Logger
}

// DefaultOptions returns the stock keyboard identity and timing.
func DefaultOptions() Options {
	return Options{
		Path: DefaultPath,
		Name: "typist virtual keyboard",
		ID: InputID{
			Bustype: BusUSB,
			Vendor:  0x7479,
			Product: 0x7073,
			Version: 1,
		},
		Capabilities: KeyboardCapabilities(),
		KeyDelay:     2 * time.Millisecond,
		WriteRetries: 3,
		RetryMin:     time.Millisecond,
		RetryMax:     20 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Path == "" {
		o.Path = def.Path
	}
	if o.Name == "" {
		o.Name = def.Name
	}
	if o.ID == (InputID{}) {
		o.ID = def.ID
	}
	if len(o.Capabilities.EventTypes) == 0 && len(o.Capabilities.KeyCodes) == 0 {
		o.Capabilities = def.Capabilities
	}
	if o.KeyDelay <= 0 {
		o.KeyDelay = def.KeyDelay
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.RetryMin <= 0 {
		o.RetryMin = def.RetryMin
	}
	if o.RetryMax < o.RetryMin {
		o.RetryMax = o.RetryMin
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Device is one live virtual keyboard. It owns its handle exclusively and is
// not safe for concurrent use.
type Device struct {
	handle Handle
	opts   Options
}

// TypeReport summarizes one TypeText call.
type TypeReport struct {
	Typed   int
	Skipped int
	Failed  int
	LastErr error
}

// Create opens the control node, registers capabilities, writes the
// descriptor, and issues UI_DEV_CREATE, in that order. The caller must be
// privileged and must eventually call Destroy.
func Create(open Opener, opts Options) (*Device, error) {
	opts = opts.withDefaults()
	if open == nil {
		open = OpenDevice
	}

	handle, err := open(opts.Path)
	if err != nil {
		return nil, classify("open control node", err)
	}

	if err := setup(handle, opts); err != nil {
		_ = handle.Close()
		return nil, err
	}

	caps := Capabilities{
		EventTypes: append([]uint16(nil), opts.Capabilities.EventTypes...),
		KeyCodes:   append([]uint16(nil), opts.Capabilities.KeyCodes...),
	}
	opts.Capabilities = caps

	if opts.Logger != nil {
		opts.Logger.Info("virtual keyboard created",
			"name", opts.Name,
			"path", opts.Path,
			"key_codes", len(caps.KeyCodes),
		)
	}
	return &Device{handle: handle, opts: opts}, nil
}

func setup(handle Handle, opts Options) error {
	for _, evType := range opts.Capabilities.EventTypes {
		if err := handle.Ioctl(uiSetEvBit, int(evType)); err != nil {
			return classify(fmt.Sprintf("enable event type %#x", evType), err)
		}
	}
	for _, code := range opts.Capabilities.KeyCodes {
		if err := handle.Ioctl(uiSetKeyBit, int(code)); err != nil {
			return classify(fmt.Sprintf("enable key code %d", code), err)
		}
	}

	desc, err := encodeUserDev(opts.Name, opts.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceCreation, err)
	}
	if _, err := handle.Write(desc); err != nil {
		return classify("write device descriptor", err)
	}

	if err := handle.Ioctl(uiDevCreate, 0); err != nil {
		return classify("create device", err)
	}
	return nil
}

func classify(step string, err error) error {
	if isPermission(err) {
		return fmt.Errorf("%w: %s: %w", ErrPermission, step, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceCreation, step, err)
}

// Name returns the advertised device name.
func (d *Device) Name() string {
	return d.opts.Name
}

// SetLogger replaces the logger used for typing diagnostics. Callers swap
// it after the privilege drop, once the user's log file is open.
func (d *Device) SetLogger(logger *slog.Logger) {
	d.opts.Logger = logger
}

// Capabilities returns a copy of the advertised capabilities.
func (d *Device) Capabilities() Capabilities {
	return Capabilities{
		EventTypes: append([]uint16(nil), d.opts.Capabilities.EventTypes...),
		KeyCodes:   append([]uint16(nil), d.opts.Capabilities.KeyCodes...),
	}
}

// SendKey writes a key state record followed by a report boundary.
func (d *Device) SendKey(code uint16, pressed bool) error {
	if d.handle == nil {
		return ErrClosed
	}
	if err := d.emit(KeyRecord(code, pressed), code); err != nil {
		return err
	}
	return d.emit(SyncRecord(), code)
}

// PressAndRelease presses code, waits KeyDelay, then releases it. The
// release is attempted even when the press failed.
func (d *Device) PressAndRelease(code uint16) error {
	if d.handle == nil {
		return ErrClosed
	}
	pressErr := d.SendKey(code, true)
	d.opts.Sleep(d.opts.KeyDelay)
	releaseErr := d.SendKey(code, false)
	return errors.Join(pressErr, releaseErr)
}

// TypeText types each rune of text. Unmapped runes are skipped and write
// failures are counted; neither stops the sequence. ctx is checked between
// characters only, so a started character always finishes.
func (d *Device) TypeText(ctx context.Context, text string) (TypeReport, error) {
	var report TypeReport
	if d.handle == nil {
		return report, ErrClosed
	}

	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		mapping, ok := keymap.Lookup(r)
		if !ok {
			report.Skipped++
			d.debug("skip unmapped rune", "rune", fmt.Sprintf("%q", r))
			continue
		}

		if err := d.typeMapping(mapping); err != nil {
			if errors.Is(err, ErrClosed) {
				return report, err
			}
			report.Failed++
			report.LastErr = err
			d.warn("type rune failed", "rune", fmt.Sprintf("%q", r), "error", err.Error())
			continue
		}
		report.Typed++
	}
	return report, nil
}

func (d *Device) typeMapping(m keymap.Mapping) error {
	if !m.Shift {
		return d.PressAndRelease(m.Code)
	}

	shiftErr := d.SendKey(keymap.KeyLeftShift, true)
	var keyErr error
	if shiftErr == nil {
		keyErr = d.PressAndRelease(m.Code)
	}
	releaseErr := d.SendKey(keymap.KeyLeftShift, false)
	return errors.Join(shiftErr, keyErr, releaseErr)
}

// Destroy issues UI_DEV_DESTROY and closes the handle. Calling it on a
// destroyed device is a no-op.
func (d *Device) Destroy() error {
	if d.handle == nil {
		return nil
	}
	handle := d.handle
	d.handle = nil

	var destroyErr error
	if err := handle.Ioctl(uiDevDestroy, 0); err != nil {
		destroyErr = fmt.Errorf("destroy device: %w", err)
	}
	var closeErr error
	if err := handle.Close(); err != nil {
		closeErr = fmt.Errorf("close control node: %w", err)
	}
	return errors.Join(destroyErr, closeErr)
}

// emit writes one record, retrying transient failures with backoff until
// WriteRetries is spent.
func (d *Device) emit(ev inputevent.InputEvent, code uint16) error {
	buf, err := Encode(ev)
	if err != nil {
		return &WriteError{Code: code, Err: err}
	}

	b := &backoff.Backoff{Min: d.opts.RetryMin, Max: d.opts.RetryMax, Factor: 2}
	attempts := 0
	for {
		attempts++
		_, err := d.handle.Write(buf)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempts > d.opts.WriteRetries {
			return &WriteError{Code: code, Attempts: attempts, Err: err}
		}
		d.opts.Sleep(b.Duration())
	}
}

func (d *Device) debug(msg string, args ...any) {
	if d.opts.Logger == nil {
		return
	}
	d.opts.Logger.Debug(msg, args...)
}

func (d *Device) warn(msg string, args ...any) {
	if d.opts.Logger == nil {
		return
	}
	d.opts.Logger.Warn(msg, args...)
}
