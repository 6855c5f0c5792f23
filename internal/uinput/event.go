package uinput

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/temoto/inputevent-go"
)

// Event categories and codes from input-event-codes.h.
const (
	EvSyn     uint16 = 0x00
	EvKey     uint16 = 0x01
	SynReport uint16 = 0
)

// Control requests from uinput.h.
const (
	uiSetEvBit   uint = 0x40045564
	uiSetKeyBit  uint = 0x40045565
	uiDevCreate  uint = 0x5501
	uiDevDestroy uint = 0x5502
)

const (
	maxNameSize = 80 // UINPUT_MAX_NAME_SIZE
	absCnt      = 64 // ABS_CNT

	// BusUSB is BUS_USB from input.h.
	BusUSB uint16 = 0x03
)

// userDevSize is sizeof(struct uinput_user_dev).
const userDevSize = maxNameSize + 8 + 4 + 4*absCnt*4

// InputID mirrors struct input_id.
type InputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// userDev mirrors struct uinput_user_dev. Absolute-axis ranges stay zero
// because the device never advertises EV_ABS.
type userDev struct {
	Name       [maxNameSize]byte
	ID         InputID
	EffectsMax uint32
	Absmax     [absCnt]int32
	Absmin     [absCnt]int32
	Absfuzz    [absCnt]int32
	Absflat    [absCnt]int32
}

// KeyRecord builds the EV_KEY record for one key state change.
func KeyRecord(code uint16, pressed bool) inputevent.InputEvent {
	value := inputevent.KeyStateUp
	if pressed {
		value = inputevent.KeyStateDown
	}
	return inputevent.InputEvent{Type: EvKey, Code: code, Value: int32(value)}
}

// SyncRecord builds the SYN_REPORT record that closes a report. The kernel
// holds key records back from readers until it sees one.
func SyncRecord() inputevent.InputEvent {
	return inputevent.InputEvent{Type: EvSyn, Code: SynReport, Value: 0}
}

// Encode packs ev in the host's struct input_event layout.
func Encode(ev inputevent.InputEvent) ([]byte, error) {
	var w bytes.Buffer
	w.Grow(inputevent.EventSizeof)
	err := binary.Write(&w, binary.NativeEndian, ev)
	buf := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode input event: %w", err)
	}
	if len(buf) != inputevent.EventSizeof {
		return nil, fmt.Errorf("encoded input event is %d bytes, kernel expects %d", len(buf), inputevent.EventSizeof)
	}
	return buf, nil
}

// encodeUserDev builds the legacy device descriptor written before
// UI_DEV_CREATE. Names longer than the kernel field are truncated; the last
// byte is always NUL.
func encodeUserDev(name string, id InputID) ([]byte, error) {
	dev := userDev{ID: id}
	copy(dev.Name[:maxNameSize-1], name)

	var w bytes.Buffer
	w.Grow(userDevSize)
	err := binary.Write(&w, binary.NativeEndian, &dev)
	buf := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode device descriptor: %w", err)
	}
	if len(buf) != userDevSize {
		return nil, fmt.Errorf("encoded device descriptor is %d bytes, kernel expects %d", len(buf), userDevSize)
	}
	return buf, nil
}
