// Package keymap resolves text runes to Linux keycodes on a US layout.
package keymap

// Linux keycodes from input-event-codes.h used by the text mapping.
const (
	Key1          uint16 = 2
	Key2          uint16 = 3
	Key3          uint16 = 4
	Key4          uint16 = 5
	Key5          uint16 = 6
	Key6          uint16 = 7
	Key7          uint16 = 8
	Key8          uint16 = 9
	Key9          uint16 = 10
	Key0          uint16 = 11
	KeyMinus      uint16 = 12
	KeyEqual      uint16 = 13
	KeyTab        uint16 = 15
	KeyLeftBrace  uint16 = 26
	KeyRightBrace uint16 = 27
	KeyEnter      uint16 = 28
	KeySemicolon  uint16 = 39
	KeyApostrophe uint16 = 40
	KeyGrave      uint16 = 41
	KeyLeftShift  uint16 = 42
	KeyBackslash  uint16 = 43
	KeyComma      uint16 = 51
	KeyDot        uint16 = 52
	KeySlash      uint16 = 53
	KeySpace      uint16 = 57

	// KeyMax is the highest keycode the kernel defines (KEY_MAX).
	KeyMax uint16 = 0x2ff
)

// Mapping is the key position and modifier state that produces one rune.
type Mapping struct {
	Code  uint16
	Shift bool
}

// a=30, b=48, c=46, ... in alphabet order.
var letters = [26]uint16{
	30, 48, 46, 32, 18, 33, 34, 35, 23, 36,
	37, 38, 50, 49, 24, 25, 16, 19, 31, 20,
	22, 47, 17, 45, 21, 44,
}

var digits = [10]uint16{Key0, Key1, Key2, Key3, Key4, Key5, Key6, Key7, Key8, Key9}

var punctuation = map[rune]Mapping{
	' ':  {KeySpace, false},
	'\n': {KeyEnter, false},
	'\t': {KeyTab, false},
	'`':  {KeyGrave, false},
	'-':  {KeyMinus, false},
	'=':  {KeyEqual, false},
	'[':  {KeyLeftBrace, false},
	']':  {KeyRightBrace, false},
	'\\': {KeyBackslash, false},
	';':  {KeySemicolon, false},
	'\'': {KeyApostrophe, false},
	',':  {KeyComma, false},
	'.':  {KeyDot, false},
	'/':  {KeySlash, false},
	'~':  {KeyGrave, true},
	'!':  {Key1, true},
	'@':  {Key2, true},
	'#':  {Key3, true},
	'$':  {Key4, true},
	'%':  {Key5, true},
	'^':  {Key6, true},
	'&':  {Key7, true},
	'*':  {Key8, true},
	'(':  {Key9, true},
	')':  {Key0, true},
	'_':  {KeyMinus, true},
	'+':  {KeyEqual, true},
	'{':  {KeyLeftBrace, true},
	'}':  {KeyRightBrace, true},
	'|':  {KeyBackslash, true},
	':':  {KeySemicolon, true},
	'"':  {KeyApostrophe, true},
	'<':  {KeyComma, true},
	'>':  {KeyDot, true},
	'?':  {KeySlash, true},
}

// Lookup returns the mapping for r. The boolean is false when no key on
// the layout produces r; the returned Mapping is then the zero value.
func Lookup(r rune) (Mapping, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return Mapping{Code: letters[r-'a']}, true
	case r >= 'A' && r <= 'Z':
		return Mapping{Code: letters[r-'A'], Shift: true}, true
	case r >= '0' && r <= '9':
		return Mapping{Code: digits[r-'0']}, true
	}

	if m, ok := punctuation[r]; ok {
		return m, true
	}
	return Mapping{}, false
}

// Codes returns the distinct keycodes reachable through Lookup, including
// the shift modifier.
func Codes() []uint16 {
	seen := map[uint16]struct{}{KeyLeftShift: {}}
	out := []uint16{KeyLeftShift}
	add := func(code uint16) {
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	for _, code := range letters {
		add(code)
	}
	for _, code := range digits {
		add(code)
	}
	for _, m := range punctuation {
		add(m.Code)
	}
	return out
}
