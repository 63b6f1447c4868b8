package inject

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/micmonay/keybd_event"
)

// uinputSettle is how long a freshly created uinput device needs before the
// compositor accepts its events.
const uinputSettle = 2 * time.Second

// Linux input event codes of the modifiers. keybd_event only exposes them
// through the HasCTRL family of setters.
const (
	codeCtrl  = 29
	codeShift = 42
	codeAlt   = 56
	codeSuper = 125
)

// keyCodes maps X keysym-style key names (lower case) to keybd_event codes.
// On Linux these are input event codes, which is also what ydotool expects.
var keyCodes = map[string]int{
	"escape": keybd_event.VK_ESC, "backspace": keybd_event.VK_BACKSPACE,
	"tab": keybd_event.VK_TAB, "return": keybd_event.VK_ENTER, "enter": keybd_event.VK_ENTER,
	"space": keybd_event.VK_SPACE, "delete": keybd_event.VK_DELETE,
	"home": keybd_event.VK_HOME, "end": keybd_event.VK_END,
	"up": keybd_event.VK_UP, "down": keybd_event.VK_DOWN,
	"left": keybd_event.VK_LEFT, "right": keybd_event.VK_RIGHT,
	"1": keybd_event.VK_1, "2": keybd_event.VK_2, "3": keybd_event.VK_3, "4": keybd_event.VK_4,
	"5": keybd_event.VK_5, "6": keybd_event.VK_6, "7": keybd_event.VK_7, "8": keybd_event.VK_8,
	"9": keybd_event.VK_9, "0": keybd_event.VK_0,
	"a": keybd_event.VK_A, "b": keybd_event.VK_B, "c": keybd_event.VK_C, "d": keybd_event.VK_D,
	"e": keybd_event.VK_E, "f": keybd_event.VK_F, "g": keybd_event.VK_G, "h": keybd_event.VK_H,
	"i": keybd_event.VK_I, "j": keybd_event.VK_J, "k": keybd_event.VK_K, "l": keybd_event.VK_L,
	"m": keybd_event.VK_M, "n": keybd_event.VK_N, "o": keybd_event.VK_O, "p": keybd_event.VK_P,
	"q": keybd_event.VK_Q, "r": keybd_event.VK_R, "s": keybd_event.VK_S, "t": keybd_event.VK_T,
	"u": keybd_event.VK_U, "v": keybd_event.VK_V, "w": keybd_event.VK_W, "x": keybd_event.VK_X,
	"y": keybd_event.VK_Y, "z": keybd_event.VK_Z,
	"minus": keybd_event.VK_MINUS, "equal": keybd_event.VK_EQUAL,
	"comma": keybd_event.VK_COMMA, "period": keybd_event.VK_DOT, "slash": keybd_event.VK_SLASH,
	"semicolon": keybd_event.VK_SEMICOLON, "apostrophe": keybd_event.VK_APOSTROPHE,
	"grave": keybd_event.VK_GRAVE, "backslash": keybd_event.VK_BACKSLASH,
	"bracketleft": keybd_event.VK_LEFTBRACE, "bracketright": keybd_event.VK_RIGHTBRACE,
}

var modifierCodes = map[string]int{
	"ctrl": codeCtrl, "control": codeCtrl,
	"shift": codeShift,
	"alt":   codeAlt,
	"super": codeSuper, "meta": codeSuper,
}

// keyCode returns the code of a key or modifier name.
func keyCode(name string) (int, bool) {
	n := strings.ToLower(name)
	if c, ok := modifierCodes[n]; ok {
		return c, true
	}
	c, ok := keyCodes[n]
	return c, ok
}

// shiftedRunes maps characters that need shift on a US layout to the name of
// the unshifted key.
var shiftedRunes = map[rune]string{
	'!': "1", '@': "2", '#': "3", '$': "4", '%': "5", '^': "6", '&': "7", '*': "8",
	'(': "9", ')': "0", '_': "minus", '+': "equal", '<': "comma", '>': "period",
	'?': "slash", ':': "semicolon", '"': "apostrophe", '~': "grave", '|': "backslash",
	'{': "bracketleft", '}': "bracketright",
}

var plainRunes = map[rune]string{
	' ': "space", '\n': "return", '\t': "tab", '-': "minus", '=': "equal", ',': "comma",
	'.': "period", '/': "slash", ';': "semicolon", '\'': "apostrophe", '`': "grave",
	'\\': "backslash", '[': "bracketleft", ']': "bracketright",
}

// press is one key press with modifiers.
type press struct {
	code                    int
	ctrl, shift, alt, super bool
}

// runePress returns the press that types r on a US layout.
func runePress(r rune) (press, bool) {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return press{code: keyCodes[string(r)]}, true
	case r >= 'A' && r <= 'Z':
		return press{code: keyCodes[string(r+'a'-'A')], shift: true}, true
	}
	if name, ok := plainRunes[r]; ok {
		return press{code: keyCodes[name]}, true
	}
	if name, ok := shiftedRunes[r]; ok {
		return press{code: keyCodes[name], shift: true}, true
	}
	return press{}, false
}

// chordPress parses "ctrl+shift+z".
func chordPress(chord string) (press, error) {
	mods, key := splitChord(chord)
	code, ok := keyCodes[strings.ToLower(key)]
	if !ok {
		return press{}, fmt.Errorf("unknown key %q", key)
	}
	p := press{code: code}
	for _, m := range mods {
		switch modifierCodes[strings.ToLower(m)] {
		case codeCtrl:
			p.ctrl = true
		case codeShift:
			p.shift = true
		case codeAlt:
			p.alt = true
		case codeSuper:
			p.super = true
		default:
			return press{}, fmt.Errorf("unknown modifier %q", m)
		}
	}
	return p, nil
}

// KeyBonder is the part of keybd_event.KeyBonding used by [Uinput].
type KeyBonder interface {
	SetKeys(keys ...int)
	HasCTRL(b bool)
	HasSHIFT(b bool)
	HasALT(b bool)
	HasSuper(b bool)
	Launching() error
}

// Uinput types through a virtual keyboard created on /dev/uinput. It needs
// no helper process and works on X11 and Wayland, but only types characters
// present on a US layout; anything else fails so a fallback backend can take
// over.
type Uinput struct {
	mu sync.Mutex
	kb KeyBonder
}

var _ Typer = (*Uinput)(nil)

// NewUinput creates the virtual keyboard and waits for it to settle.
func NewUinput() (*Uinput, error) {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("uinput: create virtual keyboard: %w", err)
	}
	time.Sleep(uinputSettle)
	return &Uinput{kb: &kb}, nil
}

// NewUinputWith returns a Uinput typer driving kb.
func NewUinputWith(kb KeyBonder) *Uinput { return &Uinput{kb: kb} }

func (u *Uinput) TypeText(ctx context.Context, s string) error {
	presses := make([]press, 0, len(s))
	for _, r := range s {
		p, ok := runePress(r)
		if !ok {
			return fmt.Errorf("uinput: cannot type %q", r)
		}
		presses = append(presses, p)
	}
	return u.send(ctx, presses)
}

func (u *Uinput) PressKeys(ctx context.Context, chords []string) error {
	presses := make([]press, 0, len(chords))
	for _, c := range chords {
		p, err := chordPress(c)
		if err != nil {
			return fmt.Errorf("uinput: %w", err)
		}
		presses = append(presses, p)
	}
	return u.send(ctx, presses)
}

func (u *Uinput) send(ctx context.Context, presses []press) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, p := range presses {
		if err := ctx.Err(); err != nil {
			return err
		}
		u.kb.SetKeys(p.code)
		u.kb.HasCTRL(p.ctrl)
		u.kb.HasSHIFT(p.shift)
		u.kb.HasALT(p.alt)
		u.kb.HasSuper(p.super)
		if err := u.kb.Launching(); err != nil {
			return fmt.Errorf("uinput: %w", err)
		}
	}
	return nil
}
