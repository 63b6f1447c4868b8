package inject

import (
	"fmt"
	"strings"
)

// Kind distinguishes literal text from key presses.
type Kind int

const (
	KindText Kind = iota
	KindKeys
)

// String returns "text" or "keys".
func (k Kind) String() string {
	if k == KindKeys {
		return "keys"
	}
	return "text"
}

// Well-known key names (X keysyms).
const (
	KeyReturn    = "Return"
	KeyBackSpace = "BackSpace"
	KeyTab       = "Tab"
)

// Token is one unit of injection: either a literal string or a sequence of
// key chords. A token is always delivered whole.
type Token struct {
	Kind Kind

	// Text is set for KindText.
	Text string

	// Keys holds key chords for KindKeys, e.g. "Return" or "ctrl+z". They are
	// pressed in order.
	Keys []string

	// Repeat presses Keys this many times. Zero means once.
	Repeat int
}

// Text returns a literal-text token.
func Text(s string) Token { return Token{Kind: KindText, Text: s} }

// Keys returns a key token pressing each chord once, in order.
func Keys(chords ...string) Token { return Token{Kind: KindKeys, Keys: chords} }

// Backspace returns a key token deleting n characters.
func Backspace(n int) Token {
	return Token{Kind: KindKeys, Keys: []string{KeyBackSpace}, Repeat: n}
}

// Presses returns the expanded chord sequence of a key token.
func (t Token) Presses() []string {
	n := max(t.Repeat, 1)
	out := make([]string, 0, n*len(t.Keys))
	for range n {
		out = append(out, t.Keys...)
	}
	return out
}

// String renders the token for logs.
func (t Token) String() string {
	if t.Kind == KindText {
		return fmt.Sprintf("text(%q)", t.Text)
	}
	s := strings.Join(t.Keys, ",")
	if t.Repeat > 1 {
		return fmt.Sprintf("keys(%s x%d)", s, t.Repeat)
	}
	return "keys(" + s + ")"
}
