// Package mock provides a recording inject.Typer for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/voicetyper/internal/inject"
)

// Call records one Typer invocation.
type Call struct {
	Text string
	Keys []string
}

// Typer records every call. Output renders typed text plus "⏎" for Return
// and deletes one rune per BackSpace, approximating what a text field shows.
type Typer struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every call.
	Err error

	// Notify, if non-nil, receives a value after every call.
	Notify chan struct{}

	Calls []Call
	out   []rune
}

func (t *Typer) TypeText(_ context.Context, s string) error {
	t.mu.Lock()
	t.Calls = append(t.Calls, Call{Text: s})
	if t.Err == nil {
		t.out = append(t.out, []rune(s)...)
	}
	err := t.Err
	t.mu.Unlock()
	t.notify()
	return err
}

func (t *Typer) PressKeys(_ context.Context, chords []string) error {
	t.mu.Lock()
	t.Calls = append(t.Calls, Call{Keys: append([]string(nil), chords...)})
	if t.Err == nil {
		for _, c := range chords {
			switch c {
			case inject.KeyReturn:
				t.out = append(t.out, '⏎')
			case inject.KeyBackSpace:
				if len(t.out) > 0 {
					t.out = t.out[:len(t.out)-1]
				}
			default:
				t.out = append(t.out, []rune("<"+c+">")...)
			}
		}
	}
	err := t.Err
	t.mu.Unlock()
	t.notify()
	return err
}

func (t *Typer) notify() {
	if t.Notify != nil {
		t.Notify <- struct{}{}
	}
}

// Output returns the simulated text field content. Thread-safe.
func (t *Typer) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.out)
}

// CallCount returns the number of calls. Thread-safe.
func (t *Typer) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// Transcript joins all calls for assertions: text verbatim, keys in brackets.
func (t *Typer) Transcript() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, c := range t.Calls {
		if c.Keys != nil {
			b.WriteString("[" + strings.Join(c.Keys, " ") + "]")
			continue
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

var _ inject.Typer = (*Typer)(nil)
