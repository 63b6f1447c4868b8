package inject

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/MrWong99/voicetyper/internal/resilience"
)

// Runner executes an external command. Tests substitute a recorder.
type Runner func(ctx context.Context, name string, args ...string) error

// ExecRunner runs the command with os/exec and includes its output in errors.
func ExecRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Xdotool types through `xdotool` (X11). Modifiers held by the user are
// cleared for the duration of each call.
type Xdotool struct{ Run Runner }

func (x Xdotool) runner() Runner { return orExec(x.Run) }

func (x Xdotool) TypeText(ctx context.Context, s string) error {
	return x.runner()(ctx, "xdotool", "type", "--clearmodifiers", "--", s)
}

func (x Xdotool) PressKeys(ctx context.Context, chords []string) error {
	args := append([]string{"key", "--clearmodifiers"}, chords...)
	return x.runner()(ctx, "xdotool", args...)
}

// Wtype types through `wtype` (Wayland, virtual-keyboard protocol).
type Wtype struct{ Run Runner }

func (w Wtype) runner() Runner { return orExec(w.Run) }

func (w Wtype) TypeText(ctx context.Context, s string) error {
	return w.runner()(ctx, "wtype", "--", s)
}

func (w Wtype) PressKeys(ctx context.Context, chords []string) error {
	var args []string
	for _, c := range chords {
		mods, key := splitChord(c)
		for _, m := range mods {
			args = append(args, "-M", m)
		}
		args = append(args, "-k", key)
		for i := len(mods) - 1; i >= 0; i-- {
			args = append(args, "-m", mods[i])
		}
	}
	return w.runner()(ctx, "wtype", args...)
}

// Ydotool types through `ydotool` (uinput; works on X11 and Wayland but needs
// ydotoold running). Keys are sent as Linux input event codes, shared with the
// [Uinput] backend.
type Ydotool struct{ Run Runner }

func (y Ydotool) runner() Runner { return orExec(y.Run) }

func (y Ydotool) TypeText(ctx context.Context, s string) error {
	return y.runner()(ctx, "ydotool", "type", "--", s)
}

func (y Ydotool) PressKeys(ctx context.Context, chords []string) error {
	args := []string{"key"}
	for _, c := range chords {
		mods, key := splitChord(c)
		var codes []int
		for _, name := range append(mods, key) {
			code, ok := keyCode(name)
			if !ok {
				return fmt.Errorf("ydotool: unknown key %q", name)
			}
			codes = append(codes, code)
		}
		for _, code := range codes {
			args = append(args, fmt.Sprintf("%d:1", code))
		}
		for i := len(codes) - 1; i >= 0; i-- {
			args = append(args, fmt.Sprintf("%d:0", codes[i]))
		}
	}
	return y.runner()(ctx, "ydotool", args...)
}

// NewBackend returns the named command-line typing backend: "xdotool",
// "wtype" or "ydotool". The "uinput" backend has no command and is created
// with [NewUinput].
func NewBackend(name string, run Runner) (Typer, error) {
	switch name {
	case "xdotool":
		return Xdotool{Run: run}, nil
	case "wtype":
		return Wtype{Run: run}, nil
	case "ydotool":
		return Ydotool{Run: run}, nil
	}
	return nil, fmt.Errorf("inject: unknown backend %q", name)
}

// FallbackTyper tries each backend in order, skipping backends whose circuit
// breaker is open.
type FallbackTyper struct {
	group *resilience.FallbackGroup[Typer]
}

var _ Typer = (*FallbackTyper)(nil)

// NewFallbackTyper wraps primary and fallbacks. names must have one entry per
// typer.
func NewFallbackTyper(names []string, typers []Typer, cfg resilience.FallbackConfig) (*FallbackTyper, error) {
	if len(typers) == 0 || len(names) != len(typers) {
		return nil, fmt.Errorf("inject: %d names for %d typers", len(names), len(typers))
	}
	g := resilience.NewFallbackGroup(typers[0], names[0], cfg)
	for i := 1; i < len(typers); i++ {
		g.AddFallback(names[i], typers[i])
	}
	return &FallbackTyper{group: g}, nil
}

func (f *FallbackTyper) TypeText(ctx context.Context, s string) error {
	_, err := f.group.Execute(func(t Typer) error { return t.TypeText(ctx, s) })
	return err
}

func (f *FallbackTyper) PressKeys(ctx context.Context, chords []string) error {
	_, err := f.group.Execute(func(t Typer) error { return t.PressKeys(ctx, chords) })
	return err
}

// Backends returns the backend names in try order.
func (f *FallbackTyper) Backends() []string { return f.group.Names() }

func orExec(r Runner) Runner {
	if r == nil {
		return ExecRunner
	}
	return r
}

// splitChord splits "ctrl+shift+z" into modifiers and key.
func splitChord(chord string) ([]string, string) {
	parts := strings.Split(chord, "+")
	return parts[:len(parts)-1], parts[len(parts)-1]
}
