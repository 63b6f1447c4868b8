package inject_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/internal/inject/mock"
	"github.com/MrWong99/voicetyper/internal/resilience"
)

func runInjector(t *testing.T, in *inject.Injector) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- in.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}

func TestInjector_DeliversInOrder(t *testing.T) {
	t.Parallel()

	typer := &mock.Typer{}
	in := inject.New(typer)
	done := runInjector(t, in)

	in.Submit(inject.Text("go to the next line "), inject.Keys(inject.KeyReturn), inject.Text(" now"))
	in.Submit(inject.Text(""), inject.Backspace(2), inject.Text("ow!"))
	in.Close()
	waitRun(t, done)

	if got, want := typer.Transcript(), "go to the next line [Return] now[BackSpace BackSpace]ow!"; got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
	if got, want := typer.Output(), "go to the next line ⏎ now!"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestInjector_QueuesWhileBackendIsSlow(t *testing.T) {
	t.Parallel()

	typer := &mock.Typer{Notify: make(chan struct{})}
	in := inject.New(typer)
	done := runInjector(t, in)

	// The first token blocks in the typer until we read Notify; everything
	// else must queue without blocking Submit.
	for i := range 100 {
		in.Submit(inject.Text(string(rune('a' + i%26))))
	}
	if in.Pending() == 0 {
		t.Fatal("expected queued tokens")
	}
	in.Close()
	for range 100 {
		<-typer.Notify
	}
	waitRun(t, done)
	if typer.CallCount() != 100 {
		t.Errorf("calls = %d, want 100", typer.CallCount())
	}
}

func TestInjector_FailureDoesNotStopQueue(t *testing.T) {
	t.Parallel()

	typer := &mock.Typer{Err: errors.New("no display")}
	obs := &recorder{}
	in := inject.New(typer, inject.WithObserver(obs))
	done := runInjector(t, in)

	in.Submit(inject.Text("a"), inject.Text("b"))
	in.Close()
	waitRun(t, done)

	if typer.CallCount() != 2 {
		t.Errorf("calls = %d, want 2", typer.CallCount())
	}
	if obs.failed() != 2 || obs.depth() != 0 {
		t.Errorf("observer failed=%d depth=%d", obs.failed(), obs.depth())
	}
}

func TestInjector_CancelAbandonsQueue(t *testing.T) {
	t.Parallel()

	typer := &mock.Typer{Notify: make(chan struct{})}
	obs := &recorder{}
	in := inject.New(typer, inject.WithObserver(obs))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	in.Submit(inject.Text("a"), inject.Text("b"), inject.Text("c"), inject.Text("d"), inject.Text("e"))

	// The first token is in the typer; cancel before letting it finish.
	deadline := time.Now().Add(3 * time.Second)
	for typer.CallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first token never reached the typer")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-typer.Notify

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept delivering after cancel")
	}
	if got := typer.CallCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := typer.Output(); got != "a" {
		t.Errorf("output = %q, want %q", got, "a")
	}
	if in.Pending() != 0 || obs.depth() != 0 {
		t.Errorf("pending=%d depth=%d after cancel", in.Pending(), obs.depth())
	}
}

func TestInjector_SubmitAfterCloseIgnored(t *testing.T) {
	t.Parallel()

	typer := &mock.Typer{}
	in := inject.New(typer)
	in.Close()
	in.Submit(inject.Text("late"))
	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if typer.CallCount() != 0 {
		t.Errorf("calls = %d, want 0", typer.CallCount())
	}
}

type recorder struct {
	mu    sync.Mutex
	fails int
	d     int
}

func (r *recorder) TokenDone(_ inject.Kind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.fails++
	}
}

func (r *recorder) QueueDepth(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.d += delta
}

func (r *recorder) failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fails
}

func (r *recorder) depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.d
}

// ── Backends ──────────────────────────────────────────────────────────────────

type cmdLog struct {
	mu   sync.Mutex
	cmds [][]string
	err  error
}

func (c *cmdLog) run(_ context.Context, name string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, append([]string{name}, args...))
	return c.err
}

func TestBackends_CommandLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend string
		text    []string
		keys    []string
	}{
		{"xdotool", []string{"xdotool", "type", "--clearmodifiers", "--", "-hi"}, []string{"xdotool", "key", "--clearmodifiers", "Return", "ctrl+z"}},
		{"wtype", []string{"wtype", "--", "-hi"}, []string{"wtype", "-k", "Return", "-M", "ctrl", "-k", "z", "-m", "ctrl"}},
		{"ydotool", []string{"ydotool", "type", "--", "-hi"}, []string{"ydotool", "key", "28:1", "28:0", "29:1", "44:1", "44:0", "29:0"}},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			log := &cmdLog{}
			typer, err := inject.NewBackend(tt.backend, log.run)
			if err != nil {
				t.Fatalf("NewBackend: %v", err)
			}
			ctx := context.Background()
			if err := typer.TypeText(ctx, "-hi"); err != nil {
				t.Fatalf("TypeText: %v", err)
			}
			if err := typer.PressKeys(ctx, []string{"Return", "ctrl+z"}); err != nil {
				t.Fatalf("PressKeys: %v", err)
			}
			if !slices.Equal(log.cmds[0], tt.text) {
				t.Errorf("type cmd = %q, want %q", log.cmds[0], tt.text)
			}
			if !slices.Equal(log.cmds[1], tt.keys) {
				t.Errorf("key cmd = %q, want %q", log.cmds[1], tt.keys)
			}
		})
	}
}

func TestNewBackend_Unknown(t *testing.T) {
	t.Parallel()
	if _, err := inject.NewBackend("osascript", nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestYdotool_UnknownKey(t *testing.T) {
	t.Parallel()
	log := &cmdLog{}
	if err := (inject.Ydotool{Run: log.run}).PressKeys(context.Background(), []string{"F13"}); err == nil {
		t.Error("expected error for unmapped key")
	}
}

func TestFallbackTyper_UsesNextBackend(t *testing.T) {
	t.Parallel()

	broken := &cmdLog{err: errors.New("executable file not found")}
	working := &cmdLog{}
	ft, err := inject.NewFallbackTyper(
		[]string{"xdotool", "wtype"},
		[]inject.Typer{inject.Xdotool{Run: broken.run}, inject.Wtype{Run: working.run}},
		resilience.FallbackConfig{},
	)
	if err != nil {
		t.Fatalf("NewFallbackTyper: %v", err)
	}
	if err := ft.TypeText(context.Background(), "hello"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	if len(working.cmds) != 1 || working.cmds[0][0] != "wtype" {
		t.Errorf("fallback cmds = %v", working.cmds)
	}
	if got := ft.Backends(); !slices.Equal(got, []string{"xdotool", "wtype"}) {
		t.Errorf("Backends = %v", got)
	}
}

type fakeKeyboard struct {
	keys    []int
	presses []string
}

func (k *fakeKeyboard) SetKeys(keys ...int) { k.keys = keys }
func (k *fakeKeyboard) HasCTRL(b bool)      { k.mod(b, "ctrl") }
func (k *fakeKeyboard) HasSHIFT(b bool)     { k.mod(b, "shift") }
func (k *fakeKeyboard) HasALT(b bool)       { k.mod(b, "alt") }
func (k *fakeKeyboard) HasSuper(b bool)     { k.mod(b, "super") }

func (k *fakeKeyboard) mod(b bool, name string) {
	if b {
		k.presses = append(k.presses, name+"+")
	}
}

func (k *fakeKeyboard) Launching() error {
	for _, c := range k.keys {
		k.presses = append(k.presses, fmt.Sprint(c))
	}
	k.presses = append(k.presses, "|")
	return nil
}

func TestUinput_TypesUSLayout(t *testing.T) {
	t.Parallel()

	kb := &fakeKeyboard{}
	u := inject.NewUinputWith(kb)
	if err := u.TypeText(context.Background(), "Hi!"); err != nil {
		t.Fatalf("TypeText: %v", err)
	}
	if err := u.PressKeys(context.Background(), []string{"Return", "ctrl+z"}); err != nil {
		t.Fatalf("PressKeys: %v", err)
	}
	// H = shift+35, i = 23, ! = shift+2, Return = 28, ctrl+z = ctrl+44.
	want := []string{"shift+", "35", "|", "23", "|", "shift+", "2", "|", "28", "|", "ctrl+", "44", "|"}
	if !slices.Equal(kb.presses, want) {
		t.Errorf("presses = %q, want %q", kb.presses, want)
	}
}

func TestUinput_RejectsUntypable(t *testing.T) {
	t.Parallel()

	kb := &fakeKeyboard{}
	u := inject.NewUinputWith(kb)
	if err := u.TypeText(context.Background(), "café"); err == nil {
		t.Error("expected error for a rune outside the US layout")
	}
	if len(kb.presses) != 0 {
		t.Errorf("partial text was typed: %q", kb.presses)
	}
	if err := u.PressKeys(context.Background(), []string{"hyper+a"}); err == nil {
		t.Error("expected error for unknown modifier")
	}
}
