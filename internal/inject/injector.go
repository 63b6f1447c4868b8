// Package inject delivers text and key tokens to the focused window.
//
// The [Injector] owns an unbounded FIFO queue: Submit never blocks and never
// drops, so a slow typing backend adds latency but never loses or reorders
// keystrokes. A single goroutine (Run) hands tokens one at a time to a
// [Typer]. Failures are logged and the queue moves on; a dropped keystroke is
// recoverable by re-speaking, a stalled pipeline is not.
package inject

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Typer performs the actual injection. Implementations must deliver a call's
// input completely or return an error.
type Typer interface {
	// TypeText types s literally.
	TypeText(ctx context.Context, s string) error

	// PressKeys presses each chord in order.
	PressKeys(ctx context.Context, chords []string) error
}

// Observer receives one callback per delivered or failed token and on queue
// depth changes. Used for metrics.
type Observer interface {
	TokenDone(kind Kind, err error)
	QueueDepth(delta int)
}

// Option configures an Injector.
type Option func(*Injector)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(in *Injector) { in.obs = o }
}

// WithTokenTimeout bounds a single Typer call. Default 5s.
func WithTokenTimeout(d time.Duration) Option {
	return func(in *Injector) { in.timeout = d }
}

// Injector serialises tokens to a Typer.
type Injector struct {
	typer   Typer
	obs     Observer
	timeout time.Duration

	mu     sync.Mutex
	queue  []Token
	closed bool
	wake   chan struct{}
}

// New returns an Injector delivering to typer.
func New(typer Typer, opts ...Option) *Injector {
	in := &Injector{
		typer:   typer,
		timeout: 5 * time.Second,
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Submit appends tokens to the queue in order. Empty text tokens are skipped.
// Submit after Close is a no-op.
func (in *Injector) Submit(tokens ...Token) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		slog.Warn("inject: submit after close", "tokens", len(tokens))
		return
	}
	n := 0
	for _, t := range tokens {
		if t.Kind == KindText && t.Text == "" {
			continue
		}
		if t.Kind == KindKeys && len(t.Keys) == 0 {
			continue
		}
		in.queue = append(in.queue, t)
		n++
	}
	in.mu.Unlock()
	if n == 0 {
		return
	}
	if in.obs != nil {
		in.obs.QueueDepth(n)
	}
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting tokens. Run delivers what is already queued and
// returns.
func (in *Injector) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tokens.
func (in *Injector) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Run delivers tokens until Close has been called and the queue is empty, or
// ctx is cancelled. It returns nil after a Close-initiated drain. Once ctx is
// cancelled no further token is started and the rest of the queue is
// abandoned; a token already handed to the Typer is finished.
func (in *Injector) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			in.abandon()
			return err
		}
		t, ok, closed := in.next()
		if ok {
			in.deliver(ctx, t)
			continue
		}
		if closed {
			return nil
		}
		select {
		case <-in.wake:
		case <-ctx.Done():
			in.abandon()
			return ctx.Err()
		}
	}
}

// abandon empties the queue without delivering it.
func (in *Injector) abandon() {
	in.mu.Lock()
	n := len(in.queue)
	in.queue = nil
	in.closed = true
	in.mu.Unlock()
	if n == 0 {
		return
	}
	slog.Warn("inject: abandoning queued tokens", "tokens", n)
	if in.obs != nil {
		in.obs.QueueDepth(-n)
	}
}

func (in *Injector) next() (Token, bool, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return Token{}, false, in.closed
	}
	t := in.queue[0]
	in.queue[0] = Token{}
	in.queue = in.queue[1:]
	return t, true, in.closed
}

func (in *Injector) deliver(ctx context.Context, t Token) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.timeout)
	defer cancel()

	var err error
	switch t.Kind {
	case KindText:
		err = in.typer.TypeText(tctx, t.Text)
	case KindKeys:
		err = in.typer.PressKeys(tctx, t.Presses())
	}
	if err != nil {
		slog.Error("inject: token failed", "token", t.String(), "err", err)
	} else {
		slog.Debug("inject: delivered", "token", t.String())
	}
	if in.obs != nil {
		in.obs.QueueDepth(-1)
		in.obs.TokenDone(t.Kind, err)
	}
}
