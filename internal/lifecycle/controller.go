// Package lifecycle decides when a transcription session is open.
//
// The [Controller] owns the voice activity gate and at most one
// [stt.Session]. Speech opens a session once the previous one has observably
// ended, silence longer than the idle timeout drains it, and a retryable
// failure schedules a single reconnect after a fixed backoff that speech never
// shortens. Consecutive retryable failures spend a retry budget
// ([resilience.CircuitBreaker]); once it is exhausted the controller reports
// itself degraded and stops reconnecting until the cooldown allows a new attempt.
//
// Transcript events of every session are forwarded, in receipt order, on a
// single channel returned by [Controller.Events], interleaved with
// speech-started and speech-ended markers from the gate. With
// [Config.EndOfUtterance] set, speech-end also forces the end of the current
// utterance.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicetyper/internal/gate"
	"github.com/MrWong99/voicetyper/internal/observe"
	"github.com/MrWong99/voicetyper/internal/resilience"
	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

const tracerName = "github.com/MrWong99/voicetyper/internal/lifecycle"

// Default lifecycle parameters.
const (
	defaultIdleDisconnect   = 10 * time.Second
	defaultReconnectBackoff = 7 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultMaxRetries       = 3
	defaultRetryCooldown    = time.Minute
	defaultPreroll          = 300 * time.Millisecond
	defaultEventBuffer      = 256
)

// ErrAlreadyRunning is returned by Run when called a second time.
var ErrAlreadyRunning = errors.New("lifecycle: controller already running")

// Config configures a [Controller].
type Config struct {
	// Stream is passed to the provider for every session.
	Stream stt.StreamConfig

	// IdleDisconnect is how long after speech ends the session is kept open.
	// Defaults to 10s.
	IdleDisconnect time.Duration

	// ReconnectBackoff is the fixed delay before reconnecting after a
	// retryable failure. Defaults to 7s.
	ReconnectBackoff time.Duration

	// DrainTimeout bounds the wait for the end-of-transcript acknowledgement.
	// Defaults to 5s.
	DrainTimeout time.Duration

	// MaxRetries is the number of consecutive retryable failures after which
	// the controller is degraded. Defaults to 3.
	MaxRetries int

	// RetryCooldown is how long the controller stays degraded before one
	// more attempt is allowed. Defaults to 1m.
	RetryCooldown time.Duration

	// Preroll is the amount of audio kept while no session accepts audio and
	// sent first when one opens. Defaults to 300ms; negative disables it.
	Preroll time.Duration

	// EndOfUtterance forces the end of the current utterance when speech
	// ends, once the session has been open for MinStream.
	EndOfUtterance bool
	MinStream      time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleDisconnect <= 0 {
		c.IdleDisconnect = defaultIdleDisconnect
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = defaultReconnectBackoff
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = defaultRetryCooldown
	}
	if c.Preroll == 0 {
		c.Preroll = defaultPreroll
	}
}

// Observer receives lifecycle measurements.
type Observer interface {
	SessionOpened(result string)
	SessionEnded(d time.Duration, err error)
	ActiveSessions(delta int)
	VoiceTransition(state gate.VoiceState)
	FinalLatency(d time.Duration)
}

// Phase summarises what the controller is doing.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseOpen     Phase = "open"
	PhaseDraining Phase = "draining"
	PhaseBackoff  Phase = "backoff"
	PhaseDegraded Phase = "degraded"
	PhaseStopped  Phase = "stopped"
)

// Status is a snapshot of the controller.
type Status struct {
	Phase Phase

	// SessionID and SessionState describe the current session, if any.
	SessionID    string
	SessionState stt.State

	Voice gate.VoiceState

	// Failures is the number of consecutive retryable failures.
	Failures int

	// LastError is the most recent session failure.
	LastError error

	// ActiveSessions is the number of sessions that have not reached a
	// terminal state. It never exceeds one.
	ActiveSessions int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithTracer sets the tracer used for the lifecycle.session span.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

type ended struct {
	sess   stt.Session
	log    *slog.Logger
	err    error
	opened time.Time
	span   trace.Span
}

// Controller maps voice activity to session lifecycle. Run owns all decision
// state; the exported accessors are safe for concurrent use.
type Controller struct {
	provider stt.Provider
	gate     *gate.Gate
	cfg      Config
	clock    clock.Clock
	obs      Observer
	log      *slog.Logger
	tracer   trace.Tracer
	budget   *resilience.CircuitBreaker

	events chan stt.Event
	errs   chan error
	ended  chan ended
	abort  chan struct{}

	running   atomic.Bool
	speechEnd atomic.Int64

	// Owned by Run.
	pre      preroll
	want     bool
	draining bool
	stopping bool
	degraded bool
	warned   bool
	idle     *clock.Timer
	backoff  *clock.Timer
	sessLog  *slog.Logger
	openedAt time.Time

	mu      sync.Mutex
	current stt.Session
	phase   Phase
	voice   gate.VoiceState
	lastErr error
	active  int
}

// New returns a Controller that opens sessions on p and classifies audio with
// g.
func New(p stt.Provider, g *gate.Gate, cfg Config, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, errors.New("lifecycle: provider is nil")
	}
	if g == nil {
		return nil, errors.New("lifecycle: gate is nil")
	}
	cfg.applyDefaults()
	c := &Controller{
		provider: p,
		gate:     g,
		cfg:      cfg,
		clock:    clock.New(),
		log:      slog.Default(),
		events:   make(chan stt.Event, defaultEventBuffer),
		errs:     make(chan error, 8),
		ended:    make(chan ended, 1),
		abort:    make(chan struct{}),
		phase:    PhaseIdle,
		pre:      preroll{limit: cfg.Preroll},
	}
	for _, o := range opts {
		o(c)
	}
	c.sessLog = c.log
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	c.budget = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "transcription",
		MaxFailures:  cfg.MaxRetries,
		ResetTimeout: cfg.RetryCooldown,
		Now:          c.clock.Now,
	})
	return c, nil
}

// Events returns the transcript events of all sessions in receipt order. It
// is closed when Run returns.
func (c *Controller) Events() <-chan stt.Event { return c.events }

// Errors returns errors that need the user's attention: fatal session errors
// and an exhausted retry budget. Errors are dropped if nobody reads them.
func (c *Controller) Errors() <-chan error { return c.errs }

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := Status{
		Phase:          c.phase,
		Voice:          c.voice,
		LastError:      c.lastErr,
		ActiveSessions: c.active,
	}
	sess := c.current
	c.mu.Unlock()
	if sess != nil {
		s.SessionID = sess.ID()
		s.SessionState = sess.State()
	}
	s.Failures = c.budget.Failures()
	return s
}

// ForceEndOfUtterance asks the session with the given id to finalise its
// current utterance. It returns stt.ErrSessionClosed if that session is no
// longer current.
func (c *Controller) ForceEndOfUtterance(sessionID string) error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil || sess.ID() != sessionID {
		return stt.ErrSessionClosed
	}
	return sess.ForceEndOfUtterance()
}

// Run consumes audio frames until frames is closed or ctx is cancelled. On
// return any pending timer is cancelled, the current session has been drained
// within the drain timeout, and Events is closed. Run returns nil on a normal
// stop and an error only if the gate rejects audio.
func (c *Controller) Run(ctx context.Context, frames <-chan audio.Frame) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := c.onFrame(ctx, f); err != nil {
				return err
			}
		case <-timerC(c.idle):
			c.idle = nil
			c.onIdle()
		case <-timerC(c.backoff):
			c.backoff = nil
			c.setPhase(PhaseIdle)
			c.log.Info("lifecycle: backoff elapsed", "want_session", c.want)
			c.maybeOpen(ctx)
		case e := <-c.ended:
			c.onEnded(ctx, e)
		}
	}
}

func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (c *Controller) onFrame(ctx context.Context, f audio.Frame) error {
	trs, err := c.gate.Push(f)
	if err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	c.forward(f)

	for _, tr := range trs {
		c.mu.Lock()
		c.voice = tr.State
		c.mu.Unlock()
		if c.obs != nil {
			c.obs.VoiceTransition(tr.State)
		}
		c.log.Debug("lifecycle: voice transition", "state", tr.State.String(), "at", tr.At, "p", tr.Probability)

		switch tr.State {
		case gate.Speech:
			c.want = true
			c.stopIdle()
			c.speechEnd.Store(0)
			c.mark(ctx, stt.EventSpeechStarted)
			c.maybeOpen(ctx)
		case gate.Silence:
			c.speechEnd.Store(c.clock.Now().UnixNano())
			c.stopIdle()
			c.idle = c.clock.Timer(c.cfg.IdleDisconnect)
			c.mark(ctx, stt.EventSpeechEnded)
			if c.cfg.EndOfUtterance {
				c.endUtterance()
			}
		}
	}
	return nil
}

// mark inserts a voice activity marker into the event stream.
func (c *Controller) mark(ctx context.Context, typ stt.EventType) {
	ev := stt.Event{Type: typ, Received: c.clock.Now()}
	if c.current != nil {
		ev.SessionID = c.current.ID()
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// endUtterance asks the current session to finalise what was said.
func (c *Controller) endUtterance() {
	sess := c.current
	if sess == nil || c.draining || !sess.State().AcceptsAudio() {
		return
	}
	if open := c.clock.Since(c.openedAt); open < c.cfg.MinStream {
		c.sessLog.Debug("lifecycle: speech ended, session too young to end utterance", "open", open)
		return
	}
	if err := sess.ForceEndOfUtterance(); err != nil {
		c.sessLog.Warn("lifecycle: end of utterance on silence failed", "err", err)
		return
	}
	c.sessLog.Debug("lifecycle: speech ended, utterance end requested")
}

// forward sends f to the current session, or keeps it as pre-roll when no
// session accepts audio.
func (c *Controller) forward(f audio.Frame) {
	sess := c.current
	if sess == nil || c.draining || !sess.State().AcceptsAudio() {
		c.pre.add(f)
		return
	}
	c.send(sess, f)
}

func (c *Controller) send(sess stt.Session, f audio.Frame) {
	err := sess.SendAudio(f.Data)
	switch {
	case err == nil:
	case errors.Is(err, stt.ErrBackpressure):
		if !c.warned {
			c.warned = true
			c.sessLog.Warn("lifecycle: audio dropped, session queue full")
		}
	case errors.Is(err, stt.ErrSessionClosed):
		c.pre.add(f)
	default:
		c.sessLog.Warn("lifecycle: send audio failed", "err", err)
	}
}

func (c *Controller) onIdle() {
	c.want = false
	sess := c.current
	if sess == nil || c.draining {
		return
	}
	c.sessLog.Info("lifecycle: idle timeout", "idle", c.cfg.IdleDisconnect)
	c.drain(sess)
}

func (c *Controller) drain(sess stt.Session) {
	c.draining = true
	c.setPhase(PhaseDraining)
	log := c.sessLog
	go func() {
		ctx, cancel := c.clock.WithTimeout(context.Background(), c.cfg.DrainTimeout)
		defer cancel()
		if err := sess.Drain(ctx); err != nil {
			log.Debug("lifecycle: drain returned", "err", err)
		}
	}()
}

// maybeOpen opens a session if one is wanted and allowed.
func (c *Controller) maybeOpen(ctx context.Context) {
	if !c.want || c.current != nil || c.backoff != nil || c.stopping || ctx.Err() != nil {
		return
	}
	if err := c.budget.Allow(); err != nil {
		if !c.degraded {
			c.degraded = true
			c.setPhase(PhaseDegraded)
			err = fmt.Errorf("lifecycle: giving up after %d consecutive failures: %w",
				c.budget.Failures(), c.budget.LastError())
			c.log.Error("lifecycle: retry budget exhausted", "failures", c.budget.Failures(),
				"cooldown", c.cfg.RetryCooldown, "err", c.budget.LastError())
			c.surface(err)
		}
		return
	}
	c.degraded = false

	spanCtx, span := c.tracer.Start(ctx, "lifecycle.session")
	log := observe.Logger(spanCtx, c.log)
	sess, err := c.provider.Open(spanCtx, c.cfg.Stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open")
		span.End()
		if c.obs != nil {
			c.obs.SessionOpened("error")
		}
		c.failed(log, err)
		return
	}
	log = log.With("session_id", sess.ID())
	span.SetAttributes(attribute.String("stt.session_id", sess.ID()))
	if c.obs != nil {
		c.obs.SessionOpened("ok")
		c.obs.ActiveSessions(1)
	}

	c.mu.Lock()
	c.current = sess
	c.phase = PhaseOpen
	c.active++
	active := c.active
	c.mu.Unlock()
	c.warned = false
	c.sessLog = log
	c.openedAt = c.clock.Now()

	pre := c.pre.duration()
	for _, f := range c.pre.take() {
		c.send(sess, f)
	}
	log.Info("lifecycle: session opened", "active", active, "preroll", pre)

	go c.pump(sess, ended{sess: sess, log: log, opened: c.openedAt, span: span})
}

// pump forwards the events of one session and reports its end.
func (c *Controller) pump(sess stt.Session, e ended) {
	for ev := range sess.Events() {
		if ev.Type == stt.EventFinal {
			if t := c.speechEnd.Swap(0); t != 0 && c.obs != nil {
				c.obs.FinalLatency(c.clock.Now().Sub(time.Unix(0, t)))
			}
		}
		select {
		case c.events <- ev:
		case <-c.abort:
		}
	}
	<-sess.Done()
	e.err = sess.Err()
	c.ended <- e
}

func (c *Controller) onEnded(ctx context.Context, e ended) {
	c.mu.Lock()
	if c.current == e.sess {
		c.current = nil
	}
	c.active--
	active := c.active
	c.mu.Unlock()

	dur := c.clock.Now().Sub(e.opened)
	if c.obs != nil {
		c.obs.ActiveSessions(-1)
		c.obs.SessionEnded(dur, e.err)
	}
	if e.err != nil {
		e.span.RecordError(e.err)
		e.span.SetStatus(codes.Error, string(stt.KindOf(e.err)))
	}
	e.span.End()

	drained := c.draining
	c.draining = false
	switch {
	case e.err == nil:
		c.budget.Record(nil)
		e.log.Info("lifecycle: session closed", "active", active, "duration", dur)
		c.setPhase(PhaseIdle)
	case drained && isDrainTimeout(e.err):
		c.budget.Record(nil)
		e.log.Warn("lifecycle: session force-closed after drain timeout", "active", active, "duration", dur)
		c.setPhase(PhaseIdle)
	default:
		c.failed(e.log, e.err)
	}
	if c.current == nil {
		c.sessLog = c.log
	}
	c.maybeOpen(ctx)
}

// failed handles an Open error or a failed session. Every Allow is matched
// by exactly one Record here or in onEnded.
func (c *Controller) failed(log *slog.Logger, err error) {
	kind, code := reason(err)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	if stt.IsRetryable(err) {
		c.budget.Record(err)
		if c.stopping {
			log.Warn("lifecycle: session failed during shutdown", "kind", kind, "reason", code, "err", err)
			return
		}
		log.Warn("lifecycle: session failed, reconnecting after backoff",
			"kind", kind, "reason", code,
			"backoff", c.cfg.ReconnectBackoff, "failures", c.budget.Failures(), "err", err)
		c.backoff = c.clock.Timer(c.cfg.ReconnectBackoff)
		c.setPhase(PhaseBackoff)
		return
	}

	c.budget.Record(nil)
	log.Error("lifecycle: session failed", "kind", kind, "reason", code, "err", err)
	c.want = false
	c.setPhase(PhaseIdle)
	c.surface(err)
}

func (c *Controller) surface(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Warn("lifecycle: error channel full, dropping", "err", err)
	}
}

func (c *Controller) shutdown() {
	c.stopping = true
	c.stopIdle()
	if c.backoff != nil {
		c.backoff.Stop()
		c.backoff = nil
	}

	if sess := c.current; sess != nil {
		c.sessLog.Info("lifecycle: stopping, draining session")
		c.draining = true
		c.setPhase(PhaseDraining)
		ctx, cancel := c.clock.WithTimeout(context.Background(), c.cfg.DrainTimeout)
		if err := sess.Drain(ctx); err != nil {
			c.sessLog.Debug("lifecycle: drain returned", "err", err)
		}
		cancel()

		// The session is terminal now; give the event consumer the drain
		// timeout to take the remaining events.
		wait := c.clock.Timer(c.cfg.DrainTimeout)
		select {
		case e := <-c.ended:
			wait.Stop()
			c.onEnded(context.Background(), e)
		case <-wait.C:
			close(c.abort)
			c.onEnded(context.Background(), <-c.ended)
		}
	}
	c.setPhase(PhaseStopped)
	close(c.events)
}

func (c *Controller) stopIdle() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func isDrainTimeout(err error) bool {
	var e *stt.Error
	return errors.As(err, &e) && e.Code == stt.CodeDrainTimeout
}

// reason returns the kind and reason code of err for logs.
func reason(err error) (stt.ErrorKind, string) {
	var e *stt.Error
	if errors.As(err, &e) {
		return e.Kind, e.Code
	}
	return stt.KindOf(err), "unknown"
}
