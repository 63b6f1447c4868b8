// Package app wires the voicetyper pipeline into a running application.
//
// The App owns four cooperating tasks connected by ordered channels: the
// audio source, the lifecycle controller (voice gate and transcription
// session), the transcript reconciler, and the text injector. New builds and
// connects them, Run executes them under one errgroup, ApplyConfig is the
// single reload path for a running pipeline, and Shutdown stops everything in
// order.
//
// For testing, inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicetyper/internal/config"
	"github.com/MrWong99/voicetyper/internal/gate"
	"github.com/MrWong99/voicetyper/internal/health"
	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/internal/lifecycle"
	"github.com/MrWong99/voicetyper/internal/observe"
	"github.com/MrWong99/voicetyper/internal/transcript"
	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
	"github.com/MrWong99/voicetyper/pkg/provider/vad"
)

// ErrNotReady is returned by readiness checks while the pipeline is not
// running or cannot transcribe.
var ErrNotReady = errors.New("app: not ready")

var _ lifecycle.Observer = observe.Observer{}

// Providers holds the external collaborators. All fields are required.
// Populated by main.go via the config registry, see [BuildProviders].
type Providers struct {
	STT    stt.Provider
	VAD    vad.Engine
	Typer  inject.Typer
	Source audio.Source
}

// App owns all pipeline task lifetimes.
type App struct {
	providers *Providers
	level     *slog.LevelVar
	metrics   *observe.Metrics
	ctrlOpts  []lifecycle.Option

	detector   vad.SessionHandle
	controller *lifecycle.Controller
	reconciler *transcript.Reconciler
	injector   *inject.Injector

	mu         sync.Mutex
	cfg        *config.Config
	running    bool
	cancelRun  context.CancelFunc
	cancelTail context.CancelFunc
	done       chan struct{}

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLevelVar lets ApplyConfig change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics records pipeline metrics into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLifecycleOptions passes extra options to the lifecycle controller,
// e.g. a fake clock in tests.
func WithLifecycleOptions(opts ...lifecycle.Option) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// New creates an App from cfg and the given providers.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if providers == nil || providers.STT == nil || providers.VAD == nil || providers.Typer == nil || providers.Source == nil {
		return nil, errors.New("app: stt, vad, typer and source providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	obs := a.metrics.Observer()

	// ── 1. Voice gate ────────────────────────────────────────────────────
	det, err := providers.VAD.NewSession(vad.Config{
		SampleRate:    cfg.Audio.SampleRate,
		WindowSamples: cfg.VAD.WindowSamples,
		Options:       cfg.VAD.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create vad session: %w", err)
	}
	a.detector = det
	g, err := gate.New(det, gate.Config{
		SampleRate: cfg.Audio.SampleRate,
		Threshold:  cfg.VAD.SpeechThreshold,
		Hangover:   cfg.VAD.Hangover,
	})
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("app: create gate: %w", err)
	}

	// ── 2. Lifecycle controller ──────────────────────────────────────────
	t := cfg.Transcription
	ctrlOpts := append([]lifecycle.Option{
		lifecycle.WithObserver(obs),
		lifecycle.WithTracer(observe.Tracer()),
	}, a.ctrlOpts...)
	a.controller, err = lifecycle.New(providers.STT, g, lifecycle.Config{
		Stream: stt.StreamConfig{
			SampleRate:     cfg.Audio.SampleRate,
			Language:       t.Language,
			OperatingPoint: t.OperatingPoint,
			EnablePartials: t.PartialsEnabled(),
			MaxDelay:       t.MaxDelay,
		},
		IdleDisconnect:   t.IdleDisconnect,
		ReconnectBackoff: t.ReconnectBackoff,
		DrainTimeout:     t.DrainTimeout,
		MaxRetries:       t.MaxRetries,
		Preroll:          cfg.VAD.Preroll,
		EndOfUtterance:   t.EndsUtteranceOnSilence(),
		MinStream:        t.MinStream,
	}, ctrlOpts...)
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("app: create lifecycle controller: %w", err)
	}

	// ── 3. Injector ──────────────────────────────────────────────────────
	a.injector = inject.New(providers.Typer, inject.WithObserver(obs))

	// ── 4. Reconciler ────────────────────────────────────────────────────
	policy, err := policyFor(cfg)
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.reconciler, err = transcript.New(a.injector, policy,
		transcript.WithForceEnder(a.controller),
		transcript.WithObserver(obs),
	)
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("app: create reconciler: %w", err)
	}

	return a, nil
}

// policyFor builds the reconciliation policy from the reloadable sections.
func policyFor(cfg *config.Config) (transcript.Policy, error) {
	eng, err := cfg.Keywords.Engine()
	if err != nil {
		return transcript.Policy{}, fmt.Errorf("build keyword engine: %w", err)
	}
	mode, err := transcript.ParseMode(string(cfg.Typing.Mode))
	if err != nil {
		return transcript.Policy{}, err
	}
	return transcript.Policy{
		Engine: eng,
		Mode:   mode,
		Grace:  cfg.Typing.KeywordFinalGrace,

		AutoFinalize: cfg.Typing.AutoFinalize,
	}, nil
}

// Run starts the pipeline and blocks until ctx is cancelled, Shutdown is
// called, or the audio source ends.
//
// Stopping cancels the audio source and the controller first. The controller
// drains the open session, whose remaining transcripts still reach the
// reconciler; the injector then types what is queued and returns. Shutdown
// bounds that tail with its own deadline.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app: already running")
	}
	a.running = true
	ctx, cancel := context.WithCancel(ctx)
	tailCtx, cancelTail := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelRun, a.cancelTail = cancel, cancelTail
	a.mu.Unlock()
	defer close(a.done)
	defer cancelTail()
	defer cancel()

	frames, err := a.providers.Source.Frames(ctx)
	if err != nil {
		return fmt.Errorf("app: start audio source: %w", err)
	}

	slog.Info("pipeline started",
		"sample_rate", a.cfg.Audio.SampleRate,
		"typing_mode", a.cfg.Typing.Mode,
		"language", a.cfg.Transcription.Language,
	)

	ctrlDone := make(chan struct{})
	var g errgroup.Group

	g.Go(func() error {
		defer close(ctrlDone)
		if err := a.controller.Run(ctx, frames); err != nil {
			return fmt.Errorf("app: lifecycle: %w", err)
		}
		slog.Debug("lifecycle controller stopped")
		return nil
	})
	g.Go(func() error {
		defer a.injector.Close()
		err := a.reconciler.Run(tailCtx, a.controller.Events())
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: reconciler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := a.injector.Run(tailCtx)
		if errors.Is(err, context.Canceled) {
			slog.Warn("typing queue abandoned", "pending", a.injector.Pending())
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.watchErrors(ctrlDone)
		return nil
	})

	err = g.Wait()
	slog.Info("pipeline stopped")
	return err
}

// watchErrors reports errors the controller surfaces for the user. Recovered
// errors are already logged by the controller.
func (a *App) watchErrors(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case err := <-a.controller.Errors():
			var se *stt.Error
			if errors.As(err, &se) {
				slog.Error("transcription unavailable",
					"kind", string(se.Kind),
					"reason", se.Code,
					"err", err,
				)
				continue
			}
			slog.Error("transcription unavailable", "err", err)
		}
	}
}

// ApplyConfig applies the reloadable differences between old and new: log
// level, keywords, typing mode and keyword grace. Other changes are logged
// and ignored until restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.KeywordsChanged || d.TypingModeChanged || d.GraceChanged {
		policy, err := policyFor(new)
		if err != nil {
			slog.Error("config reload rejected", "err", err)
			return
		}
		a.reconciler.SetPolicy(policy)
		slog.Info("typing policy reloaded",
			"keywords_changed", d.KeywordsChanged,
			"mode", policy.Mode.String(),
			"grace", policy.Grace,
		)
	}

	if len(d.Restart) > 0 {
		slog.Warn("config changes require a restart", "sections", d.Restart)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Status is the JSON snapshot served on /status.
type Status struct {
	Phase          string `json:"phase"`
	Voice          string `json:"voice"`
	SessionID      string `json:"session_id,omitempty"`
	SessionState   string `json:"session_state,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
	Failures       int    `json:"failures"`
	LastError      string `json:"last_error,omitempty"`
	TypingMode     string `json:"typing_mode"`
	PendingTokens  int    `json:"pending_tokens"`
}

// Status returns a snapshot of the pipeline.
func (a *App) Status() Status {
	cs := a.controller.Status()
	s := Status{
		Phase:          string(cs.Phase),
		Voice:          cs.Voice.String(),
		SessionID:      cs.SessionID,
		ActiveSessions: cs.ActiveSessions,
		Failures:       cs.Failures,
		TypingMode:     string(a.Config().Typing.Mode),
		PendingTokens:  a.injector.Pending(),
	}
	if cs.SessionID != "" {
		s.SessionState = cs.SessionState.String()
	}
	if cs.LastError != nil {
		s.LastError = cs.LastError.Error()
	}
	return s
}

// Checkers returns the readiness checks for /readyz.
func (a *App) Checkers() []health.Checker {
	return []health.Checker{
		{Name: "pipeline", Check: func(context.Context) error {
			a.mu.Lock()
			running := a.running
			a.mu.Unlock()
			select {
			case <-a.done:
				return fmt.Errorf("%w: stopped", ErrNotReady)
			default:
			}
			if !running {
				return fmt.Errorf("%w: not started", ErrNotReady)
			}
			return nil
		}},
		{Name: "transcription", Check: func(context.Context) error {
			cs := a.controller.Status()
			if cs.Phase != lifecycle.PhaseDegraded {
				return nil
			}
			if cs.LastError != nil {
				return fmt.Errorf("%w: degraded: %v", ErrNotReady, cs.LastError)
			}
			return fmt.Errorf("%w: degraded", ErrNotReady)
		}},
	}
}

// Shutdown stops the pipeline and releases resources. It waits for Run to
// finish draining within ctx; when ctx expires first, queued keystrokes are
// abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		running, cancelRun, cancelTail := a.running, a.cancelRun, a.cancelTail
		a.mu.Unlock()

		slog.Info("shutting down")
		if running {
			cancelRun()
			select {
			case <-a.done:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "pending_tokens", a.injector.Pending())
				cancelTail()
				<-a.done
				shutdownErr = ctx.Err()
			}
		}

		if err := a.detector.Close(); err != nil {
			slog.Warn("vad close error", "err", err)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
