package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicetyper/internal/config"
	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/internal/resilience"
)

// BuildProviders instantiates every provider named in cfg using the registry.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	var err error

	if ps.STT, err = reg.CreateSTT(cfg.Transcription); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Transcription.Provider, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Transcription.Provider)

	if ps.VAD, err = reg.CreateVAD(cfg.VAD); err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Name)

	if ps.Typer, err = BuildTyper(cfg.Typing, reg); err != nil {
		return nil, err
	}

	if ps.Source, err = reg.CreateSource(cfg.Audio); err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	slog.Info("provider created", "kind", "source", "name", cfg.Audio.Source)

	return ps, nil
}

// BuildTyper creates the configured typing backend. With fallbacks the
// backends are tried in order, each behind its own circuit breaker.
func BuildTyper(tc config.TypingConfig, reg *config.Registry) (inject.Typer, error) {
	names := append([]string{tc.Backend}, tc.Fallbacks...)
	typers := make([]inject.Typer, 0, len(names))
	for _, name := range names {
		t, err := reg.CreateTyper(name)
		if err != nil {
			return nil, fmt.Errorf("create typer %q: %w", name, err)
		}
		typers = append(typers, t)
	}
	if len(typers) == 1 {
		slog.Info("provider created", "kind", "typer", "name", tc.Backend)
		return typers[0], nil
	}

	ft, err := inject.NewFallbackTyper(names, typers, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
	})
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "typer", "backends", ft.Backends())
	return ft, nil
}
