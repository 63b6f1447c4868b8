// Command voicetyper types what you say into the focused window.
//
// Audio is read as raw mono PCM16 from stdin (or a file), for example:
//
//	arecord -q -f S16_LE -r 16000 -c 1 | voicetyper
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicetyper/internal/app"
	"github.com/MrWong99/voicetyper/internal/config"
	"github.com/MrWong99/voicetyper/internal/health"
	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/internal/observe"
	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
	"github.com/MrWong99/voicetyper/pkg/provider/stt/speechmatics"
	"github.com/MrWong99/voicetyper/pkg/provider/vad"
	"github.com/MrWong99/voicetyper/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (default $XDG_CONFIG_HOME/voicetyper/config.yaml)")
	logLevel := flag.String("log-level", "", "override log_level (debug, info, warn, error)")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if *configPath != "" {
		path = *configPath
		cfg, err = config.Load(path)
	} else {
		cfg, path, err = config.LoadDefault()
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicetyper: config file %q not found\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "voicetyper: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = config.LogLevel(*logLevel)
		if !cfg.LogLevel.IsValid() {
			fmt.Fprintf(os.Stderr, "voicetyper: invalid -log-level %q\n", *logLevel)
			return 2
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voicetyper starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicetyper",
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers,
		app.WithLevelVar(&level),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Metrics and health endpoint ───────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		health.New(application.Checkers(),
			health.WithStatus(func() any { return application.Status() }),
		).Register(mux)

		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if path != "" {
		w, err := config.NewWatcher(path, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("listening for speech — press Ctrl+C to stop")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics endpoint shutdown error", "err", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("speechmatics", func(tc config.TranscriptionConfig) (stt.Provider, error) {
		return speechmatics.New(tc.APIKey,
			speechmatics.WithURL(tc.URL),
			speechmatics.WithHandshakeTimeout(tc.HandshakeTimeout),
			speechmatics.WithTracer(observe.Tracer()),
			speechmatics.WithSessionLogger(observe.Logger),
		)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Typing ────────────────────────────────────────────────────────────────
	// xdotool for X11; wtype and ydotool for Wayland; uinput for both without
	// a helper process.
	for _, name := range []string{"xdotool", "wtype", "ydotool"} {
		reg.RegisterTyper(name, func(name string) (inject.Typer, error) {
			return inject.NewBackend(name, inject.ExecRunner)
		})
	}
	reg.RegisterTyper("uinput", func(string) (inject.Typer, error) {
		return inject.NewUinput()
	})

	// ── Audio sources ─────────────────────────────────────────────────────────
	reg.RegisterSource("stdin", func(ac config.AudioConfig) (audio.Source, error) {
		return audio.NewReaderSource(os.Stdin, ac.SampleRate, ac.ChunkDuration), nil
	})
	reg.RegisterSource("file", func(ac config.AudioConfig) (audio.Source, error) {
		if ac.Path == "" {
			return nil, errors.New("audio.path is required for the file source")
		}
		return audio.NewFileSource(ac.Path, audio.Format{SampleRate: ac.SampleRate, Channels: 1}, ac.ChunkDuration), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	out := os.Stderr
	fmt.Fprintln(out, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(out, "║       voicetyper — startup summary    ║")
	fmt.Fprintln(out, "╠═══════════════════════════════════════╣")
	printRow("Audio", fmt.Sprintf("%s %dHz", cfg.Audio.Source, cfg.Audio.SampleRate))
	printRow("VAD", cfg.VAD.Name)
	printRow("STT", cfg.Transcription.Provider+" / "+cfg.Transcription.Language)
	printRow("Typing", fmt.Sprintf("%s (%s)", cfg.Typing.Backend, cfg.Typing.Mode))
	printRow("End keyword", orNone(cfg.Keywords.EndUtterance))
	printRow("Enter keyword", orNone(cfg.Keywords.Enter))
	printRow("Actions", fmt.Sprintf("%d", len(cfg.Keywords.Actions)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(out, "╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-14s  : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
