package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides transcription.api_key.
const EnvAPIKey = "SPEECHMATICS_API_KEY"

// Reconnect backoff bounds.
const (
	MinReconnectBackoff = 5 * time.Second
	MaxReconnectBackoff = 10 * time.Second
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"speechmatics"},
	"vad":    {"energy"},
	"typer":  {"xdotool", "wtype", "ydotool", "uinput"},
	"source": {"stdin", "file"},
}

// Default returns a configuration with every default applied and the
// environment override evaluated.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

// DefaultPath returns $XDG_CONFIG_HOME/voicetyper/config.yaml, falling back to
// ~/.config/voicetyper/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "voicetyper", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "voicetyper", "config.yaml")
}

// LoadDefault loads the file at [DefaultPath]. A missing file is not an error:
// the defaults are returned with an empty path.
func LoadDefault() (*Config, string, error) {
	path := DefaultPath()
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no configuration file, using defaults", "path", path)
		cfg = Default()
		if err := Validate(cfg); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment override, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero value with its default.
func ApplyDefaults(cfg *Config) {
	def := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	defDur := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	def(&cfg.Audio.Source, "stdin")
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	defDur(&cfg.Audio.ChunkDuration, 50*time.Millisecond)

	def(&cfg.VAD.Name, "energy")
	if cfg.VAD.WindowSamples == 0 {
		cfg.VAD.WindowSamples = 512
	}
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = 0.5
	}
	defDur(&cfg.VAD.Hangover, 600*time.Millisecond)
	defDur(&cfg.VAD.Preroll, 300*time.Millisecond)

	t := &cfg.Transcription
	def(&t.Provider, "speechmatics")
	def(&t.URL, "wss://eu2.rt.speechmatics.com/v2")
	def(&t.Language, "en")
	def(&t.OperatingPoint, "enhanced")
	defDur(&t.MaxDelay, 2*time.Second)
	if t.EnablePartials == nil {
		on := true
		t.EnablePartials = &on
	}
	defDur(&t.HandshakeTimeout, 10*time.Second)
	defDur(&t.DrainTimeout, 5*time.Second)
	defDur(&t.IdleDisconnect, 10*time.Second)
	defDur(&t.ReconnectBackoff, 7*time.Second)
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	if t.EndUtteranceOnSilence == nil {
		on := true
		t.EndUtteranceOnSilence = &on
	}
	defDur(&t.MinStream, time.Second)

	if cfg.Typing.Mode == "" {
		cfg.Typing.Mode = TypingFinal
	}
	def(&cfg.Typing.Backend, "xdotool")
	defDur(&cfg.Typing.KeywordFinalGrace, 1500*time.Millisecond)
	defDur(&cfg.Typing.AutoFinalize, time.Second)

	// Keywords default only when the whole section is absent, so that an
	// explicit empty word can disable one of them.
	if cfg.Keywords.EndUtterance == "" && cfg.Keywords.Enter == "" && len(cfg.Keywords.Actions) == 0 {
		cfg.Keywords.EndUtterance = "stop"
		cfg.Keywords.Enter = "enter"
	}
}

func applyEnv(cfg *Config) {
	if key, ok := os.LookupEnv(EnvAPIKey); ok && key != "" {
		cfg.Transcription.APIKey = key
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.ChunkDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration %s must be positive", cfg.Audio.ChunkDuration))
	}
	if cfg.Audio.Source == "file" && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.source is file"))
	}
	validateProviderName("source", cfg.Audio.Source)

	// VAD
	validateProviderName("vad", cfg.VAD.Name)
	if cfg.VAD.WindowSamples <= 0 {
		errs = append(errs, fmt.Errorf("vad.window_samples %d must be positive", cfg.VAD.WindowSamples))
	}
	if cfg.VAD.SpeechThreshold <= 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range (0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.Hangover < 0 {
		errs = append(errs, fmt.Errorf("vad.hangover %s must not be negative", cfg.VAD.Hangover))
	}
	if cfg.VAD.Preroll < 0 {
		errs = append(errs, fmt.Errorf("vad.preroll %s must not be negative", cfg.VAD.Preroll))
	}

	// Transcription
	t := cfg.Transcription
	validateProviderName("stt", t.Provider)
	if t.APIKey == "" {
		errs = append(errs, fmt.Errorf("transcription.api_key is required (or set $%s)", EnvAPIKey))
	}
	if t.ReconnectBackoff < MinReconnectBackoff || t.ReconnectBackoff > MaxReconnectBackoff {
		errs = append(errs, fmt.Errorf("transcription.reconnect_backoff %s is out of range [%s, %s]",
			t.ReconnectBackoff, MinReconnectBackoff, MaxReconnectBackoff))
	}
	for name, d := range map[string]time.Duration{
		"max_delay":         t.MaxDelay,
		"handshake_timeout": t.HandshakeTimeout,
		"drain_timeout":     t.DrainTimeout,
		"idle_disconnect":   t.IdleDisconnect,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("transcription.%s %s must be positive", name, d))
		}
	}
	if t.MinStream < 0 {
		errs = append(errs, fmt.Errorf("transcription.min_stream %s must not be negative", t.MinStream))
	}
	if t.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("transcription.max_retries %d must be at least 1", t.MaxRetries))
	}
	if t.OperatingPoint != "" && t.OperatingPoint != "standard" && t.OperatingPoint != "enhanced" {
		errs = append(errs, fmt.Errorf("transcription.operating_point %q is invalid; valid values: standard, enhanced", t.OperatingPoint))
	}

	// Typing
	if !cfg.Typing.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("typing.mode %q is invalid; valid values: final, partial", cfg.Typing.Mode))
	}
	if cfg.Typing.Mode == TypingPartial && !t.PartialsEnabled() {
		errs = append(errs, errors.New("typing.mode partial requires transcription.enable_partials"))
	}
	if cfg.Typing.KeywordFinalGrace < 0 {
		errs = append(errs, fmt.Errorf("typing.keyword_final_grace %s must not be negative", cfg.Typing.KeywordFinalGrace))
	}
	validateProviderName("typer", cfg.Typing.Backend)
	for i, name := range cfg.Typing.Fallbacks {
		if name == cfg.Typing.Backend || slices.Index(cfg.Typing.Fallbacks, name) != i {
			errs = append(errs, fmt.Errorf("typing.fallbacks[%d] %q is listed twice", i, name))
		}
		validateProviderName("typer", name)
	}

	// Keywords
	for i, a := range cfg.Keywords.Actions {
		if a.Word == "" {
			errs = append(errs, fmt.Errorf("keywords.actions[%d].word is required", i))
		}
		if len(a.Keys) == 0 {
			errs = append(errs, fmt.Errorf("keywords.actions[%d].keys is required", i))
		}
	}
	if th := cfg.Keywords.PhoneticThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("keywords.phonetic_threshold %.2f is out of range [0, 1]", th))
	}
	if _, err := cfg.Keywords.Engine(); err != nil {
		errs = append(errs, fmt.Errorf("keywords: %w", err))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
