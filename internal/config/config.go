// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for voicetyper.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicetyper/internal/keyword"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// TypingMode selects when recognised text is typed.
type TypingMode string

const (
	// TypingFinal types only final transcripts.
	TypingFinal TypingMode = "final"

	// TypingPartial types partial transcripts as they arrive and corrects them
	// with backspaces.
	TypingPartial TypingMode = "partial"
)

// IsValid reports whether m is a recognised typing mode.
func (m TypingMode) IsValid() bool { return m == TypingFinal || m == TypingPartial }

// Config is the root configuration structure for voicetyper.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel      LogLevel            `yaml:"log_level"`
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Typing        TypingConfig        `yaml:"typing"`
	Keywords      KeywordsConfig      `yaml:"keywords"`
}

// ServerConfig holds the metrics and health endpoint settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz and /readyz.
	// Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig describes the capture input.
type AudioConfig struct {
	// Source selects the registered audio source ("stdin" or "file").
	Source string `yaml:"source"`

	// Path is the raw PCM file for source "file".
	Path string `yaml:"path"`

	SampleRate    int           `yaml:"sample_rate"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
}

// VADConfig configures the voice activity gate.
type VADConfig struct {
	// Name selects the registered detector.
	Name string `yaml:"name"`

	// WindowSamples is the detector window length in samples.
	WindowSamples int `yaml:"window_samples"`

	// SpeechThreshold is the minimum speech probability of a speech window.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// Hangover is how long silence must last before speech is considered
	// ended.
	Hangover time.Duration `yaml:"hangover"`

	// Preroll is how much audio before speech-start is sent when a session
	// opens.
	Preroll time.Duration `yaml:"preroll"`

	// Options holds detector-specific values.
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig configures the remote transcription service and the
// session lifecycle.
type TranscriptionConfig struct {
	// Provider selects the registered transcription provider.
	Provider string `yaml:"provider"`

	// APIKey authenticates with the service. $SPEECHMATICS_API_KEY takes
	// precedence.
	APIKey string `yaml:"api_key"`

	URL            string        `yaml:"url"`
	Language       string        `yaml:"language"`
	OperatingPoint string        `yaml:"operating_point"`
	MaxDelay       time.Duration `yaml:"max_delay"`

	// EnablePartials requests partial transcripts. Defaults to true.
	EnablePartials *bool `yaml:"enable_partials"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`

	// IdleDisconnect is how long a session stays open after speech ends.
	IdleDisconnect time.Duration `yaml:"idle_disconnect"`

	// ReconnectBackoff is the fixed delay before reconnecting after a
	// retryable failure. Must be within [5s, 10s].
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxRetries is the number of consecutive retryable failures before the
	// service is reported as degraded.
	MaxRetries int `yaml:"max_retries"`

	// EndUtteranceOnSilence forces the end of the current utterance when
	// speech ends, so the service does not hold the final back until the
	// next utterance. Defaults to true.
	EndUtteranceOnSilence *bool `yaml:"end_utterance_on_silence"`

	// MinStream is how long a session must have been open before speech-end
	// forces the end of an utterance.
	MinStream time.Duration `yaml:"min_stream"`
}

// EndsUtteranceOnSilence reports whether speech-end forces the end of the
// utterance.
func (t TranscriptionConfig) EndsUtteranceOnSilence() bool {
	return t.EndUtteranceOnSilence == nil || *t.EndUtteranceOnSilence
}

// PartialsEnabled reports whether partial transcripts are requested.
func (t TranscriptionConfig) PartialsEnabled() bool {
	return t.EnablePartials == nil || *t.EnablePartials
}

// TypingConfig configures keystroke injection.
type TypingConfig struct {
	Mode TypingMode `yaml:"mode"`

	// Backend is the preferred typing tool; Fallbacks are tried in order
	// when it fails.
	Backend   string   `yaml:"backend"`
	Fallbacks []string `yaml:"fallbacks"`

	// KeywordFinalGrace is how long to wait for a final after a keyword
	// forced the end of an utterance before committing the last partial.
	KeywordFinalGrace time.Duration `yaml:"keyword_final_grace"`

	// AutoFinalize is how long to wait for a final after speech ends before
	// the last partial is typed as if it were final (final mode only).
	// Negative disables it.
	AutoFinalize time.Duration `yaml:"auto_finalize"`
}

// KeywordsConfig configures spoken commands.
type KeywordsConfig struct {
	// EndUtterance ends the utterance; the word and everything after it is
	// discarded. Empty disables it.
	EndUtterance string `yaml:"end_utterance"`

	// Enter is replaced by a Return key press. Empty disables it.
	Enter string `yaml:"enter"`

	// EnterForceEnd also ends the utterance when Enter is heard.
	EnterForceEnd bool `yaml:"enter_force_end"`

	Actions []KeywordAction `yaml:"actions"`

	// Phonetic enables sound-alike keyword matching.
	Phonetic          bool    `yaml:"phonetic"`
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
}

// KeywordAction maps a spoken word to key chords such as "ctrl+a".
type KeywordAction struct {
	Word     string   `yaml:"word"`
	Keys     []string `yaml:"keys"`
	ForceEnd bool     `yaml:"force_end"`
}

// Engine builds the keyword engine described by k.
func (k KeywordsConfig) Engine() (*keyword.Engine, error) {
	actions := make([]keyword.Action, 0, len(k.Actions))
	for _, a := range k.Actions {
		actions = append(actions, keyword.Action{Word: a.Word, Keys: a.Keys, ForceEnd: a.ForceEnd})
	}
	return keyword.New(keyword.Config{
		EndUtterance:      k.EndUtterance,
		Enter:             k.Enter,
		EnterForceEnd:     k.EnterForceEnd,
		Actions:           actions,
		Phonetic:          k.Phonetic,
		PhoneticThreshold: k.PhoneticThreshold,
	})
}
