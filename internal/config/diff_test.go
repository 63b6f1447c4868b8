package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicetyper/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Transcription: config.TranscriptionConfig{APIKey: "k"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.Reload() || len(d.Restart) != 0 {
		t.Errorf("identical configs: %+v", d)
	}
}

func TestDiff_Reloadable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"log level", func(c *config.Config) { c.LogLevel = config.LogDebug }, func(d config.ConfigDiff) bool {
			return d.LogLevelChanged && d.NewLogLevel == config.LogDebug
		}},
		{"keyword word", func(c *config.Config) { c.Keywords.EndUtterance = "halt" }, func(d config.ConfigDiff) bool {
			return d.KeywordsChanged
		}},
		{"keyword action", func(c *config.Config) {
			c.Keywords.Actions = []config.KeywordAction{{Word: "tab", Keys: []string{"Tab"}}}
		}, func(d config.ConfigDiff) bool { return d.KeywordsChanged }},
		{"typing mode", func(c *config.Config) { c.Typing.Mode = config.TypingPartial }, func(d config.ConfigDiff) bool {
			return d.TypingModeChanged
		}},
		{"grace", func(c *config.Config) { c.Typing.KeywordFinalGrace = time.Second }, func(d config.ConfigDiff) bool {
			return d.GraceChanged
		}},
		{"auto finalize", func(c *config.Config) { c.Typing.AutoFinalize = -1 }, func(d config.ConfigDiff) bool {
			return d.GraceChanged
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := baseConfig()
			tt.mutate(n)
			d := config.Diff(baseConfig(), n)
			if !tt.check(d) || !d.Reload() {
				t.Errorf("diff = %+v", d)
			}
			if len(d.Restart) != 0 {
				t.Errorf("unexpected restart sections %v", d.Restart)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	n := baseConfig()
	n.Transcription.Language = "fr"
	n.Typing.Backend = "wtype"
	n.Audio.SampleRate = 8000
	n.VAD.Options = map[string]any{"floor_db": -40}

	d := config.Diff(baseConfig(), n)
	if d.Reload() {
		t.Errorf("no reloadable change expected: %+v", d)
	}
	for _, want := range []string{"audio", "vad", "transcription", "typing"} {
		if !slices.Contains(d.Restart, want) {
			t.Errorf("Restart = %v, missing %s", d.Restart, want)
		}
	}
}
