package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Reloadable changes are applied by the running app; any other change is
// listed in Restart and needs a restart to take effect.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	KeywordsChanged   bool
	TypingModeChanged bool
	GraceChanged      bool

	// Restart names the top-level sections whose changes are ignored until
	// restart.
	Restart []string
}

// Reload reports whether d contains any change the running app applies.
func (d ConfigDiff) Reload() bool {
	return d.LogLevelChanged || d.KeywordsChanged || d.TypingModeChanged || d.GraceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	d.KeywordsChanged = !reflect.DeepEqual(old.Keywords, new.Keywords)
	d.TypingModeChanged = old.Typing.Mode != new.Typing.Mode
	d.GraceChanged = old.Typing.KeywordFinalGrace != new.Typing.KeywordFinalGrace ||
		old.Typing.AutoFinalize != new.Typing.AutoFinalize

	if old.Server != new.Server {
		d.Restart = append(d.Restart, "server")
	}
	if old.Audio != new.Audio {
		d.Restart = append(d.Restart, "audio")
	}
	if !reflect.DeepEqual(old.VAD, new.VAD) {
		d.Restart = append(d.Restart, "vad")
	}
	if !reflect.DeepEqual(old.Transcription, new.Transcription) {
		d.Restart = append(d.Restart, "transcription")
	}
	if old.Typing.Backend != new.Typing.Backend || !reflect.DeepEqual(old.Typing.Fallbacks, new.Typing.Fallbacks) {
		d.Restart = append(d.Restart, "typing")
	}
	return d
}
