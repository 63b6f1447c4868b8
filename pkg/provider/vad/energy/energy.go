// Package energy implements a pure-Go RMS energy voice activity detector.
//
// The detector maps the RMS level of each window, expressed in dBFS, linearly
// onto a probability between a noise floor and a speech ceiling. It needs no
// model files and no cgo, which makes it the default engine; hysteresis and
// hangover are applied by the gate, not here.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/voicetyper/pkg/provider/vad"
)

const (
	defaultFloorDB = -55.0
	defaultCeilDB  = -25.0
)

// Engine creates energy detector sessions. The zero value uses default levels.
type Engine struct {
	// FloorDB is the level (dBFS) mapped to probability 0.
	FloorDB float64
	// CeilDB is the level (dBFS) mapped to probability 1.
	CeilDB float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine with the default floor and ceiling.
func New() *Engine {
	return &Engine{FloorDB: defaultFloorDB, CeilDB: defaultCeilDB}
}

// NewSession validates cfg and returns a detector session. Options
// "floor_db" and "ceil_db" override the engine levels.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("energy: window_samples must be positive, got %d", cfg.WindowSamples)
	}
	floor, ceil := e.FloorDB, e.CeilDB
	if floor == 0 && ceil == 0 {
		floor, ceil = defaultFloorDB, defaultCeilDB
	}
	if v, ok := optFloat(cfg.Options, "floor_db"); ok {
		floor = v
	}
	if v, ok := optFloat(cfg.Options, "ceil_db"); ok {
		ceil = v
	}
	if ceil <= floor {
		return nil, fmt.Errorf("energy: ceil_db (%g) must exceed floor_db (%g)", ceil, floor)
	}
	return &session{window: cfg.WindowSamples, floor: floor, ceil: ceil}, nil
}

type session struct {
	window int
	floor  float64
	ceil   float64
}

// ProcessWindow returns the linear position of the window's level between
// floor and ceiling, clamped to [0, 1].
func (s *session) ProcessWindow(window []int16) (float64, error) {
	if len(window) != s.window {
		return 0, fmt.Errorf("%w: got %d samples, want %d", vad.ErrWindowSize, len(window), s.window)
	}
	db := LevelDB(window)
	p := (db - s.floor) / (s.ceil - s.floor)
	return math.Max(0, math.Min(1, p)), nil
}

func (s *session) WindowSamples() int { return s.window }

func (s *session) Reset() {}

func (s *session) Close() error { return nil }

// LevelDB returns the RMS level of samples in dBFS. Silence returns -inf.
func LevelDB(samples []int16) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
