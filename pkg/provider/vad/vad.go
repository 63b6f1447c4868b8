// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a window-level speech classifier (an energy detector, or
// a neural model such as Silero) and surfaces it as a stateful per-stream
// session. The classifier requires an exact window size that usually differs
// from the capture chunk size; reslicing is the caller's job (see
// internal/gate), so ProcessWindow always receives exactly WindowSamples
// samples.
//
// VAD is synchronous by design: ProcessWindow returns immediately with a
// speech probability, making it suitable for the gate loop that decides
// whether a transcription session must be open.
package vad

import "errors"

// ErrWindowSize is returned by ProcessWindow when the window length does not
// match the session's WindowSamples.
var ErrWindowSize = errors.New("vad: window size mismatch")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Silero-style models accept
	// 8000 or 16000.
	SampleRate int

	// WindowSamples is the exact number of samples per classified window
	// (512 at 16 kHz, i.e. 32 ms).
	WindowSamples int

	// Options holds detector-specific tuning values.
	Options map[string]any
}

// SessionHandle classifies windows for a single audio stream. It is not safe
// for concurrent use; the gate loop owns it exclusively.
type SessionHandle interface {
	// ProcessWindow returns the speech probability in [0, 1] for exactly
	// WindowSamples samples.
	ProcessWindow(window []int16) (float64, error)

	// WindowSamples returns the required window length.
	WindowSamples() int

	// Reset clears any recurrent model state.
	Reset()

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new session. Returns an error if the configuration
	// is not supported (e.g. sample rate or window size).
	NewSession(cfg Config) (SessionHandle, error)
}
