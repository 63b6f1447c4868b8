// Package stt defines the contract for real-time transcription sessions.
//
// A Provider opens a Session: one live connection to a remote speech
// recognition service. The session is a protocol state machine
//
//	Connecting → Ready → Streaming → Draining → Closed
//
// with a terminal Failed state reachable from any non-Closed state. Audio is
// submitted in order and never blocks on acknowledgements; transcript, info and
// warning messages are delivered on a single ordered Events channel that is
// closed once the session reaches a terminal state.
//
// At most one session per provider credential should be live at a time: remote
// concurrency caps are strict, and callers must observe a session's terminal
// state (Done) before opening the next one.
package stt

import (
	"context"
	"time"
)

// StreamConfig describes the audio format and recognition behaviour requested
// when a session starts.
type StreamConfig struct {
	// SampleRate of the submitted PCM16 mono audio in Hz.
	SampleRate int

	// Language is the recognition language code, e.g. "en".
	Language string

	// OperatingPoint selects the model quality ("standard" or "enhanced").
	OperatingPoint string

	// EnablePartials requests revisable partial transcripts.
	EnablePartials bool

	// MaxDelay bounds how long the service may wait before finalising text.
	MaxDelay time.Duration
}

// State is a session protocol state.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateStreaming
	StateDraining
	StateClosed
	StateFailed
)

var stateNames = [...]string{"connecting", "ready", "streaming", "draining", "closed", "failed"}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// AcceptsAudio reports whether audio may be submitted in state s. Audio sent
// while Connecting is queued until the service acknowledges the start.
func (s State) AcceptsAudio() bool {
	return s == StateConnecting || s == StateReady || s == StateStreaming
}

// Stats is a snapshot of session counters.
type Stats struct {
	Opened    time.Time
	Ready     time.Time
	LastAudio time.Time

	// SentSeq is the sequence number of the last audio chunk written. Sequence
	// numbers start at 1.
	SentSeq uint64

	// AckedSeq is the highest sequence number acknowledged by the service.
	AckedSeq uint64

	// Utterances is the number of final segments received.
	Utterances int
}

// Session is one live transcription connection. All methods are safe for
// concurrent use.
type Session interface {
	// ID uniquely identifies the session within the process.
	ID() string

	// State returns the current protocol state.
	State() State

	// SendAudio queues one PCM16 chunk. It never waits for acknowledgements.
	// Returns ErrSessionClosed once the session is draining or terminal, and
	// ErrBackpressure when the outgoing queue is full.
	SendAudio(chunk []byte) error

	// ForceEndOfUtterance asks the service to finalise the current utterance
	// immediately without closing the session.
	ForceEndOfUtterance() error

	// Drain requests a graceful stop: an end-of-stream message is sent after
	// all queued audio and the session waits for the end-of-transcript
	// acknowledgement. If ctx expires first the session is force-closed and
	// fails with reason drain_timeout.
	Drain(ctx context.Context) error

	// Close force-closes the session. Calling Close more than once is safe.
	Close() error

	// Events returns the ordered event stream. It is closed after the session
	// reaches a terminal state and every received event has been delivered.
	Events() <-chan Event

	// Done is closed once the session is terminal and Events is closed.
	Done() <-chan struct{}

	// Err returns the *Error that failed the session, or nil.
	Err() error

	// Stats returns a snapshot of the session counters.
	Stats() Stats
}

// Provider opens transcription sessions.
type Provider interface {
	// Open starts a session and returns it in the Connecting state; the
	// connection and handshake continue in the background. Handshake failures
	// are reported through the session's Err after Done is closed.
	Open(ctx context.Context, cfg StreamConfig) (Session, error)
}
