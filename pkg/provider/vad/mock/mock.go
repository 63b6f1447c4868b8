// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script speech probabilities and inspect the windows that were
// submitted for classification.
//
// Example:
//
//	sess := &mock.Session{Script: []float64{0.9, 0.9, 0.1}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/voicetyper/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a default Session sized to
	// cfg.WindowSamples is returned.
	Session *Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		if e.Session.Window == 0 {
			e.Session.Window = cfg.WindowSamples
		}
		return e.Session, nil
	}
	return &Session{Window: cfg.WindowSamples}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// ProcessWindow returns Script values in order; once exhausted it returns
// Default. If Func is set it takes precedence over Script.
type Session struct {
	mu sync.Mutex

	Window  int
	Script  []float64
	Default float64
	Func    func(window []int16) float64

	// ProcessErr, if non-nil, is returned by every ProcessWindow call.
	ProcessErr error
	CloseErr   error

	Windows        [][]int16
	ResetCallCount int
	CloseCallCount int
}

// ProcessWindow records a copy of window and returns the next scripted value.
func (s *Session) ProcessWindow(window []int16) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Windows = append(s.Windows, append([]int16(nil), window...))
	if s.ProcessErr != nil {
		return 0, s.ProcessErr
	}
	if s.Func != nil {
		return s.Func(window), nil
	}
	if len(s.Script) > 0 {
		p := s.Script[0]
		s.Script = s.Script[1:]
		return p, nil
	}
	return s.Default, nil
}

func (s *Session) WindowSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Window
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// WindowCount returns the number of classified windows. Thread-safe.
func (s *Session) WindowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Windows)
}

var _ vad.SessionHandle = (*Session)(nil)
