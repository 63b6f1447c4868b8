// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// StreamConfig and at the expected times. Use Session to inject events and
// terminal states and to inspect which audio chunks and control messages were
// submitted.
//
// Example:
//
//	p := &mock.Provider{Opened: make(chan *mock.Session, 4)}
//	sess, _ := p.Open(ctx, cfg)
//	m := <-p.Opened
//	m.Emit(stt.Event{Type: stt.EventFinal, Segment: stt.Segment{Text: "hi", IsFinal: true}})
//	m.Fail(stt.Classify("quota_exceeded", ""))
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	Cfg stt.StreamConfig
	At  time.Time
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Next holds sessions to hand out in order. When empty, Open creates a
	// fresh Session.
	Next []*Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// Opened, if non-nil, receives every session returned by Open.
	Opened chan *Session

	OpenCalls []OpenCall
	sessions  []*Session
}

// Open records the call and returns the next session.
func (p *Provider) Open(_ context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Cfg: cfg, At: time.Now()})
	if p.OpenErr != nil {
		p.mu.Unlock()
		return nil, p.OpenErr
	}
	var s *Session
	if len(p.Next) > 0 {
		s = p.Next[0]
		p.Next = p.Next[1:]
	} else {
		s = NewSession(fmt.Sprintf("mock-%d", len(p.sessions)+1))
	}
	p.sessions = append(p.sessions, s)
	opened := p.Opened
	p.mu.Unlock()
	if opened != nil {
		opened <- s
	}
	return s, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Sessions returns every session handed out so far. Thread-safe.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.Session. It starts in the Ready
// state. Drain completes immediately unless HoldDrain is set, in which case
// the test must call Finish or Fail.
type Session struct {
	mu sync.Mutex

	id     string
	state  stt.State
	err    error
	seq    uint64
	events chan stt.Event
	done   chan struct{}
	once   sync.Once

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// HoldDrain keeps the session Draining after Drain until Finish or Fail.
	HoldDrain bool

	Audio         [][]byte
	ForceEndCount int
	DrainCount    int
	CloseCount    int
}

// NewSession returns a Ready session with a buffered event channel.
func NewSession(id string) *Session {
	return &Session{
		id:     id,
		state:  stt.StateReady,
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() stt.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.AcceptsAudio() {
		return stt.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	s.state = stt.StateStreaming
	return nil
}

func (s *Session) ForceEndOfUtterance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.AcceptsAudio() {
		return stt.ErrSessionClosed
	}
	s.ForceEndCount++
	return nil
}

// Drain moves the session to Draining and, unless HoldDrain is set, to Closed.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.DrainCount++
	if s.state.Terminal() {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.state = stt.StateDraining
	hold := s.HoldDrain
	s.mu.Unlock()
	if !hold {
		s.Finish()
		return nil
	}
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		s.Fail(&stt.Error{Kind: stt.KindTransport, Code: stt.CodeDrainTimeout, Err: ctx.Err()})
		return s.Err()
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.Finish()
	return nil
}

func (s *Session) Events() <-chan stt.Event { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Stats() stt.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stt.Stats{SentSeq: uint64(len(s.Audio))}
}

// Emit delivers ev on the event channel, filling in SessionID, Seq and
// Received. Emitting on a terminal session is a no-op.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.seq++
	ev.SessionID = s.id
	ev.Seq = s.seq
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	s.events <- ev
}

// Fail moves the session to Failed with err and closes its channels.
func (s *Session) Fail(err error) { s.terminate(stt.StateFailed, err) }

// Finish moves the session to Closed and closes its channels.
func (s *Session) Finish() { s.terminate(stt.StateClosed, nil) }

func (s *Session) terminate(state stt.State, err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = state
		s.err = err
		close(s.events)
		s.mu.Unlock()
		close(s.done)
	})
}

// AudioCount returns the number of recorded chunks. Thread-safe.
func (s *Session) AudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// ForceEnds returns the number of ForceEndOfUtterance calls. Thread-safe.
func (s *Session) ForceEnds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ForceEndCount
}

// Drains returns the number of Drain calls. Thread-safe.
func (s *Session) Drains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DrainCount
}

var _ stt.Session = (*Session)(nil)
