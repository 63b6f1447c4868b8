// Package mock provides an in-memory [audio.Source] for unit tests.
//
// Typical usage:
//
//	src := &mock.Source{Frames: []audio.Frame{f1, f2}}
//	ch, _ := src.Frames(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicetyper/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. It delivers FrameList in
// order and then either closes the channel or, when HoldOpen is set, keeps it
// open until the context is cancelled.
type Source struct {
	mu sync.Mutex

	// FrameList is delivered in order on every Frames call.
	FrameList []audio.Frame

	// Feed, when non-nil, is forwarded after FrameList. Tests use it to push
	// frames interactively.
	Feed <-chan audio.Frame

	// HoldOpen keeps the channel open after FrameList is exhausted.
	HoldOpen bool

	// FramesErr, if non-nil, is returned by Frames.
	FramesErr error

	// CallCountFrames records how many times Frames was called.
	CallCountFrames int
}

var _ audio.Source = (*Source)(nil)

// Frames implements [audio.Source].
func (s *Source) Frames(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	s.CallCountFrames++
	frames := append([]audio.Frame(nil), s.FrameList...)
	feed := s.Feed
	hold := s.HoldOpen
	err := s.FramesErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan audio.Frame)
	go func() {
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if feed != nil {
			for {
				select {
				case f, ok := <-feed:
					if !ok {
						return
					}
					select {
					case out <- f:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}
