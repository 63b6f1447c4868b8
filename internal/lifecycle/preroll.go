package lifecycle

import (
	"time"

	"github.com/MrWong99/voicetyper/pkg/audio"
)

// preroll keeps the most recent audio up to a fixed play time so that the
// start of the word that triggered the gate is sent when a session opens.
type preroll struct {
	limit  time.Duration
	frames []audio.Frame
	total  time.Duration
}

func (p *preroll) add(f audio.Frame) {
	if p.limit <= 0 {
		return
	}
	p.frames = append(p.frames, f)
	p.total += f.Duration()
	for len(p.frames) > 1 && p.total-p.frames[0].Duration() >= p.limit {
		p.total -= p.frames[0].Duration()
		p.frames[0] = audio.Frame{}
		p.frames = p.frames[1:]
	}
}

// take returns the buffered frames oldest first and empties the buffer.
func (p *preroll) take() []audio.Frame {
	out := p.frames
	p.frames = nil
	p.total = 0
	return out
}

func (p *preroll) duration() time.Duration { return p.total }
