// Package gate turns a stream of audio frames into speech-start and
// speech-end transitions.
//
// Frames are resliced into the exact window size the VAD detector needs. Each
// window is classified against a probability threshold; a speech-start is
// emitted on the first speech window after silence, and a speech-end only after
// a configured run of consecutive silent windows (the hangover), so brief
// pauses do not chop a session.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/vad"
)

// VoiceState is the classified state of the audio stream.
type VoiceState int

const (
	Silence VoiceState = iota
	Speech
)

// String returns "silence" or "speech".
func (s VoiceState) String() string {
	if s == Speech {
		return "speech"
	}
	return "silence"
}

// Transition is a change of VoiceState.
type Transition struct {
	State VoiceState

	// At is the stream offset of the window that caused the transition. For
	// speech-end this is the start of the first silent window in the hangover
	// run.
	At time.Duration

	// Probability is the detector output for the deciding window.
	Probability float64
}

// Config holds gate tuning.
type Config struct {
	// SampleRate of the incoming frames.
	SampleRate int

	// Threshold is the speech probability at or above which a window counts
	// as speech.
	Threshold float64

	// Hangover is the minimum duration of consecutive silence before
	// speech-end is emitted. It is rounded up to whole windows.
	Hangover time.Duration
}

// Gate is the voice activity gate. It is not safe for concurrent use; it is
// owned by the lifecycle task.
type Gate struct {
	det       vad.SessionHandle
	rs        *Reslicer
	rate      int
	threshold float64
	hangover  int

	state      VoiceState
	silentRun  int
	silenceAt  time.Duration
	windowDur  time.Duration
	offset     time.Duration
	offsetInit bool
}

// New returns a Gate classifying windows with det.
func New(det vad.SessionHandle, cfg Config) (*Gate, error) {
	if det == nil {
		return nil, errors.New("gate: detector is nil")
	}
	size := det.WindowSamples()
	if size <= 0 {
		return nil, fmt.Errorf("gate: invalid window size %d", size)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("gate: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("gate: threshold %g out of range (0, 1]", cfg.Threshold)
	}
	wd := time.Duration(size) * time.Second / time.Duration(cfg.SampleRate)
	hang := int((cfg.Hangover + wd - 1) / wd)
	if hang < 1 {
		hang = 1
	}
	return &Gate{
		det:       det,
		rs:        NewReslicer(size),
		rate:      cfg.SampleRate,
		threshold: cfg.Threshold,
		hangover:  hang,
		windowDur: wd,
	}, nil
}

// Push feeds one frame and returns the transitions it caused, in order.
func (g *Gate) Push(f audio.Frame) ([]Transition, error) {
	if f.SampleRate != 0 && f.SampleRate != g.rate {
		return nil, fmt.Errorf("gate: frame sample rate %d, want %d", f.SampleRate, g.rate)
	}
	if !g.offsetInit {
		g.offset = f.Timestamp
		g.offsetInit = true
	}
	var out []Transition
	for _, w := range g.rs.Push(audio.DecodePCM16(f.Data)) {
		at := g.offset
		g.offset += g.windowDur
		p, err := g.det.ProcessWindow(w)
		if err != nil {
			return out, fmt.Errorf("gate: classify: %w", err)
		}
		if tr, ok := g.step(p, at); ok {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (g *Gate) step(p float64, at time.Duration) (Transition, bool) {
	speech := p >= g.threshold
	switch g.state {
	case Silence:
		if speech {
			g.state = Speech
			g.silentRun = 0
			return Transition{State: Speech, At: at, Probability: p}, true
		}
	case Speech:
		if speech {
			g.silentRun = 0
			return Transition{}, false
		}
		if g.silentRun == 0 {
			g.silenceAt = at
		}
		g.silentRun++
		if g.silentRun >= g.hangover {
			g.state = Silence
			g.silentRun = 0
			return Transition{State: Silence, At: g.silenceAt, Probability: p}, true
		}
	}
	return Transition{}, false
}

// State returns the current voice state.
func (g *Gate) State() VoiceState { return g.state }

// WindowDuration returns the play time of one detector window.
func (g *Gate) WindowDuration() time.Duration { return g.windowDur }

// Reset returns the gate to Silence and clears buffered samples and detector
// state.
func (g *Gate) Reset() {
	g.rs.Reset()
	g.det.Reset()
	g.state = Silence
	g.silentRun = 0
	g.offsetInit = false
}
