package energy

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/voicetyper/pkg/provider/vad"
)

func tone(n int, amp int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

func TestProcessWindow_Levels(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(vad.Config{SampleRate: 16000, WindowSamples: 512})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	tests := []struct {
		name string
		amp  int16
		want float64
	}{
		{"silence", 0, 0},
		{"loud", 16384, 1},
		{"below floor", 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := sess.ProcessWindow(tone(512, tt.amp))
			if err != nil {
				t.Fatalf("ProcessWindow: %v", err)
			}
			if p != tt.want {
				t.Errorf("p = %v, want %v", p, tt.want)
			}
		})
	}
}

func TestProcessWindow_Midpoint(t *testing.T) {
	sess, _ := New().NewSession(vad.Config{WindowSamples: 4})
	// -40 dBFS sits halfway between -55 and -25.
	amp := int16(math.Round(32768 * math.Pow(10, -40.0/20)))
	p, err := sess.ProcessWindow(tone(4, amp))
	if err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}
	if math.Abs(p-0.5) > 0.01 {
		t.Errorf("p = %v, want ~0.5", p)
	}
}

func TestProcessWindow_WrongSize(t *testing.T) {
	sess, _ := New().NewSession(vad.Config{WindowSamples: 512})
	_, err := sess.ProcessWindow(make([]int16, 100))
	if !errors.Is(err, vad.ErrWindowSize) {
		t.Errorf("err = %v, want ErrWindowSize", err)
	}
}

func TestNewSession_Validation(t *testing.T) {
	if _, err := New().NewSession(vad.Config{}); err == nil {
		t.Error("expected error for zero window")
	}
	_, err := New().NewSession(vad.Config{WindowSamples: 512, Options: map[string]any{"floor_db": -20.0, "ceil_db": -30.0}})
	if err == nil {
		t.Error("expected error for inverted levels")
	}
}
