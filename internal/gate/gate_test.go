package gate

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/vad/mock"
)

func TestReslicer_Lossless(t *testing.T) {
	t.Parallel()

	r := NewReslicer(512)
	var in, out []int16
	rng := rand.New(rand.NewPCG(1, 2))
	next := int16(0)
	for range 200 {
		n := rng.IntN(1000)
		chunk := make([]int16, n)
		for i := range chunk {
			chunk[i] = next
			next++
		}
		in = append(in, chunk...)
		for _, w := range r.Push(chunk) {
			if len(w) != 512 {
				t.Fatalf("window len = %d, want 512", len(w))
			}
			out = append(out, w...)
		}
	}
	if got, want := len(out)+r.Pending(), len(in); got != want {
		t.Fatalf("windowed+pending = %d, want %d", got, want)
	}
	if !slices.Equal(out, in[:len(out)]) {
		t.Fatal("windows are not an exact prefix of the input")
	}
}

func TestReslicer_ChunkSizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		chunks  []int
		windows int
		pending int
	}{
		{"exact", []int{512}, 1, 0},
		{"capture chunks", []int{800, 800}, 3, 64},
		{"tiny chunks", []int{100, 100, 100, 100, 100, 100}, 1, 88},
		{"empty", []int{0}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReslicer(512)
			n := 0
			for _, c := range tt.chunks {
				n += len(r.Push(make([]int16, c)))
			}
			if n != tt.windows {
				t.Errorf("windows = %d, want %d", n, tt.windows)
			}
			if r.Pending() != tt.pending {
				t.Errorf("pending = %d, want %d", r.Pending(), tt.pending)
			}
		})
	}
}

// frameOf returns a frame holding n windows of 512 samples at 16 kHz.
func frameOf(n int, ts time.Duration) audio.Frame {
	return audio.Frame{
		Data:       make([]byte, n*512*2),
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  ts,
	}
}

func newGate(t *testing.T, script []float64, hangover time.Duration) *Gate {
	t.Helper()
	sess := &mock.Session{Window: 512, Script: script}
	g, err := New(sess, Config{SampleRate: 16000, Threshold: 0.5, Hangover: hangover})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGate_SpeechStartOnFirstSpeechWindow(t *testing.T) {
	t.Parallel()

	g := newGate(t, []float64{0.1, 0.2, 0.9, 0.9}, 100*time.Millisecond)
	trs, err := g.Push(frameOf(4, 0))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(trs) != 1 {
		t.Fatalf("transitions = %d, want 1", len(trs))
	}
	if trs[0].State != Speech {
		t.Errorf("state = %v, want speech", trs[0].State)
	}
	if want := 64 * time.Millisecond; trs[0].At != want {
		t.Errorf("At = %v, want %v", trs[0].At, want)
	}
}

func TestGate_HangoverSuppressesShortDips(t *testing.T) {
	t.Parallel()

	// 100ms hangover = 4 windows of 32ms.
	script := []float64{0.9, 0.1, 0.1, 0.1, 0.9, 0.1, 0.1, 0.1, 0.1}
	g := newGate(t, script, 100*time.Millisecond)

	var all []Transition
	for i := range script {
		trs, err := g.Push(frameOf(1, time.Duration(i)*32*time.Millisecond))
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		all = append(all, trs...)
	}
	if len(all) != 2 {
		t.Fatalf("transitions = %+v, want start and end", all)
	}
	if all[0].State != Speech || all[1].State != Silence {
		t.Fatalf("states = %v,%v", all[0].State, all[1].State)
	}
	if want := 5 * 32 * time.Millisecond; all[1].At != want {
		t.Errorf("speech-end At = %v, want %v", all[1].At, want)
	}
	if g.State() != Silence {
		t.Errorf("State = %v, want silence", g.State())
	}
}

func TestGate_NoEndBeforeHangover(t *testing.T) {
	t.Parallel()

	g := newGate(t, []float64{0.9, 0.1, 0.1, 0.1}, 100*time.Millisecond)
	trs, _ := g.Push(frameOf(4, 0))
	if len(trs) != 1 || trs[0].State != Speech {
		t.Fatalf("transitions = %+v, want only speech-start", trs)
	}
	if g.State() != Speech {
		t.Errorf("State = %v, want speech", g.State())
	}
}

func TestGate_PartialWindowsCarryOver(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Window: 512, Default: 0.9}
	g, err := New(sess, Config{SampleRate: 16000, Threshold: 0.5, Hangover: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 50ms capture chunks are 800 samples; two chunks make three windows.
	f := audio.Frame{Data: make([]byte, 1600), SampleRate: 16000, Channels: 1}
	g.Push(f)
	g.Push(f)
	if got := sess.WindowCount(); got != 3 {
		t.Errorf("classified windows = %d, want 3", got)
	}
}

func TestGate_RejectsWrongRate(t *testing.T) {
	t.Parallel()

	g := newGate(t, nil, time.Second)
	if _, err := g.Push(audio.Frame{Data: make([]byte, 1024), SampleRate: 8000}); err == nil {
		t.Error("expected error for mismatched sample rate")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Window: 512}
	if _, err := New(sess, Config{SampleRate: 16000, Threshold: 0}); err == nil {
		t.Error("expected error for zero threshold")
	}
	if _, err := New(nil, Config{SampleRate: 16000, Threshold: 0.5}); err == nil {
		t.Error("expected error for nil detector")
	}
	if _, err := New(&mock.Session{}, Config{SampleRate: 16000, Threshold: 0.5}); err == nil {
		t.Error("expected error for zero window")
	}
}
