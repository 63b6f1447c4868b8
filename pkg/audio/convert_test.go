package audio_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/voicetyper/pkg/audio"
)

func TestStereoToMono(t *testing.T) {
	stereo := audio.EncodePCM16([]int16{100, 300, -200, -400, 32767, 32767})
	got := audio.DecodePCM16(audio.StereoToMono(stereo))
	want := []int16{200, -300, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := audio.EncodePCM16([]int16{1, 2, 3})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if !bytes.Equal(pcm, out) {
		t.Error("expected unchanged output for equal rates")
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = int16(i)
	}
	out := audio.DecodePCM16(audio.ResampleMono16(audio.EncodePCM16(samples), 48000, 16000))
	if len(out) != 160 {
		t.Fatalf("len = %d, want 160", len(out))
	}
	if out[1] != 3 {
		t.Errorf("out[1] = %d, want 3", out[1])
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, -1, 1, 32767, -32768}
	got := audio.DecodePCM16(audio.EncodePCM16(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestFormatConverter_Passthrough(t *testing.T) {
	c := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	f := audio.Frame{Data: []byte{1, 0, 2, 0}, SampleRate: 16000, Channels: 1}
	if got := c.Convert(f); !bytes.Equal(got.Data, f.Data) {
		t.Errorf("Data = %v, want %v", got.Data, f.Data)
	}
}

func TestFormatConverter_OddBytesDropped(t *testing.T) {
	c := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	got := c.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(got.Data) != 0 {
		t.Errorf("expected dropped frame, got %d bytes", len(got.Data))
	}
}

func TestFrame_Duration(t *testing.T) {
	f := audio.Frame{Data: make([]byte, 1600), SampleRate: 16000, Channels: 1}
	if got := f.Duration(); got != 50*time.Millisecond {
		t.Errorf("Duration = %v, want 50ms", got)
	}
	if got := audio.ChunkBytes(16000, 50*time.Millisecond); got != 1600 {
		t.Errorf("ChunkBytes = %d, want 1600", got)
	}
}

func TestReaderSource_SlicesIntoChunks(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 1600*2+100)
	for i := range raw {
		raw[i] = byte(i)
	}
	src := audio.NewReaderSource(io.NopCloser(bytes.NewReader(raw)), 16000, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := src.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}

	var got []byte
	var n int
	for f := range ch {
		got = append(got, f.Data...)
		n++
	}
	if n != 3 {
		t.Errorf("frames = %d, want 3", n)
	}
	if !bytes.Equal(got, raw) {
		t.Error("concatenated frames differ from input")
	}
}
