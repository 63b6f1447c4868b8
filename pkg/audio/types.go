// Package audio defines the audio frame type and the capture boundary used by
// voicetyper.
//
// Microphone capture itself is an external collaborator: anything that can
// produce fixed-size little-endian PCM16 frames implements [Source]. The
// package ships a [ReaderSource] so that a raw PCM pipe (for example
// `arecord -f S16_LE -r 16000 -c 1`) can drive the pipeline directly.
package audio

import "time"

// Default capture parameters.
const (
	DefaultSampleRate    = 16000
	DefaultChunkDuration = 50 * time.Millisecond
)

// Frame is a single block of mono PCM16 audio. Frames are immutable once
// produced; consumers must not modify Data.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for every frame that reaches the gate. Sources that
	// capture more channels downmix through [FormatConverter].
	Channels int

	// Timestamp is the capture offset of the first sample relative to the
	// start of the stream.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// ChunkBytes returns the byte length of a mono PCM16 chunk of duration d at
// sampleRate.
func ChunkBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * 2
}
