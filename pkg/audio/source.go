package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Source is the capture boundary. Frames starts capture and returns a channel
// of mono PCM16 frames in capture order. The channel is closed when capture
// ends or ctx is cancelled. Implementations must not reorder or duplicate
// frames.
type Source interface {
	Frames(ctx context.Context) (<-chan Frame, error)
}

// ReaderOption configures a [ReaderSource].
type ReaderOption func(*ReaderSource)

// WithInputFormat declares the format of the raw PCM on the reader when it
// differs from the target format. Frames are converted before delivery.
func WithInputFormat(f Format) ReaderOption {
	return func(s *ReaderSource) { s.input = f }
}

// WithRealtime paces delivery to one chunk per chunk duration. Use it for
// file playback so that downstream timers observe wall-clock speech timing.
func WithRealtime() ReaderOption {
	return func(s *ReaderSource) { s.realtime = true }
}

// ReaderSource reads raw little-endian PCM16 from an io.Reader and slices it
// into fixed-duration frames.
type ReaderSource struct {
	r        io.Reader
	target   Format
	input    Format
	chunk    time.Duration
	realtime bool
}

var _ Source = (*ReaderSource)(nil)

// NewReaderSource returns a source that reads mono PCM16 at sampleRate from r
// and emits frames of chunk duration.
func NewReaderSource(r io.Reader, sampleRate int, chunk time.Duration, opts ...ReaderOption) *ReaderSource {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if chunk <= 0 {
		chunk = DefaultChunkDuration
	}
	s := &ReaderSource{
		r:      r,
		target: Format{SampleRate: sampleRate, Channels: 1},
		chunk:  chunk,
	}
	s.input = s.target
	for _, o := range opts {
		o(s)
	}
	return s
}

// Frames starts the read loop. If the reader is an io.Closer it is closed when
// ctx is cancelled so that a blocked Read returns.
func (s *ReaderSource) Frames(ctx context.Context) (<-chan Frame, error) {
	if s.r == nil {
		return nil, errors.New("audio: reader source has no reader")
	}
	chunkBytes := ChunkBytes(s.input.SampleRate, s.chunk) * max(s.input.Channels, 1)
	if chunkBytes <= 0 {
		return nil, fmt.Errorf("audio: chunk duration %s too short for %s", s.chunk, formatString(s.input.SampleRate, s.input.Channels))
	}

	out := make(chan Frame, 16)
	if c, ok := s.r.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			_ = c.Close()
		}()
	}

	go func() {
		defer close(out)
		conv := FormatConverter{Target: s.target}
		var ticker *time.Ticker
		if s.realtime {
			ticker = time.NewTicker(s.chunk)
			defer ticker.Stop()
		}

		var offset time.Duration
		for {
			buf := make([]byte, chunkBytes)
			n, err := io.ReadFull(s.r, buf)
			if n > 0 {
				frame := conv.Convert(Frame{
					Data:       buf[:n-n%2],
					SampleRate: s.input.SampleRate,
					Channels:   s.input.Channels,
					Timestamp:  offset,
				})
				offset += frame.Duration()
				if len(frame.Data) > 0 {
					if ticker != nil {
						select {
						case <-ticker.C:
						case <-ctx.Done():
							return
						}
					}
					select {
					case out <- frame:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
					slog.Warn("audio: reader source stopped", "err", err)
				}
				return
			}
		}
	}()
	return out, nil
}

// FileSource plays a raw PCM16 file in real time.
type FileSource struct {
	path   string
	format Format
	chunk  time.Duration
}

var _ Source = (*FileSource)(nil)

// NewFileSource returns a source for the raw PCM file at path.
func NewFileSource(path string, format Format, chunk time.Duration) *FileSource {
	return &FileSource{path: path, format: format, chunk: chunk}
}

// Frames opens the file and streams it with realtime pacing.
func (s *FileSource) Frames(ctx context.Context) (<-chan Frame, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", s.path, err)
	}
	src := NewReaderSource(f, s.format.SampleRate, s.chunk, WithRealtime())
	return src.Frames(ctx)
}
