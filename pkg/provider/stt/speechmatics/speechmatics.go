// Package speechmatics provides a Speechmatics real-time (v2) STT provider
// over the Speechmatics WebSocket API. It implements the stt.Provider
// interface.
//
// Each session runs one reader goroutine, which owns the connection's read
// half and is the sole closer of the Events channel, and one writer goroutine,
// which drains a single ordered queue of audio chunks and control messages.
// Audio submitted before the service acknowledges StartRecognition is queued
// and flushed in order once the session is Ready.
package speechmatics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

const (
	// DefaultURL is the EU real-time endpoint.
	DefaultURL = "wss://eu2.rt.speechmatics.com/v2"

	defaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 512
	eventBufferSize         = 256
	readLimit               = 1 << 20

	tracerName = "github.com/MrWong99/voicetyper/pkg/provider/stt/speechmatics"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithURL overrides the real-time endpoint.
func WithURL(url string) Option {
	return func(p *Provider) { p.url = url }
}

// WithHandshakeTimeout bounds the dial plus the wait for RecognitionStarted.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) { p.handshakeTimeout = d }
}

// WithQueueSize sets the capacity of the outgoing audio/control queue.
func WithQueueSize(n int) Option {
	return func(p *Provider) { p.queueSize = n }
}

// WithHTTPClient sets the HTTP client used for the websocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithSessionLogger sets a function deriving the logger of each session from
// the session context, which carries the stt.session span, and the provider
// logger. Use it to add trace identifiers to session log lines.
func WithSessionLogger(fn func(ctx context.Context, base *slog.Logger) *slog.Logger) Option {
	return func(p *Provider) { p.sessionLogger = fn }
}

// WithTracer sets the tracer used for the stt.session span.
func WithTracer(t trace.Tracer) Option {
	return func(p *Provider) { p.tracer = t }
}

// Provider implements stt.Provider backed by the Speechmatics real-time API.
type Provider struct {
	apiKey           string
	url              string
	handshakeTimeout time.Duration
	queueSize        int
	httpClient       *http.Client
	log              *slog.Logger
	sessionLogger    func(context.Context, *slog.Logger) *slog.Logger
	tracer           trace.Tracer
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("speechmatics: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:           apiKey,
		url:              DefaultURL,
		handshakeTimeout: defaultHandshakeTimeout,
		queueSize:        defaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.queueSize <= 0 {
		p.queueSize = defaultQueueSize
	}
	return p, nil
}

func (p *Provider) logFor(ctx context.Context) *slog.Logger {
	if p.sessionLogger == nil {
		return p.log
	}
	return p.sessionLogger(ctx, p.log)
}

// Open starts a session in the Connecting state and dials in the background.
// The session outlives ctx: it ends only through Drain, Close or a failure.
func (p *Provider) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("speechmatics: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("speechmatics: open: %w", err)
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx, span := p.tracer.Start(runCtx, "stt.session", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("stt.language", cfg.Language),
		attribute.Int("stt.sample_rate", cfg.SampleRate),
	))

	s := &session{
		id:        id,
		p:         p,
		cfg:       cfg,
		log:       p.logFor(runCtx).With("session_id", id),
		span:      span,
		cancel:    cancel,
		out:       make(chan outMsg, p.queueSize),
		events:    make(chan stt.Event, eventBufferSize),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		state:     stt.StateConnecting,
		utterance: 1,
	}
	s.stats.Opened = time.Now()
	span.AddEvent("open")
	go s.run(runCtx)
	return s, nil
}

// outMsg is one entry of the ordered outgoing queue: either an audio chunk or
// a control message name.
type outMsg struct {
	audio   []byte
	control string
}

// session is a live Speechmatics session. It implements stt.Session.
type session struct {
	id     string
	p      *Provider
	cfg    stt.StreamConfig
	log    *slog.Logger
	span   trace.Span
	cancel context.CancelFunc

	out    chan outMsg
	events chan stt.Event
	ready  chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     stt.State
	err       *stt.Error
	stats     stt.Stats
	started   bool
	eosQueued bool
	closing   bool
	utterance int
	evSeq     uint64
}

func (s *session) ID() string { return s.id }

func (s *session) State() stt.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Events() <-chan stt.Event { return s.events }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

func (s *session) Stats() stt.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SendAudio queues chunk without blocking. The chunk must not be modified
// afterwards.
func (s *session) SendAudio(chunk []byte) error {
	return s.enqueue(outMsg{audio: chunk})
}

// ForceEndOfUtterance queues a ForceEndOfUtterance control message behind any
// audio already queued.
func (s *session) ForceEndOfUtterance() error {
	return s.enqueue(outMsg{control: msgForceEndOfUtterance})
}

func (s *session) enqueue(m outMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.AcceptsAudio() || s.eosQueued {
		return stt.ErrSessionClosed
	}
	select {
	case s.out <- m:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

func (s *session) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return s.Err()
	}
	first := !s.eosQueued
	s.eosQueued = true
	s.state = stt.StateDraining
	s.mu.Unlock()

	if first {
		s.span.AddEvent("drain")
		s.log.Debug("speechmatics: draining")
		// eosQueued rejects further audio, so EndOfStream is queued last.
		select {
		case s.out <- outMsg{control: msgEndOfStream}:
		case <-s.done:
		case <-ctx.Done():
		}
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.fail(&stt.Error{Kind: stt.KindTransport, Code: stt.CodeDrainTimeout, Err: ctx.Err()})
		<-s.done
	}
	return s.Err()
}

func (s *session) Close() error {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.closing = true
	}
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

// run dials, performs the StartRecognition handshake and then runs the read
// loop until the session is terminal.
func (s *session) run(ctx context.Context) {
	defer s.finish()

	hctx, hcancel := context.WithTimeout(ctx, s.p.handshakeTimeout)
	defer hcancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.p.apiKey)
	conn, resp, err := websocket.Dial(hctx, s.p.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: s.p.httpClient,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e := stt.ClassifyHTTP(status, err)
		if status == 0 && hctx.Err() != nil && ctx.Err() == nil {
			e = &stt.Error{Kind: stt.KindTransport, Code: stt.CodeHandshakeTimeout, Err: err}
		}
		s.abort(e)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	start, err := buildStartRecognition(s.cfg)
	if err != nil {
		s.fail(&stt.Error{Kind: stt.KindFatal, Code: "invalid_config", Err: err})
		return
	}
	if err := conn.Write(hctx, websocket.MessageText, start); err != nil {
		s.abort(&stt.Error{Kind: stt.KindTransport, Code: stt.CodeConnectionLost, Err: err})
		return
	}

	s.wg.Add(1)
	go s.writeLoop(ctx, conn)
	s.readLoop(ctx, hctx, conn)
}

func (s *session) readLoop(ctx, hctx context.Context, conn *websocket.Conn) {
	readCtx := hctx
	for {
		typ, data, err := conn.Read(readCtx)
		if err != nil {
			s.readFailed(ctx, hctx, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		m, ok := parseServerMessage(data)
		if !ok {
			s.log.Debug("speechmatics: ignoring malformed message", "len", len(data))
			continue
		}
		if terminal := s.handle(ctx, conn, m); terminal {
			return
		}
		if readCtx == hctx && s.isStarted() {
			readCtx = ctx
		}
	}
}

func (s *session) readFailed(ctx, hctx context.Context, err error) {
	s.mu.Lock()
	state, closing, started := s.state, s.closing, s.started
	s.mu.Unlock()

	switch {
	case state.Terminal():
	case closing:
		s.setClosed()
	case !started && hctx.Err() != nil && ctx.Err() == nil:
		s.fail(&stt.Error{Kind: stt.KindTransport, Code: stt.CodeHandshakeTimeout, Err: err})
	case state == stt.StateDraining && websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		s.setClosed()
	default:
		s.fail(&stt.Error{Kind: stt.KindTransport, Code: stt.CodeConnectionLost, Err: err})
	}
}

// handle dispatches one server message. It returns true once the session is
// terminal.
func (s *session) handle(ctx context.Context, conn *websocket.Conn, m serverMessage) bool {
	switch m.Message {
	case msgRecognitionStarted:
		s.mu.Lock()
		if !s.started {
			s.started = true
			s.stats.Ready = time.Now()
			if s.state == stt.StateConnecting {
				s.state = stt.StateReady
			}
			close(s.ready)
		}
		s.mu.Unlock()
		s.span.AddEvent("ready", trace.WithAttributes(attribute.String("stt.remote_id", m.ID)))
		s.log.Debug("speechmatics: recognition started", "remote_id", m.ID)

	case msgAudioAdded:
		s.mu.Lock()
		if m.SeqNo > s.stats.AckedSeq {
			s.stats.AckedSeq = m.SeqNo
		}
		s.mu.Unlock()

	case msgAddPartialTranscript, msgAddTranscript:
		final := m.Message == msgAddTranscript
		s.mu.Lock()
		utt := s.utterance
		if final {
			s.utterance++
			s.stats.Utterances++
		}
		s.mu.Unlock()
		typ := stt.EventPartial
		if final {
			typ = stt.EventFinal
		}
		s.emit(ctx, stt.Event{Type: typ, Segment: stt.Segment{
			Text:      m.Metadata.Transcript,
			IsFinal:   final,
			Start:     seconds(m.Metadata.StartTime),
			End:       seconds(m.Metadata.EndTime),
			Utterance: utt,
		}})

	case msgEndOfUtterance:
		s.emit(ctx, stt.Event{Type: stt.EventEndOfUtterance})

	case msgInfo:
		s.log.Info("speechmatics: info", "type", m.Type, "reason", m.Reason)
		s.emit(ctx, stt.Event{Type: stt.EventInfo, Code: m.Type, Message: m.Reason})

	case msgWarning:
		s.log.Warn("speechmatics: warning", "type", m.Type, "reason", m.Reason)
		s.emit(ctx, stt.Event{Type: stt.EventWarning, Code: m.Type, Message: m.Reason})

	case msgError:
		s.fail(stt.Classify(m.Type, m.Reason))
		return true

	case msgEndOfTranscript:
		s.setClosed()
		conn.Close(websocket.StatusNormalClosure, "end of transcript")
		return true

	default:
		s.log.Debug("speechmatics: unhandled message", "message", m.Message)
	}
	return false
}

func (s *session) emit(ctx context.Context, ev stt.Event) {
	s.mu.Lock()
	s.evSeq++
	ev.Seq = s.evSeq
	s.mu.Unlock()
	ev.SessionID = s.id
	ev.Received = time.Now()
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	select {
	case <-s.ready:
	case <-ctx.Done():
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.out:
			if err := s.write(ctx, conn, m); err != nil {
				if ctx.Err() == nil {
					s.fail(&stt.Error{Kind: stt.KindTransport, Code: stt.CodeConnectionLost, Err: err})
				}
				return
			}
		}
	}
}

func (s *session) write(ctx context.Context, conn *websocket.Conn, m outMsg) error {
	if m.audio != nil {
		if err := conn.Write(ctx, websocket.MessageBinary, m.audio); err != nil {
			return err
		}
		s.mu.Lock()
		s.stats.SentSeq++
		s.stats.LastAudio = time.Now()
		if s.state == stt.StateReady {
			s.state = stt.StateStreaming
		}
		s.mu.Unlock()
		return nil
	}

	var (
		payload []byte
		err     error
	)
	if m.control == msgEndOfStream {
		s.mu.Lock()
		last := s.stats.SentSeq
		s.mu.Unlock()
		payload, err = buildEndOfStream(last)
	} else {
		payload, err = buildControl(m.control)
	}
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (s *session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// abort fails the session with e, unless Close was requested, in which case
// the session simply closes.
func (s *session) abort(e *stt.Error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		s.setClosed()
		return
	}
	s.fail(e)
}

func (s *session) fail(e *stt.Error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = stt.StateFailed
	s.err = e
	s.mu.Unlock()

	s.span.AddEvent("fail", trace.WithAttributes(
		attribute.String("stt.error.kind", string(e.Kind)),
		attribute.String("stt.error.code", e.Code),
	))
	s.span.RecordError(e)
	s.span.SetStatus(codes.Error, e.Code)
	s.log.Debug("speechmatics: session failed", "kind", e.Kind, "reason", e.Code)
	s.cancel()
}

func (s *session) setClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = stt.StateClosed
	}
}

// finish runs when the read loop exits: it stops the writer, settles the
// terminal state and closes Events and Done in that order.
func (s *session) finish() {
	s.cancel()
	s.wg.Wait()
	s.setClosed()

	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	s.span.SetAttributes(
		attribute.Int64("stt.audio.sent", int64(stats.SentSeq)),
		attribute.Int64("stt.audio.acked", int64(stats.AckedSeq)),
		attribute.Int("stt.utterances", stats.Utterances),
	)
	s.span.End()

	close(s.events)
	close(s.done)
}
