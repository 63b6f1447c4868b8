package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/voicetyper/internal/gate"
	"github.com/MrWong99/voicetyper/pkg/audio"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicetyper/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/voicetyper/pkg/provider/vad/mock"
)

const (
	testRate   = 16000
	testWindow = 512
	frameDur   = 32 * time.Millisecond
)

// ─── harness ─────────────────────────────────────────────────────────────────

type harness struct {
	t      *testing.T
	clk    *clock.Mock
	prov   *sttmock.Provider
	ctl    *Controller
	frames chan audio.Frame
	n      int
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	det := &vadmock.Session{
		Window: testWindow,
		Func: func(w []int16) float64 {
			if w[0] != 0 {
				return 1
			}
			return 0
		},
	}
	g, err := gate.New(det, gate.Config{SampleRate: testRate, Threshold: 0.5, Hangover: frameDur})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	cfg.Stream.SampleRate = testRate
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := &harness{
		t:      t,
		clk:    clk,
		prov:   &sttmock.Provider{},
		frames: make(chan audio.Frame),
		done:   make(chan error, 1),
	}
	h.ctl, err = New(h.prov, g, cfg, append([]Option{WithClock(h.clk)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.ctl.Run(ctx, h.frames) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(10 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

// push sends one window-sized frame. Because frames is unbuffered, a
// returning push means the previous frame has been fully processed.
func (h *harness) push(speech bool) {
	h.t.Helper()
	samples := make([]int16, testWindow)
	if speech {
		for i := range samples {
			samples[i] = 1000
		}
	}
	f := audio.Frame{
		Data:       audio.EncodePCM16(samples),
		SampleRate: testRate,
		Channels:   1,
		Timestamp:  time.Duration(h.n) * frameDur,
	}
	h.n++
	select {
	case h.frames <- f:
	case <-time.After(5 * time.Second):
		h.t.Fatal("controller stopped consuming frames")
	}
}

// sync waits until every previously pushed frame has been processed.
func (h *harness) sync(speech bool) {
	h.t.Helper()
	h.push(speech)
	h.push(speech)
}

func (h *harness) session(i int) *sttmock.Session {
	h.t.Helper()
	eventually(h.t, func() bool { return len(h.prov.Sessions()) > i })
	return h.prov.Sessions()[i]
}

// next returns the next forwarded event.
func (h *harness) next() stt.Event {
	h.t.Helper()
	select {
	case ev := <-h.ctl.Events():
		return ev
	case <-time.After(3 * time.Second):
		h.t.Fatal("no event forwarded")
		return stt.Event{}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestController_OpensOnSpeechWithPreroll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Preroll: 100 * time.Millisecond})
	for range 5 {
		h.push(false)
	}
	h.sync(false)
	if n := h.prov.OpenCount(); n != 0 {
		t.Fatalf("opened %d sessions during silence", n)
	}

	h.push(true)
	s := h.session(0)
	// Four windows of pre-roll: three silent ones and the triggering window.
	eventually(t, func() bool { return s.AudioCount() == 4 })

	h.push(true)
	eventually(t, func() bool { return s.AudioCount() == 5 })

	st := h.ctl.Status()
	if st.Phase != PhaseOpen || st.SessionID != s.ID() || st.ActiveSessions != 1 {
		t.Errorf("status = %+v", st)
	}
	if got := h.prov.OpenCalls[0].Cfg.SampleRate; got != testRate {
		t.Errorf("stream sample rate = %d", got)
	}
}

func TestController_IdleTimeoutDrains(t *testing.T) {
	t.Parallel()

	idle := 10 * time.Second
	h := newHarness(t, Config{IdleDisconnect: idle})
	h.push(true)
	s := h.session(0)
	h.push(false)
	h.sync(false)

	// The idle period counts in full from speech-end.
	h.clk.Add(idle - time.Millisecond)
	h.sync(false)
	if s.Drains() != 0 {
		t.Fatal("drained before the idle timeout")
	}

	h.clk.Add(time.Millisecond)
	eventually(t, func() bool { return s.Drains() == 1 })
	eventually(t, func() bool {
		st := h.ctl.Status()
		return st.Phase == PhaseIdle && st.ActiveSessions == 0
	})
}

func TestController_SpeechCancelsIdleTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.push(true)
	s := h.session(0)
	h.push(false)
	h.sync(false)
	h.push(true)
	h.sync(true)

	h.clk.Add(time.Minute)
	h.sync(true)
	if s.Drains() != 0 {
		t.Error("session drained while speech continued")
	}
	if h.prov.OpenCount() != 1 {
		t.Errorf("OpenCount = %d, want 1", h.prov.OpenCount())
	}
}

func TestController_CapacityErrorWaitsFullBackoff(t *testing.T) {
	t.Parallel()

	backoff := 7 * time.Second
	h := newHarness(t, Config{ReconnectBackoff: backoff})
	h.push(true)
	h.session(0).Fail(stt.Classify("quota_exceeded", "concurrent session limit"))
	eventually(t, func() bool { return h.ctl.Status().Phase == PhaseBackoff })

	// Speech resumes immediately; the reconnect is still deferred.
	h.push(false)
	h.push(true)
	h.sync(true)
	h.clk.Add(backoff - time.Millisecond)
	h.sync(true)
	if n := h.prov.OpenCount(); n != 1 {
		t.Fatalf("OpenCount = %d before backoff elapsed, want 1", n)
	}

	h.clk.Add(time.Millisecond)
	eventually(t, func() bool { return h.prov.OpenCount() == 2 })
	if st := h.ctl.Status(); st.Failures != 1 {
		t.Errorf("Failures = %d, want 1", st.Failures)
	}
}

func TestController_FatalErrorSurfaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.push(true)
	h.session(0).Fail(stt.Classify("not_authorised", "bad key"))

	select {
	case err := <-h.ctl.Errors():
		if stt.KindOf(err) != stt.KindFatal {
			t.Errorf("surfaced error kind = %s", stt.KindOf(err))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fatal error not surfaced")
	}

	h.clk.Add(time.Hour)
	h.sync(true)
	if n := h.prov.OpenCount(); n != 1 {
		t.Fatalf("OpenCount = %d after fatal error, want 1", n)
	}

	// The next speech-start tries a fresh connection.
	h.push(false)
	h.push(true)
	eventually(t, func() bool { return h.prov.OpenCount() == 2 })
}

func TestController_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	backoff := 5 * time.Second
	cooldown := time.Minute
	h := newHarness(t, Config{ReconnectBackoff: backoff, MaxRetries: 2, RetryCooldown: cooldown})
	h.push(true)

	transient := stt.Classify("internal_error", "")
	h.session(0).Fail(transient)
	eventually(t, func() bool { return h.ctl.Status().Phase == PhaseBackoff })
	h.clk.Add(backoff)
	h.session(1).Fail(transient)
	eventually(t, func() bool { return h.ctl.Status().Failures == 2 })
	eventually(t, func() bool { return h.ctl.Status().Phase == PhaseBackoff })
	h.clk.Add(backoff)

	select {
	case err := <-h.ctl.Errors():
		if !errors.Is(err, transient) {
			t.Errorf("surfaced error = %v, want wrapped last failure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("exhausted budget not surfaced")
	}
	if st := h.ctl.Status(); st.Phase != PhaseDegraded {
		t.Errorf("phase = %s, want degraded", st.Phase)
	}
	if n := h.prov.OpenCount(); n != 2 {
		t.Errorf("OpenCount = %d, want 2", n)
	}

	// After the cooldown a new speech-start tries once more.
	h.clk.Add(cooldown)
	h.push(false)
	h.push(true)
	eventually(t, func() bool { return h.prov.OpenCount() == 3 })
}

func TestController_AtMostOneSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	first := sttmock.NewSession("first")
	first.HoldDrain = true
	h.prov.Next = []*sttmock.Session{first}

	h.push(true)
	h.session(0)
	h.push(false)
	h.sync(false)
	h.clk.Add(time.Minute)
	eventually(t, func() bool { return first.State() == stt.StateDraining })

	// Speech while the previous session is still draining.
	h.push(true)
	h.sync(true)
	if n := h.prov.OpenCount(); n != 1 {
		t.Fatalf("OpenCount = %d while draining, want 1", n)
	}
	if st := h.ctl.Status(); st.ActiveSessions != 1 {
		t.Fatalf("ActiveSessions = %d", st.ActiveSessions)
	}

	first.Finish()
	eventually(t, func() bool { return h.prov.OpenCount() == 2 })
	if st := h.ctl.Status(); st.ActiveSessions > 1 {
		t.Errorf("ActiveSessions = %d", st.ActiveSessions)
	}
}

func TestController_ForwardsEventsAndForceEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.push(true)
	s := h.session(0)

	if ev := h.next(); ev.Type != stt.EventSpeechStarted {
		t.Fatalf("first event = %+v, want speech_started", ev)
	}
	s.Emit(stt.Event{Type: stt.EventPartial, Segment: stt.Segment{Text: "hel", Utterance: 1}})
	s.Emit(stt.Event{Type: stt.EventFinal, Segment: stt.Segment{Text: "hello", IsFinal: true, Utterance: 1}})
	for i, want := range []string{"hel", "hello"} {
		if ev := h.next(); ev.Segment.Text != want || ev.SessionID != s.ID() {
			t.Errorf("event %d = %+v", i, ev)
		}
	}

	if err := h.ctl.ForceEndOfUtterance(s.ID()); err != nil {
		t.Fatalf("ForceEndOfUtterance: %v", err)
	}
	if s.ForceEnds() != 1 {
		t.Errorf("ForceEnds = %d", s.ForceEnds())
	}
	if err := h.ctl.ForceEndOfUtterance("stale"); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("stale session id: err = %v", err)
	}
}

func TestController_SpeechMarkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.push(true)
	s := h.session(0)
	h.push(false)
	h.sync(false)

	start := h.next()
	if start.Type != stt.EventSpeechStarted || start.SessionID != "" {
		t.Errorf("start marker = %+v", start)
	}
	end := h.next()
	if end.Type != stt.EventSpeechEnded || end.SessionID != s.ID() {
		t.Errorf("end marker = %+v", end)
	}
	if got, want := end.Received, h.clk.Now(); !got.Equal(want) {
		t.Errorf("end marker received = %v, want %v", got, want)
	}
}

func TestController_SilenceEndsUtterance(t *testing.T) {
	t.Parallel()

	minStream := 2 * time.Second
	h := newHarness(t, Config{EndOfUtterance: true, MinStream: minStream})
	h.push(true)
	s := h.session(0)
	h.push(false)
	h.sync(false)
	if got := s.ForceEnds(); got != 0 {
		t.Fatalf("ForceEnds = %d for a session younger than the minimum, want 0", got)
	}

	h.push(true)
	h.sync(true)
	h.clk.Add(minStream)
	h.push(false)
	h.sync(false)
	eventually(t, func() bool { return s.ForceEnds() == 1 })
	if got := s.Drains(); got != 0 {
		t.Errorf("Drains = %d, want 0", got)
	}
}

func TestController_SilenceLeavesUtteranceWhenDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.push(true)
	s := h.session(0)
	h.clk.Add(time.Minute)
	h.push(false)
	h.sync(false)
	if got := s.ForceEnds(); got != 0 {
		t.Errorf("ForceEnds = %d, want 0", got)
	}
}

func TestController_SessionLogCarriesTrace(t *testing.T) {
	t.Parallel()

	buf := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(buf, nil))
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, Config{}, WithLogger(log), WithTracer(tp.Tracer("test")))
	h.push(true)
	s := h.session(0)

	var line string
	eventually(t, func() bool {
		for l := range strings.SplitSeq(buf.String(), "\n") {
			if strings.Contains(l, "lifecycle: session opened") {
				line = l
				return true
			}
		}
		return false
	})
	for _, want := range []string{"trace_id=", "span_id=", "session_id=" + s.ID()} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}

func TestController_ShutdownDrainsAndClosesEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.push(true)
	s := h.session(0)
	h.cancel()

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if s.Drains() != 1 {
		t.Errorf("Drains = %d, want 1", s.Drains())
	}
	if _, ok := <-h.ctl.Events(); ok {
		t.Error("events channel still open")
	}
	if st := h.ctl.Status(); st.Phase != PhaseStopped || st.ActiveSessions != 0 {
		t.Errorf("status = %+v", st)
	}
	if err := h.ctl.Run(context.Background(), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run: %v", err)
	}
}

func TestPreroll(t *testing.T) {
	t.Parallel()

	p := preroll{limit: 100 * time.Millisecond}
	for i := range 10 {
		p.add(audio.Frame{Data: make([]byte, 2*testWindow), SampleRate: testRate, Channels: 1, Timestamp: time.Duration(i) * frameDur})
	}
	if got := p.duration(); got < p.limit || got >= p.limit+frameDur {
		t.Errorf("duration = %v", got)
	}
	frames := p.take()
	if len(frames) != 4 || frames[0].Timestamp != 6*frameDur {
		t.Errorf("kept %d frames starting at %v", len(frames), frames[0].Timestamp)
	}
	if p.duration() != 0 || len(p.take()) != 0 {
		t.Error("take did not empty the buffer")
	}

	off := preroll{limit: -1}
	off.add(audio.Frame{Data: make([]byte, 2), SampleRate: testRate, Channels: 1})
	if len(off.take()) != 0 {
		t.Error("disabled preroll kept audio")
	}
}
