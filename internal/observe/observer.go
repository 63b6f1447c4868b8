package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicetyper/internal/gate"
	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/internal/keyword"
	"github.com/MrWong99/voicetyper/internal/transcript"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

// Observer records pipeline callbacks into [Metrics]. One value serves the
// lifecycle controller, the reconciler and the injector.
type Observer struct {
	m *Metrics
}

var (
	_ transcript.Observer = Observer{}
	_ inject.Observer     = Observer{}
)

// Observer returns the pipeline observer backed by m.
func (m *Metrics) Observer() Observer { return Observer{m: m} }

// SessionOpened implements lifecycle.Observer.
func (o Observer) SessionOpened(result string) {
	o.m.SessionOpens.Add(context.Background(), 1, metric.WithAttributes(Attr("result", result)))
}

// SessionEnded implements lifecycle.Observer.
func (o Observer) SessionEnded(d time.Duration, err error) {
	ctx := context.Background()
	o.m.SessionDuration.Record(ctx, d.Seconds())
	if err != nil {
		o.m.RecordSessionError(ctx, err)
	}
}

// ActiveSessions implements lifecycle.Observer.
func (o Observer) ActiveSessions(delta int) {
	o.m.SessionActive.Add(context.Background(), int64(delta))
}

// VoiceTransition implements lifecycle.Observer.
func (o Observer) VoiceTransition(state gate.VoiceState) {
	o.m.VADTransitions.Add(context.Background(), 1, metric.WithAttributes(Attr("state", state.String())))
}

// FinalLatency implements lifecycle.Observer.
func (o Observer) FinalLatency(d time.Duration) {
	o.m.FinalLatency.Record(context.Background(), d.Seconds())
}

// TranscriptEvent implements transcript.Observer.
func (o Observer) TranscriptEvent(t stt.EventType) {
	o.m.TranscriptEvents.Add(context.Background(), 1, metric.WithAttributes(Attr("type", t.String())))
}

// KeywordMatched implements transcript.Observer.
func (o Observer) KeywordMatched(word string, seg keyword.SegmentKind) {
	o.m.RecordKeywordMatch(context.Background(), word, seg.String())
}

// TokenDone implements inject.Observer.
func (o Observer) TokenDone(kind inject.Kind, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.m.RecordInjectToken(context.Background(), kind.String(), status)
}

// QueueDepth implements inject.Observer.
func (o Observer) QueueDepth(delta int) {
	o.m.InjectQueueDepth.Add(context.Background(), int64(delta))
}
