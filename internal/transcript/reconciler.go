// Package transcript reconciles the partial and final transcript stream of a
// transcription session into an ordered sequence of injection tokens.
//
// Every utterance is tracked as a [PendingUtterance]. Partials replace the
// stored best guess; the final is authoritative and ends the utterance. Text is
// compared in its keyword rendering (see package keyword), and only the part
// of a rendering that has not been emitted yet is submitted, so no prefix is
// ever typed twice. In partial mode, a revision that rewrites already typed
// text is corrected with backspaces; key actions already pressed are never
// undone.
//
// Once an end keyword has closed an utterance, text of later utterances is
// discarded until the next speech-start marker or a new session.
//
// The Reconciler is owned by a single goroutine (Run). Policy changes and the
// grace and auto-finalize timers are delivered to that goroutine, never
// applied from outside.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/voicetyper/internal/inject"
	"github.com/MrWong99/voicetyper/internal/keyword"
	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

// Mode selects when text is typed.
type Mode int

const (
	// ModeFinal types only authoritative final text.
	ModeFinal Mode = iota

	// ModePartial types partial text as it arrives and corrects it when the
	// final differs.
	ModePartial
)

// String returns "final" or "partial".
func (m Mode) String() string {
	if m == ModePartial {
		return "partial"
	}
	return "final"
}

// ParseMode parses "final" or "partial".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "final":
		return ModeFinal, nil
	case "partial":
		return ModePartial, nil
	}
	return ModeFinal, fmt.Errorf("transcript: unknown typing mode %q", s)
}

// Policy is the reloadable reconciliation configuration.
type Policy struct {
	Engine *keyword.Engine
	Mode   Mode

	// Grace is how long to wait for a final after a keyword forced the end of
	// an utterance before the last partial is committed instead. Zero
	// disables the fallback.
	Grace time.Duration

	// AutoFinalize is how long to wait for a final after speech ended before
	// the last partial is typed. Final mode only; zero or negative disables
	// it. A final arriving later corrects the typed text.
	AutoFinalize time.Duration
}

// Sink receives injection tokens in order.
type Sink interface {
	Submit(tokens ...inject.Token)
}

// ForceEnder asks the session that produced an utterance to finalise it.
type ForceEnder interface {
	ForceEndOfUtterance(sessionID string) error
}

// Observer is notified of consumed events and keyword matches.
type Observer interface {
	TranscriptEvent(t stt.EventType)
	KeywordMatched(word string, segment keyword.SegmentKind)
}

// PendingUtterance is the working state of the utterance in progress.
type PendingUtterance struct {
	Session string
	ID      int

	// LastPartial is the latest partial text.
	LastPartial string

	// Emitted is the rendering already submitted to the sink.
	Emitted string

	// Truncated is set once a keyword in a partial has been acted upon.
	// Later partials of the utterance are suppressed.
	Truncated bool

	// ForceEndRequested is set once a forced end of utterance was requested.
	ForceEndRequested bool

	// graceArmed is set while waiting for a final after a forced end.
	graceArmed bool

	// ended is set once an end keyword in a partial has been acted upon.
	ended bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithForceEnder sets the target of forced end-of-utterance requests.
func WithForceEnder(f ForceEnder) Option {
	return func(r *Reconciler) { r.forcer = f }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.obs = o }
}

// WithClock replaces the system clock used for the grace and auto-finalize
// timers.
func WithClock(clk clock.Clock) Option {
	return func(r *Reconciler) { r.clock = clk }
}

// Reconciler turns transcript events into injection tokens.
type Reconciler struct {
	sink   Sink
	forcer ForceEnder
	obs    Observer
	log    *slog.Logger
	clock  clock.Clock

	policy   Policy
	policyCh chan Policy

	session string
	pending *PendingUtterance

	// suppress discards new utterances after an end keyword.
	suppress bool

	graceTimer *clock.Timer
	graceC     <-chan time.Time
	autoTimer  *clock.Timer
	autoC      <-chan time.Time
}

// New returns a Reconciler submitting to sink. policy.Engine must be non-nil.
func New(sink Sink, policy Policy, opts ...Option) (*Reconciler, error) {
	if sink == nil {
		return nil, fmt.Errorf("transcript: sink is nil")
	}
	if policy.Engine == nil {
		return nil, fmt.Errorf("transcript: keyword engine is nil")
	}
	r := &Reconciler{
		sink:     sink,
		policy:   policy,
		policyCh: make(chan Policy, 1),
		log:      slog.Default(),
		clock:    clock.New(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// SetPolicy replaces the policy. It is safe to call from any goroutine; Run
// applies the change before the next event, and a newer call replaces a change
// that Run has not picked up yet.
func (r *Reconciler) SetPolicy(p Policy) {
	if p.Engine == nil {
		return
	}
	for {
		select {
		case r.policyCh <- p:
			return
		default:
		}
		select {
		case <-r.policyCh:
		default:
		}
	}
}

// Run consumes events until the channel is closed or ctx is cancelled.
// Pending utterances without a final are dropped when it returns.
func (r *Reconciler) Run(ctx context.Context, events <-chan stt.Event) error {
	defer r.stopGrace()
	defer r.stopAuto()
	for {
		select {
		case <-ctx.Done():
			r.dropPending("shutdown")
			return ctx.Err()
		case p := <-r.policyCh:
			r.applyPolicy(p)
		case <-r.graceC:
			r.graceC = nil
			r.fireGrace()
		case <-r.autoC:
			r.autoC = nil
			r.fireAuto()
		case ev, ok := <-events:
			if !ok {
				r.dropPending("event stream closed")
				return nil
			}
			r.drainPolicy()
			r.Handle(ev)
		}
	}
}

func (r *Reconciler) drainPolicy() {
	select {
	case p := <-r.policyCh:
		r.applyPolicy(p)
	default:
	}
}

func (r *Reconciler) applyPolicy(p Policy) {
	r.policy = p
	r.log.Info("transcript: policy updated", "mode", p.Mode.String(), "grace", p.Grace, "auto_finalize", p.AutoFinalize)
}

// Handle processes one event. It must only be called from the goroutine that
// owns the Reconciler.
func (r *Reconciler) Handle(ev stt.Event) {
	switch ev.Type {
	case stt.EventSpeechStarted:
		r.stopAuto()
		if r.suppress {
			r.log.Debug("transcript: speech started, accepting text again")
		}
		r.suppress = false
		return
	case stt.EventSpeechEnded:
		r.armAuto()
		return
	}
	if ev.SessionID != r.session {
		r.dropPending("session changed")
		r.session = ev.SessionID
		r.suppress = false
	}
	if r.obs != nil {
		r.obs.TranscriptEvent(ev.Type)
	}
	switch ev.Type {
	case stt.EventPartial:
		r.onPartial(ev.Segment)
	case stt.EventFinal:
		r.onFinal(ev.Segment)
	case stt.EventEndOfUtterance:
		r.log.Debug("transcript: end of utterance", "session_id", ev.SessionID)
	case stt.EventInfo, stt.EventWarning:
		r.log.Debug("transcript: advisory", "type", ev.Type.String(), "code", ev.Code, "message", ev.Message)
	}
}

// Pending returns the utterance in progress, or nil.
func (r *Reconciler) Pending() *PendingUtterance { return r.pending }

func (r *Reconciler) utterance(seg stt.Segment) *PendingUtterance {
	if r.pending != nil && r.pending.ID != seg.Utterance {
		r.dropPending("superseded")
	}
	if r.pending == nil {
		r.pending = &PendingUtterance{Session: r.session, ID: seg.Utterance}
	}
	return r.pending
}

// suppressed reports whether seg belongs to an utterance after an end
// keyword. Late segments of the utterance that carried it still pass.
func (r *Reconciler) suppressed(seg stt.Segment) bool {
	if !r.suppress || (r.pending != nil && r.pending.ID == seg.Utterance) {
		return false
	}
	r.log.Debug("transcript: discarding text after end keyword",
		"session_id", r.session, "utterance", seg.Utterance, "text", seg.Text)
	return true
}

func (r *Reconciler) onPartial(seg stt.Segment) {
	if r.suppressed(seg) {
		return
	}
	u := r.utterance(seg)
	u.LastPartial = seg.Text
	if u.Truncated {
		return
	}

	rend := r.policy.Engine.Render(seg.Text)
	if !rend.HasKeyword() {
		if r.policy.Mode == ModePartial {
			r.emit(u, rend.Text)
		}
		return
	}

	m := rend.First()
	kw := r.policy.Engine.Keyword(m.Index)
	u.Truncated = true
	u.ended = m.Role == keyword.RoleEnd
	r.matched(m, keyword.Partial)
	r.log.Info("transcript: keyword in partial",
		"session_id", u.Session, "utterance", u.ID, "keyword", kw.Word, "role", kw.Role.String())

	if kw.ForceEnd {
		r.forceEnd(u)
	}
	if r.policy.Mode == ModePartial && m.Role != keyword.RoleEnd {
		r.emit(u, rend.Head())
	}
}

func (r *Reconciler) onFinal(seg stt.Segment) {
	if r.suppressed(seg) {
		return
	}
	u := r.utterance(seg)
	r.stopGrace()
	r.stopAuto()
	u.graceArmed = false

	rend := r.policy.Engine.Render(seg.Text)
	for _, m := range rend.Matches {
		r.matched(m, keyword.Final)
	}
	r.emit(u, rend.Text)
	r.log.Debug("transcript: final",
		"session_id", u.Session, "utterance", u.ID, "text", seg.Text, "truncated", rend.Truncated)
	if u.ended || rend.Truncated {
		r.suppress = true
	}
	r.pending = nil
}

func (r *Reconciler) matched(m keyword.Match, seg keyword.SegmentKind) {
	if r.obs != nil {
		r.obs.KeywordMatched(m.Keyword, seg)
	}
}

func (r *Reconciler) forceEnd(u *PendingUtterance) {
	if u.ForceEndRequested {
		return
	}
	u.ForceEndRequested = true
	if r.forcer != nil {
		if err := r.forcer.ForceEndOfUtterance(u.Session); err != nil {
			r.log.Warn("transcript: force end of utterance failed", "session_id", u.Session, "err", err)
		}
	}
	if r.policy.Grace > 0 {
		u.graceArmed = true
		r.stopGrace()
		r.graceTimer = r.clock.Timer(r.policy.Grace)
		r.graceC = r.graceTimer.C
	}
}

// fireGrace commits the head of the last partial because no final arrived in
// time.
func (r *Reconciler) fireGrace() {
	u := r.pending
	if u == nil || !u.graceArmed {
		return
	}
	u.graceArmed = false
	rend := r.policy.Engine.Render(u.LastPartial)
	r.log.Info("transcript: no final after keyword, committing partial",
		"session_id", u.Session, "utterance", u.ID, "text", keyword.Strip(rend.Head()))
	r.emit(u, rend.Head())
	if u.ended {
		r.suppress = true
	}
}

// armAuto starts the auto-finalize timer at speech-end.
func (r *Reconciler) armAuto() {
	r.stopAuto()
	if r.policy.Mode != ModeFinal || r.policy.AutoFinalize <= 0 {
		return
	}
	r.autoTimer = r.clock.Timer(r.policy.AutoFinalize)
	r.autoC = r.autoTimer.C
}

// fireAuto types the last partial of an utterance whose final is overdue.
func (r *Reconciler) fireAuto() {
	u := r.pending
	if u == nil || u.Truncated || r.suppress || u.LastPartial == "" {
		return
	}
	rend := r.policy.Engine.Render(u.LastPartial)
	r.log.Info("transcript: no final after speech ended, typing last partial",
		"session_id", u.Session, "utterance", u.ID, "text", u.LastPartial)
	r.emit(u, rend.Text)
}

func (r *Reconciler) stopAuto() {
	if r.autoTimer != nil {
		r.autoTimer.Stop()
		r.autoTimer = nil
	}
	r.autoC = nil
}

func (r *Reconciler) stopGrace() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	r.graceC = nil
}

func (r *Reconciler) dropPending(reason string) {
	u := r.pending
	if u == nil {
		return
	}
	r.stopAuto()
	if u.graceArmed {
		r.stopGrace()
		r.fireGrace()
	}
	if u.LastPartial != "" {
		r.log.Info("transcript: dropping utterance without final",
			"session_id", u.Session, "utterance", u.ID, "reason", reason, "partial", u.LastPartial)
	}
	r.pending = nil
}

// emit submits whatever is needed to turn u.Emitted into target on screen.
func (r *Reconciler) emit(u *PendingUtterance, target string) {
	cur := u.Emitted
	if cur == target {
		return
	}
	bs, add, ok := revise(cur, target)
	if !ok {
		// The revision touches text before an already pressed key action.
		// Keep what precedes the last action and reconcile only the tail.
		ci, ti := lastActionEnd(cur), nthActionEnd(target, countActions(cur))
		if ti < 0 {
			r.log.Warn("transcript: revision removes a key action already sent, ignoring",
				"session_id", u.Session, "utterance", u.ID)
			return
		}
		bs, add, _ = revise(cur[ci:], target[ti:])
		target = cur[:ci] + target[ti:]
	}
	var tokens []inject.Token
	if bs > 0 {
		tokens = append(tokens, inject.Backspace(bs))
	}
	tokens = append(tokens, r.tokens(add)...)
	if len(tokens) > 0 {
		r.sink.Submit(tokens...)
	}
	u.Emitted = target
}

// tokens splits a rendering into text and key tokens.
func (r *Reconciler) tokens(s string) []inject.Token {
	var (
		out   []inject.Token
		start int
	)
	for i, c := range s {
		if !keyword.IsSentinel(c) {
			continue
		}
		if i > start {
			out = append(out, inject.Text(s[start:i]))
		}
		if kw, ok := r.policy.Engine.Lookup(c); ok {
			out = append(out, inject.Keys(kw.Keys...))
		}
		start = i + len(string(c))
	}
	if start < len(s) {
		out = append(out, inject.Text(s[start:]))
	}
	return out
}
