package stt

import "time"

// EventType enumerates the events a session forwards to its consumer.
type EventType int

const (
	// EventPartial carries a revisable best guess for the current utterance.
	EventPartial EventType = iota

	// EventFinal carries the authoritative text of an utterance.
	EventFinal

	// EventEndOfUtterance marks a detected utterance boundary.
	EventEndOfUtterance

	// EventInfo is an advisory message (e.g. concurrency usage).
	EventInfo

	// EventWarning is an advisory message (e.g. approaching an idle limit).
	EventWarning

	// EventSpeechStarted and EventSpeechEnded mark local voice activity
	// transitions. Providers never emit them; the pipeline inserts them into
	// the event stream so consumers see speech boundaries in receipt order.
	EventSpeechStarted
	EventSpeechEnded
)

// String returns the event type name used in logs and metric attributes.
func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEndOfUtterance:
		return "end_of_utterance"
	case EventInfo:
		return "info"
	case EventWarning:
		return "warning"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// Segment is a transcript for one utterance. Partial segments for an utterance
// are superseded by later partials and the final; the final is immutable.
type Segment struct {
	Text    string
	IsFinal bool

	// Start and End are offsets relative to the start of the session audio.
	Start time.Duration
	End   time.Duration

	// Utterance identifies the utterance within its session. Utterances are
	// numbered from 1 and never reused.
	Utterance int
}

// Event is one message delivered by a session, tagged with its receipt order.
type Event struct {
	Type      EventType
	SessionID string

	// Seq is the 1-based receipt order within the session.
	Seq uint64

	// Segment is set for EventPartial and EventFinal.
	Segment Segment

	// Code and Message are set for EventInfo and EventWarning.
	Code    string
	Message string

	Received time.Time
}
