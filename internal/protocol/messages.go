package protocol

import "time"

// AudioFrame is one timestamped block of PCM samples streamed from a client.
// Frames are immutable once produced; timestamps are monotonic per session.
type AudioFrame struct {
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
}

// TranscriptSegment is one unit of transcription output for a turn. Partial
// segments may be superseded by a later segment carrying the same sequence
// number; final segments are immutable.
type TranscriptSegment struct {
	SessionID  string  `json:"session_id"`
	TurnID     string  `json:"turn_id"`
	Sequence   int     `json:"sequence"`
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence,omitempty"`
}

// GenerationToken is one unit of generated response text.
type GenerationToken struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

// SynthesisChunk is one block of synthesized audio. Chunks must reach egress
// in index order.
type SynthesisChunk struct {
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	Index      int    `json:"index"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Event types surfaced on the control channel. Advisory only; the pipeline
// does not depend on their delivery.
const (
	EventSessionOpened     = "session_opened"
	EventTurnStarted       = "turn_started"
	EventTranscriptPartial = "transcript_partial"
	EventTranscriptFinal   = "transcript_final"
	EventGenerationToken   = "generation_token"
	EventTurnAborted       = "turn_aborted"
	EventTurnCompleted     = "turn_completed"
	EventFramesDropped     = "frames_dropped"
	EventSessionClosed     = "session_closed"
)

// Abort cause tags reported with EventTurnAborted.
const (
	CauseBargeIn       = "barge_in"
	CauseInterrupt     = "interrupt"
	CauseStageFailed   = "stage_failed"
	CauseOrdering      = "ordering"
	CauseSessionClosed = "session_closed"
)

// Session close reasons reported with EventSessionClosed.
const (
	CloseReasonClient      = "client"
	CloseReasonIdleTimeout = "idle_timeout"
	CloseReasonFailures    = "consecutive_failures"
	CloseReasonShutdown    = "shutdown"
)

// Event is a status notification for one session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Sequence  int       `json:"sequence,omitempty"`
	Text      string    `json:"text,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NATS subjects for advisory fan-out of session events. Lifecycle events
// are additionally mirrored on the fixed opened/closed subjects so
// consumers can watch all sessions without knowing their IDs.
const (
	subjectSessionPrefix = "mimir.session"

	SubjectSessionOpened = "mimir.session.opened"
	SubjectSessionClosed = "mimir.session.closed"
)

// SessionEventSubject returns the per-session event subject,
// mimir.session.<id>.event.
func SessionEventSubject(sessionID string) string {
	return subjectSessionPrefix + "." + sessionID + ".event"
}
