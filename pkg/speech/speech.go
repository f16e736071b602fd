// Package speech defines the boundary between the RTP bridge and a duplex,
// message-based speech model such as the OpenAI Realtime API.
//
// A [Session] accepts caller audio with [Session.AppendAudio], is told when a
// caller utterance is complete with [Session.CommitAudio], and is asked to
// speak with [Session.CreateResponse]. Everything the model sends back arrives
// as [Event] values on [Session.Events], in the order the model emitted them.
//
// Session methods are called from the real-time audio loop and must never
// block on the network: implementations queue outgoing messages and report
// [ErrBackpressure] when the queue is full.
package speech

import (
	"context"
	"errors"
)

// ErrClosed is returned by Session methods after Close or after the
// underlying transport has gone away.
var ErrClosed = errors.New("speech: session closed")

// ErrBackpressure is returned when a message cannot be queued because the
// outgoing queue is full. The message is dropped.
var ErrBackpressure = errors.New("speech: send queue full")

// Audio formats understood by the realtime transport.
const (
	FormatG711ULaw = "g711_ulaw"
	FormatG711ALaw = "g711_alaw"
	FormatPCM16    = "pcm16"
)

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventAudioDelta carries a chunk of synthesised audio in Event.Audio.
	EventAudioDelta EventKind = iota + 1

	// EventAudioDone signals that the current response has no more audio.
	EventAudioDone

	// EventTextDelta carries incremental response text or audio transcript
	// in Event.Text.
	EventTextDelta

	// EventInputCommitted acknowledges a CommitAudio call.
	EventInputCommitted

	// EventResponseCreated signals that the model started a response.
	EventResponseCreated

	// EventResponseDone signals that the model finished a response.
	EventResponseDone

	// EventError carries a provider-side or decoding error in Event.Err.
	// Errors never end the session on their own.
	EventError
)

// String returns a short name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudioDelta:
		return "audio_delta"
	case EventAudioDone:
		return "audio_done"
	case EventTextDelta:
		return "text_delta"
	case EventInputCommitted:
		return "input_committed"
	case EventResponseCreated:
		return "response_created"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message received from the speech model.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudioDelta. It is encoded in the session's
	// output format.
	Audio []byte

	// Text is set for EventTextDelta.
	Text string

	// Err is set for EventError.
	Err error
}

// TurnDetection configures the model's own voice activity detection.
// It is independent of the bridge's client-side silence trigger.
type TurnDetection struct {
	// Type selects the detector; "server_vad" is the only supported value.
	// Empty disables server-side turn detection.
	Type string

	// Threshold is the activation threshold in [0, 1].
	Threshold float64

	// PrefixPaddingMs is the audio retained before detected speech.
	PrefixPaddingMs int

	// SilenceDurationMs is the trailing silence that closes an utterance.
	SilenceDurationMs int
}

// SessionConfig is the configuration sent when a session is opened.
type SessionConfig struct {
	// Instructions is the system prompt for the whole session.
	Instructions string

	// Voice selects the synthesised voice (e.g. "alloy").
	Voice string

	// InputFormat and OutputFormat select the audio encoding; both default
	// to FormatG711ULaw.
	InputFormat  string
	OutputFormat string

	// TurnDetection configures server-side VAD.
	TurnDetection TurnDetection
}

// Session is an open duplex speech session. All methods must be safe for
// concurrent use and return without waiting on the network.
type Session interface {
	// AppendAudio queues caller audio for the model's input buffer.
	AppendAudio(chunk []byte) error

	// CommitAudio marks the audio appended so far as one complete utterance.
	CommitAudio() error

	// CreateResponse asks the model to speak, with per-response instructions.
	CreateResponse(instructions string) error

	// Events returns the channel of model events. It is closed when the
	// session ends; Err then reports why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close ends the session. Safe to call more than once.
	Close() error
}

// Provider opens speech sessions.
type Provider interface {
	// Connect dials the model and sends cfg. The returned Session is ready
	// for audio.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
