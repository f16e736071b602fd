package bridge

import (
	"net"
	"time"

	"github.com/MrWong99/rtpbridge/pkg/rtp"
)

// Learned holds a value that is discovered at runtime and never changes once
// known, such as the remote RTP endpoint.
type Learned[T any] struct {
	v  T
	ok bool
}

// Set stores v if nothing has been stored yet and reports whether it did.
func (l *Learned[T]) Set(v T) bool {
	if l.ok {
		return false
	}
	l.v, l.ok = v, true
	return true
}

// Get returns the stored value and whether one is present.
func (l *Learned[T]) Get() (T, bool) { return l.v, l.ok }

// Known reports whether a value has been stored.
func (l *Learned[T]) Known() bool { return l.ok }

// Phase is the turn-taking phase of a call.
type Phase int

const (
	// PhaseIdle: no caller audio since the last turn.
	PhaseIdle Phase = iota

	// PhaseListening: caller audio is accumulating.
	PhaseListening

	// PhaseTurnRequested is entered and left within a single poll while the
	// caller's audio is committed and a response is requested.
	PhaseTurnRequested

	// PhaseResponseInFlight: a response was requested and no audio for it
	// has been queued yet.
	PhaseResponseInFlight

	// PhaseSpeaking: synthesised audio is queued or being paced out.
	PhaseSpeaking
)

// String returns the phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseTurnRequested:
		return "turn_requested"
	case PhaseResponseInFlight:
		return "response_in_flight"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// State is the per-call session state. It is owned by a single [Call] and
// only touched from that call's event loop.
type State struct {
	// Endpoint is the remote RTP address, learned from the first datagram.
	Endpoint Learned[net.Addr]

	// PayloadType is the RTP payload type, learned from the first datagram
	// that carries a payload. Outbound packets reuse it.
	PayloadType Learned[uint8]

	// Seq is the sequence number of the last transmitted packet.
	Seq uint16

	// Timestamp is the RTP timestamp of the next packet.
	Timestamp uint32

	// SSRC identifies the outbound stream for the lifetime of the call.
	SSRC uint32

	// Residual holds synthesised audio that did not fill a whole frame.
	Residual []byte

	// Queue holds frames waiting for transmission, oldest first.
	Queue []rtp.Frame

	// MarkerPending is set when a turn starts, and on a fresh call, and is
	// cleared by the first packet transmitted after that.
	MarkerPending bool

	// PrerollSent records whether this turn's silence lead-in is queued.
	PrerollSent bool

	// Phase is the turn-taking phase.
	Phase Phase

	// Deadline is when an unanswered response request is given up. Zero
	// means no request is pending.
	Deadline time.Time

	// Accumulated counts caller audio bytes since the last turn.
	Accumulated int

	// LastActivity is when the last caller audio arrived. Zero before any.
	LastActivity time.Time
}

// Reset zeroes the state, releasing queued audio and forgetting the learned
// endpoint and payload type.
func (s *State) Reset() {
	*s = State{}
}
