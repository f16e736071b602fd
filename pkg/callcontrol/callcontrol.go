// Package callcontrol defines the boundary between rtpbridge and the PBX that
// answers phone calls and exchanges their audio over an external RTP media
// channel.
//
// The PBX reports calls entering and leaving the application as [Event]
// values. For each call the bridge creates a mixing bridge, adds the caller's
// channel to it, and originates a media channel that streams the call's audio
// to a local UDP port.
package callcontrol

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a bridge or channel no longer exists on the
// PBX. Teardown treats it as success.
var ErrNotFound = errors.New("callcontrol: not found")

// MediaChannelPrefix is the channel name prefix of external RTP media
// channels originated by the bridge.
const MediaChannelPrefix = "UnicastRTP/"

// EventKind discriminates [Event] values.
type EventKind int

const (
	// CallStarted: a channel entered the application.
	CallStarted EventKind = iota + 1

	// CallEnded: a channel left the application.
	CallEnded
)

// String returns a short name for the event kind.
func (k EventKind) String() string {
	switch k {
	case CallStarted:
		return "call_started"
	case CallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// Channel identifies a PBX channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IsMedia reports whether the channel is an external media channel rather
// than a caller.
func (c Channel) IsMedia() bool {
	return strings.HasPrefix(c.Name, MediaChannelPrefix)
}

// Event is a call lifecycle notification.
type Event struct {
	Kind    EventKind
	Channel Channel

	// Args are the application arguments the channel entered with.
	Args []string
}

// Controller manipulates calls on the PBX. All methods are safe for
// concurrent use.
type Controller interface {
	// Run connects the event stream and delivers events on Events until ctx
	// is cancelled, reconnecting after failures.
	Run(ctx context.Context) error

	// Connected reports whether the event stream is currently up.
	Connected() bool

	// Events returns the channel of call lifecycle events.
	Events() <-chan Event

	// CreateBridge creates a mixing bridge and returns its ID.
	CreateBridge(ctx context.Context) (string, error)

	// AddChannel adds a channel to a bridge.
	AddChannel(ctx context.Context, bridgeID, channelID string) error

	// OriginateMedia creates an external media channel that sends the
	// bridge's audio to host:port and receives audio back from there.
	OriginateMedia(ctx context.Context, host string, port int) (Channel, error)

	// Hangup terminates a channel.
	Hangup(ctx context.Context, channelID string) error

	// DestroyBridge removes a bridge.
	DestroyBridge(ctx context.Context, bridgeID string) error
}
