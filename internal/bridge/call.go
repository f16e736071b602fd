// Package bridge implements the real-time core of rtpbridge: one [Call]
// per active phone call, joining the telephony RTP leg to a speech session.
//
// A Call owns all per-call [State] and mutates it from a single event loop
// ([Call.Run]) that serialises four sources: inbound datagrams, speech
// events, the 20 ms pacer tick and the silence poll. Inbound caller audio is
// forwarded to the model as it arrives; synthesised audio is re-framed into
// 160-byte µ-law frames and paced back out one frame per tick with
// continuous sequence numbers and timestamps. A client-side silence trigger
// decides when the caller has finished speaking and asks the model to answer.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/MrWong99/rtpbridge/internal/observe"
	"github.com/MrWong99/rtpbridge/pkg/rtp"
	"github.com/MrWong99/rtpbridge/pkg/speech"
)

// ErrSpeechEnded is returned by [Call.Run] when the speech session's event
// stream closes while the call is still active.
var ErrSpeechEnded = errors.New("bridge: speech session ended")

// ErrSocketClosed is returned by [Call.Run] when the RTP socket stops
// delivering datagrams while the call is still active.
var ErrSocketClosed = errors.New("bridge: rtp socket closed")

// PacketConn is the subset of [net.PacketConn] a Call needs. *net.UDPConn
// satisfies it.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
}

// Config holds the tuning of a call. The zero value is not usable; start from
// [DefaultConfig].
type Config struct {
	// Pace transmits one frame per FrameInterval when true. When false every
	// queued frame is written as soon as it is queued.
	Pace bool

	// FrameInterval is the pacer period.
	FrameInterval time.Duration

	// PrerollFrames is the number of silence frames sent before the first
	// voice frame of a turn.
	PrerollFrames int

	// PostrollFrames is the number of silence frames sent after the last
	// voice frame of a turn.
	PostrollFrames int

	// SilenceThreshold is how long the caller must be quiet before a turn
	// is requested.
	SilenceThreshold time.Duration

	// MinAudioBytes is the least caller audio (in bytes) worth committing.
	MinAudioBytes int

	// ResponseTimeout bounds how long a response request may stay
	// unanswered before new turns are allowed again.
	ResponseTimeout time.Duration

	// PollInterval is the period of the silence check.
	PollInterval time.Duration

	// TurnInstructions are sent with every silence-triggered response.
	TurnInstructions string

	// Greeting, when non-empty, is sent as the instructions of a response
	// requested as soon as the caller's RTP stream is identified.
	Greeting string

	// GreetingTimeout is how long to wait for the caller's RTP stream
	// before the greeting is abandoned.
	GreetingTimeout time.Duration

	// DatagramBuffer is the capacity of the channel between the socket
	// reader and the event loop. Datagrams beyond it are dropped.
	DatagramBuffer int
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Pace:             true,
		FrameInterval:    rtp.FrameDurationMs * time.Millisecond,
		PrerollFrames:    3,
		PostrollFrames:   2,
		SilenceThreshold: 850 * time.Millisecond,
		MinAudioBytes:    800,
		ResponseTimeout:  2000 * time.Millisecond,
		PollInterval:     200 * time.Millisecond,
		TurnInstructions: "Respond briefly and naturally to the caller.",
		GreetingTimeout:  3000 * time.Millisecond,
		DatagramBuffer:   256,
	}
}

// Option configures a [Call].
type Option func(*Call)

// WithLogger sets the call's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Call) { c.log = l }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Call) { c.metrics = m }
}

// WithClock replaces time.Now for turn timing.
func WithClock(now func() time.Time) Option {
	return func(c *Call) { c.now = now }
}

// WithSSRC fixes the outbound SSRC instead of drawing a random one.
func WithSSRC(ssrc uint32) Option {
	return func(c *Call) { c.ssrc, c.ssrcSet = ssrc, true }
}

// Stats summarises a call. Read it after [Call.Run] has returned.
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	Turns           int
	Transcript      string
}

// datagram is one packet handed from the socket reader to the event loop.
type datagram struct {
	data []byte
	from net.Addr
}

// Call bridges one telephony RTP stream to one speech session.
type Call struct {
	cfg     Config
	conn    PacketConn
	speech  speech.Session
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	ssrc    uint32
	ssrcSet bool

	state     State
	datagrams chan datagram
	pacer     *time.Ticker

	greetPending bool
	greetUntil   time.Time

	// requestedAt is when the current response was requested; zero once its
	// first audio has been measured.
	requestedAt time.Time

	stats      Stats
	transcript strings.Builder
}

// NewCall creates a call that reads caller audio from conn and talks to sess.
// Nothing runs until [Call.Run] is called.
func NewCall(cfg Config, conn PacketConn, sess speech.Session, opts ...Option) *Call {
	c := &Call{
		cfg:     cfg,
		conn:    conn,
		speech:  sess,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.cfg.DatagramBuffer <= 0 {
		c.cfg.DatagramBuffer = DefaultConfig().DatagramBuffer
	}
	if c.cfg.FrameInterval <= 0 {
		c.cfg.FrameInterval = DefaultConfig().FrameInterval
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = DefaultConfig().PollInterval
	}
	c.datagrams = make(chan datagram, c.cfg.DatagramBuffer)
	c.Reset()
	return c
}

// Reset returns the call to its initial state: the pacer is stopped, queued
// audio is discarded, learned parameters are forgotten and a fresh SSRC is
// chosen. It must not be called while Run is executing.
func (c *Call) Reset() {
	c.stop()
	c.state.Reset()
	// The model may answer on its own before any client turn, so the
	// first frame of a fresh call is always a turn start.
	c.state.MarkerPending = true
	c.state.SSRC = c.ssrc
	if !c.ssrcSet {
		c.state.SSRC = randomSSRC()
	}
	c.greetPending = c.cfg.Greeting != ""
	c.greetUntil = c.now().Add(c.cfg.GreetingTimeout)
	c.requestedAt = time.Time{}
	c.stats = Stats{}
	c.transcript.Reset()
	for len(c.datagrams) > 0 {
		<-c.datagrams
	}
}

// Run serves the call until ctx is cancelled, the speech session ends or the
// socket fails. It starts a goroutine reading from the socket; the caller
// stops it by closing the socket after Run returns. Cancellation is a normal
// end and yields a nil error. Run may only be called once per Call.
func (c *Call) Run(ctx context.Context) error {
	go c.readLoop(ctx)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	defer c.stop()

	events := c.speech.Events()
	for {
		var tickC <-chan time.Time
		if c.pacer != nil {
			tickC = c.pacer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-c.datagrams:
			if !ok {
				return ErrSocketClosed
			}
			c.onDatagram(d.data, d.from)
		case evt, ok := <-events:
			if !ok {
				if err := c.speech.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrSpeechEnded, err)
				}
				return ErrSpeechEnded
			}
			c.handleSpeechEvent(evt)
		case <-tickC:
			c.tick()
		case <-poll.C:
			c.poll()
		}
	}
}

// Phase returns the current turn phase. It must not be called while Run is
// executing.
func (c *Call) Phase() Phase { return c.state.Phase }

// Stats returns the call's counters and transcript. It must not be called
// while Run is executing.
func (c *Call) Stats() Stats {
	s := c.stats
	s.Transcript = strings.TrimSpace(c.transcript.String())
	return s
}

func randomSSRC() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
