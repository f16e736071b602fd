package bridge

import (
	"context"
	"time"

	"github.com/MrWong99/rtpbridge/internal/observe"
	"github.com/MrWong99/rtpbridge/pkg/rtp"
)

// ready reports whether outbound audio has somewhere to go.
func (c *Call) ready() bool {
	return c.state.Endpoint.Known() && c.state.PayloadType.Known()
}

// enqueue re-frames a chunk of synthesised audio and queues it. The first
// chunk of a turn is preceded by the preroll silence. It reports false and
// drops the chunk when the endpoint or payload type is still unknown.
func (c *Call) enqueue(chunk []byte) bool {
	if !c.ready() {
		c.log.Debug("dropping outbound audio before rtp endpoint is known", "bytes", len(chunk))
		c.metrics.RecordDrop(context.Background(), observe.DropUnlearned)
		return false
	}

	if !c.state.PrerollSent {
		c.state.Queue = append(c.state.Queue, rtp.Silence(c.cfg.PrerollFrames)...)
		c.state.PrerollSent = true
	}

	var frames []rtp.Frame
	frames, c.state.Residual = rtp.Split(c.state.Residual, chunk)
	c.state.Queue = append(c.state.Queue, frames...)

	c.startPacer()
	return true
}

// closeTurn flushes the residual as a silence-padded frame and queues the
// postroll.
func (c *Call) closeTurn() {
	if !c.ready() {
		return
	}
	if len(c.state.Residual) > 0 {
		c.state.Queue = append(c.state.Queue, rtp.Pad(c.state.Residual))
		c.state.Residual = nil
	}
	c.state.Queue = append(c.state.Queue, rtp.Silence(c.cfg.PostrollFrames)...)
	if len(c.state.Queue) > 0 {
		c.state.Phase = PhaseSpeaking
	}
	c.startPacer()
}

// startPacer starts the frame ticker if it is not running. In unpaced mode
// it transmits the whole queue instead.
func (c *Call) startPacer() {
	if !c.cfg.Pace {
		c.flush()
		return
	}
	if c.pacer == nil {
		c.pacer = time.NewTicker(c.cfg.FrameInterval)
	}
}

// flush transmits every queued frame immediately and marks the turn drained.
func (c *Call) flush() {
	for len(c.state.Queue) > 0 {
		c.transmitNext()
	}
	c.drained()
}

// tick transmits at most one frame. An empty queue ends the speaking phase.
func (c *Call) tick() {
	c.checkDeadline(c.now())
	if len(c.state.Queue) == 0 {
		c.drained()
		return
	}
	c.transmitNext()
}

// transmitNext pops the head of the queue and writes it as one RTP packet.
// Sequence number and timestamp advance only here.
func (c *Call) transmitNext() {
	frame := c.state.Queue[0]
	c.state.Queue[0] = nil
	c.state.Queue = c.state.Queue[1:]
	if len(c.state.Queue) == 0 {
		c.state.Queue = nil
	}

	addr, _ := c.state.Endpoint.Get()
	pt, _ := c.state.PayloadType.Get()

	c.state.Seq++
	hdr := rtp.BuildHeader(c.state.Seq, c.state.Timestamp, c.state.SSRC, c.state.MarkerPending, pt)
	if _, err := c.conn.WriteTo(rtp.Packet(hdr, frame), addr); err != nil {
		c.log.Debug("rtp write failed", "seq", c.state.Seq, "err", err)
	} else {
		c.stats.PacketsSent++
		c.metrics.PacketsSent.Add(context.Background(), 1)
	}
	c.state.Timestamp += rtp.FrameSamples
	c.state.MarkerPending = false
}

// drained moves a speaking call back to listening or idle.
func (c *Call) drained() {
	if c.state.Phase != PhaseSpeaking {
		return
	}
	c.state.Phase = c.restingPhase()
	c.log.Debug("turn drained", "phase", c.state.Phase.String())
}

// stop halts the pacer and discards queued frames. Safe to call repeatedly.
func (c *Call) stop() {
	if c.pacer != nil {
		c.pacer.Stop()
		c.pacer = nil
	}
	c.state.Queue = nil
}
