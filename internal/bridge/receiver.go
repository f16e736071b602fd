package bridge

import (
	"context"
	"errors"
	"net"

	"github.com/MrWong99/rtpbridge/internal/observe"
	"github.com/MrWong99/rtpbridge/pkg/rtp"
)

// maxDatagram bounds a single RTP read. G.711 packets are 172 bytes; the
// rest is headroom for jumbo packetisation intervals.
const maxDatagram = 2048

// readLoop copies datagrams from the socket into the event loop's channel.
// When the loop falls behind, datagrams are dropped rather than stalling the
// socket. It exits on the first read error and closes the channel.
func (c *Call) readLoop(ctx context.Context) {
	defer close(c.datagrams)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.log.Warn("rtp read failed", "err", err)
			}
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case c.datagrams <- datagram{data: pkt, from: from}:
		case <-ctx.Done():
			return
		default:
			c.metrics.RecordDrop(ctx, observe.DropBacklog)
		}
	}
}

// onDatagram handles one inbound datagram. It is the only writer of the
// learned endpoint and payload type.
func (c *Call) onDatagram(raw []byte, from net.Addr) {
	ctx := context.Background()

	if c.state.Endpoint.Set(from) {
		c.log.Info("learned rtp endpoint", "remote", from.String())
	}

	hdr, payload, err := rtp.ParseHeader(raw)
	if err != nil {
		c.metrics.RecordDrop(ctx, observe.DropShort)
		return
	}

	if c.state.PayloadType.Set(hdr.PayloadType) {
		c.log.Info("learned rtp payload type", "payload_type", hdr.PayloadType)
		c.maybeGreet(c.now())
	}

	c.stats.PacketsReceived++
	if err := c.speech.AppendAudio(payload); err != nil {
		c.log.Debug("inbound audio not forwarded", "bytes", len(payload), "err", err)
		c.metrics.RecordDrop(ctx, observe.DropSpeech)
		return
	}
	c.stats.BytesReceived += uint64(len(payload))
	c.metrics.RecordReceived(ctx, len(payload))

	c.state.Accumulated += len(payload)
	c.state.LastActivity = c.now()
	if c.state.Phase == PhaseIdle {
		c.state.Phase = PhaseListening
	}
}
