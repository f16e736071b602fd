// Package rtp defines the fixed-size G.711 µ-law frame used on the telephony
// leg and the 12-byte RTP header that carries it.
//
// A frame is 20 ms of 8 kHz audio at one byte per sample: exactly
// [FrameBytes] bytes. Audio arriving from the speech model in arbitrarily
// sized chunks is cut into frames with [Split], which hands back the tail
// shorter than a frame so it can be prepended to the next chunk.
//
// Header encoding goes through github.com/pion/rtp so the wire layout matches
// every other RTP stack byte for byte: version 2, no padding, no extension,
// no CSRCs.
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

const (
	// SampleRate is the G.711 clock rate in Hz.
	SampleRate = 8000

	// FrameDurationMs is the duration of a single frame in milliseconds.
	FrameDurationMs = 20

	// FrameSamples is the number of samples in one frame, and the amount the
	// RTP timestamp advances per transmitted frame.
	FrameSamples = SampleRate * FrameDurationMs / 1000

	// FrameBytes is the payload size of a single frame (one byte per sample).
	FrameBytes = FrameSamples

	// HeaderLen is the size of the fixed RTP header without CSRCs or
	// extensions.
	HeaderLen = 12

	// SilenceByte is the µ-law encoding of digital silence.
	SilenceByte = 0xFF

	// PayloadTypeMask selects the payload type bits of header byte 1.
	PayloadTypeMask = 0x7F
)

// ErrShortPacket is returned by [ParseHeader] for datagrams that carry no
// payload beyond the fixed header.
var ErrShortPacket = errors.New("rtp: packet too short")

// Frame is exactly [FrameBytes] bytes of µ-law audio. Frames handed out by
// this package own their backing memory; callers must not modify a frame once
// it has been queued for transmission.
type Frame []byte

// Split cuts residual followed by chunk into complete frames. The bytes that do
// not fill a whole frame are returned as rest (always shorter than
// [FrameBytes]) and should be passed back as residual on the next call.
//
// No input byte is dropped: concatenating the returned frames and rest yields
// residual followed by chunk. Neither frames nor rest alias the inputs.
func Split(residual, chunk []byte) (frames []Frame, rest []byte) {
	total := len(residual) + len(chunk)
	if total == 0 {
		return nil, nil
	}
	data := make([]byte, 0, total)
	data = append(data, residual...)
	data = append(data, chunk...)

	n := total / FrameBytes
	if n > 0 {
		frames = make([]Frame, 0, n)
	}
	off := 0
	for ; off+FrameBytes <= total; off += FrameBytes {
		frames = append(frames, Frame(data[off:off+FrameBytes:off+FrameBytes]))
	}
	if off < total {
		rest = make([]byte, total-off)
		copy(rest, data[off:])
	}
	return frames, rest
}

// Pad returns partial extended to a full frame with [SilenceByte]. partial
// must be shorter than [FrameBytes]; longer input is truncated.
func Pad(partial []byte) Frame {
	f := make(Frame, FrameBytes)
	n := copy(f, partial)
	for i := n; i < FrameBytes; i++ {
		f[i] = SilenceByte
	}
	return f
}

// Silence returns n independent frames of µ-law silence.
func Silence(n int) []Frame {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n*FrameBytes)
	for i := range buf {
		buf[i] = SilenceByte
	}
	frames := make([]Frame, n)
	for i := range frames {
		frames[i] = Frame(buf[i*FrameBytes : (i+1)*FrameBytes : (i+1)*FrameBytes])
	}
	return frames
}

// Header is the subset of RTP header fields the bridge reads from or writes
// to the wire.
type Header struct {
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// BuildHeader encodes the fixed 12-byte RTP header:
//
//	byte 0     0x80 (V=2, P=0, X=0, CC=0)
//	byte 1     marker<<7 | payloadType&0x7F
//	bytes 2-3  sequence number, big-endian
//	bytes 4-7  timestamp, big-endian
//	bytes 8-11 SSRC, big-endian
//
// It is pure and deterministic.
func BuildHeader(seq uint16, ts, ssrc uint32, marker bool, payloadType uint8) [HeaderLen]byte {
	var out [HeaderLen]byte
	h := pionrtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    payloadType & PayloadTypeMask,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           ssrc,
	}
	// A version-2 header without CSRCs or extensions always marshals to
	// exactly HeaderLen bytes, so MarshalTo cannot fail here.
	_, _ = h.MarshalTo(out[:])
	return out
}

// Packet returns header followed by payload in a freshly allocated slice.
func Packet(header [HeaderLen]byte, payload Frame) []byte {
	pkt := make([]byte, HeaderLen+len(payload))
	copy(pkt, header[:])
	copy(pkt[HeaderLen:], payload)
	return pkt
}

// ParseHeader decodes the fixed header of raw and returns the bytes after it.
// Datagrams of [HeaderLen] bytes or fewer yield [ErrShortPacket]. The payload
// is always raw[HeaderLen:]; CSRC lists and extensions are not interpreted and
// stay part of the payload. The returned payload aliases raw.
func ParseHeader(raw []byte) (Header, []byte, error) {
	if len(raw) <= HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(raw))
	}
	h := Header{
		Marker:         raw[1]&0x80 != 0,
		PayloadType:    raw[1] & PayloadTypeMask,
		SequenceNumber: binary.BigEndian.Uint16(raw[2:4]),
		Timestamp:      binary.BigEndian.Uint32(raw[4:8]),
		SSRC:           binary.BigEndian.Uint32(raw[8:12]),
	}
	return h, raw[HeaderLen:], nil
}
