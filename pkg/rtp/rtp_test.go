package rtp_test

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	pionrtp "github.com/pion/rtp"

	"github.com/MrWong99/rtpbridge/pkg/rtp"
)

// join concatenates frames followed by rest.
func join(frames []rtp.Frame, rest []byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	buf.Write(rest)
	return buf.Bytes()
}

func pattern(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + seed)
	}
	return b
}

func TestSplit_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		residual    int
		chunk       int
		wantFrames  int
		wantRestLen int
	}{
		{"empty", 0, 0, 0, 0},
		{"sub-frame", 0, 50, 0, 50},
		{"exact frame", 0, 160, 1, 0},
		{"frame plus tail", 0, 170, 1, 10},
		{"residual completes frame", 100, 60, 1, 0},
		{"residual only", 30, 0, 0, 30},
		{"many frames", 10, 800, 5, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			residual := pattern(tc.residual, 1)
			chunk := pattern(tc.chunk, 2)

			frames, rest := rtp.Split(residual, chunk)
			if len(frames) != tc.wantFrames {
				t.Errorf("frames = %d, want %d", len(frames), tc.wantFrames)
			}
			if len(rest) != tc.wantRestLen {
				t.Errorf("rest = %d bytes, want %d", len(rest), tc.wantRestLen)
			}
			for i, f := range frames {
				if len(f) != rtp.FrameBytes {
					t.Errorf("frame %d has %d bytes", i, len(f))
				}
			}
			want := append(append([]byte{}, residual...), chunk...)
			if got := join(frames, rest); !bytes.Equal(got, want) {
				t.Error("frames + rest do not reproduce residual + chunk")
			}
		})
	}
}

func TestSplit_LosslessAcrossRandomChunks(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(42, 7))

	for round := range 50 {
		var (
			input    []byte
			output   []byte
			residual []byte
		)
		chunks := 1 + r.IntN(40)
		for c := range chunks {
			chunk := pattern(r.IntN(700), round+c)
			input = append(input, chunk...)

			var frames []rtp.Frame
			frames, residual = rtp.Split(residual, chunk)
			for _, f := range frames {
				if len(f) != rtp.FrameBytes {
					t.Fatalf("round %d: short frame of %d bytes", round, len(f))
				}
				output = append(output, f...)
			}
			if len(residual) >= rtp.FrameBytes {
				t.Fatalf("round %d: residual %d bytes is not shorter than a frame", round, len(residual))
			}
		}
		output = append(output, residual...)
		if !bytes.Equal(output, input) {
			t.Fatalf("round %d: emitted bytes differ from input", round)
		}
	}
}

// TestSplit_ImmediateSuccession feeds 50, 70 and 300 byte chunks back to back
// and checks conservation of every byte through the residual.
func TestSplit_ImmediateSuccession(t *testing.T) {
	t.Parallel()

	var (
		input    []byte
		output   []byte
		residual []byte
		total    int
	)
	for i, n := range []int{50, 70, 300} {
		chunk := pattern(n, i)
		input = append(input, chunk...)
		var frames []rtp.Frame
		frames, residual = rtp.Split(residual, chunk)
		total += len(frames)
		for _, f := range frames {
			output = append(output, f...)
		}
	}
	if want := len(input) / rtp.FrameBytes; total != want {
		t.Errorf("frames = %d, want %d", total, want)
	}
	if want := len(input) % rtp.FrameBytes; len(residual) != want {
		t.Errorf("residual = %d bytes, want %d", len(residual), want)
	}
	if !bytes.Equal(append(output, residual...), input) {
		t.Error("round trip lost bytes")
	}
}

func TestSplit_DoesNotAliasInput(t *testing.T) {
	t.Parallel()
	chunk := pattern(rtp.FrameBytes+5, 3)
	frames, rest := rtp.Split(nil, chunk)
	chunk[0] = ^chunk[0]
	chunk[rtp.FrameBytes] = ^chunk[rtp.FrameBytes]
	if frames[0][0] == chunk[0] {
		t.Error("frame aliases input chunk")
	}
	if rest[0] == chunk[rtp.FrameBytes] {
		t.Error("rest aliases input chunk")
	}
}

func TestPad_FillsWithSilence(t *testing.T) {
	t.Parallel()
	f := rtp.Pad([]byte{1, 2, 3})
	if len(f) != rtp.FrameBytes {
		t.Fatalf("len = %d, want %d", len(f), rtp.FrameBytes)
	}
	if f[0] != 1 || f[1] != 2 || f[2] != 3 {
		t.Errorf("prefix = %v, want [1 2 3]", f[:3])
	}
	for i := 3; i < len(f); i++ {
		if f[i] != rtp.SilenceByte {
			t.Fatalf("byte %d = %#x, want %#x", i, f[i], rtp.SilenceByte)
		}
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()
	if got := rtp.Silence(0); got != nil {
		t.Errorf("Silence(0) = %v, want nil", got)
	}
	frames := rtp.Silence(3)
	if len(frames) != 3 {
		t.Fatalf("len = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f) != rtp.FrameBytes {
			t.Errorf("frame %d len = %d", i, len(f))
		}
		if !bytes.Equal(f, bytes.Repeat([]byte{rtp.SilenceByte}, rtp.FrameBytes)) {
			t.Errorf("frame %d is not silence", i)
		}
	}
	// Frames must not share capacity: appending to one must not clobber the next.
	_ = append(frames[0], 0x00)
	if frames[1][0] != rtp.SilenceByte {
		t.Error("appending to frame 0 overwrote frame 1")
	}
}

func TestBuildHeader_WireLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		seq    uint16
		ts     uint32
		ssrc   uint32
		marker bool
		pt     uint8
		want   [rtp.HeaderLen]byte
	}{
		{
			name: "pcmu no marker",
			seq:  1, ts: 0, ssrc: 0x01020304, pt: 0,
			want: [12]byte{0x80, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0x01, 0x02, 0x03, 0x04},
		},
		{
			name: "marker set",
			seq:  0xABCD, ts: 0xDEADBEEF, ssrc: 0xCAFEBABE, marker: true, pt: 0,
			want: [12]byte{0x80, 0x80, 0xAB, 0xCD, 0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE},
		},
		{
			name: "payload type masked to 7 bits",
			seq:  0, ts: 160, ssrc: 0, pt: 0xFF,
			want: [12]byte{0x80, 0x7F, 0, 0, 0, 0, 0, 0xA0, 0, 0, 0, 0},
		},
		{
			name: "dynamic payload type with marker",
			seq:  65535, ts: 1, ssrc: 9, marker: true, pt: 96,
			want: [12]byte{0x80, 0x80 | 96, 0xFF, 0xFF, 0, 0, 0, 1, 0, 0, 0, 9},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := rtp.BuildHeader(tc.seq, tc.ts, tc.ssrc, tc.marker, tc.pt)
			if got != tc.want {
				t.Errorf("BuildHeader = % x\n want % x", got, tc.want)
			}
			if again := rtp.BuildHeader(tc.seq, tc.ts, tc.ssrc, tc.marker, tc.pt); again != got {
				t.Error("BuildHeader is not deterministic")
			}
		})
	}
}

func TestBuildHeader_InteropWithPion(t *testing.T) {
	t.Parallel()
	hdr := rtp.BuildHeader(4242, 320, 77, true, 8)
	pkt := rtp.Packet(hdr, rtp.Silence(1)[0])

	var p pionrtp.Packet
	if err := p.Unmarshal(pkt); err != nil {
		t.Fatalf("pion Unmarshal: %v", err)
	}
	if p.Version != 2 || !p.Marker || p.PayloadType != 8 ||
		p.SequenceNumber != 4242 || p.Timestamp != 320 || p.SSRC != 77 {
		t.Errorf("pion decoded %+v", p.Header)
	}
	if len(p.Payload) != rtp.FrameBytes {
		t.Errorf("payload = %d bytes, want %d", len(p.Payload), rtp.FrameBytes)
	}
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	hdr := rtp.BuildHeader(7, 1600, 0x11223344, true, 0)
	payload := pattern(rtp.FrameBytes, 9)
	pkt := rtp.Packet(hdr, payload)

	h, got, err := rtp.ParseHeader(pkt)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	want := rtp.Header{Marker: true, PayloadType: 0, SequenceNumber: 7, Timestamp: 1600, SSRC: 0x11223344}
	if h != want {
		t.Errorf("header = %+v, want %+v", h, want)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
}

func TestParseHeader_ShortPackets(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 11, 12} {
		_, _, err := rtp.ParseHeader(make([]byte, n))
		if !errors.Is(err, rtp.ErrShortPacket) {
			t.Errorf("len %d: err = %v, want ErrShortPacket", n, err)
		}
	}
	if _, p, err := rtp.ParseHeader(make([]byte, 13)); err != nil || len(p) != 1 {
		t.Errorf("len 13: payload %d bytes, err %v; want 1 byte, nil", len(p), err)
	}
}
