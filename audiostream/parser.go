// Package audiostream parses the scrcpy audio connection's byte stream into
// discrete audio packets. Grounded on the teacher's scrcpy frame-header
// handling (sdriver/scrcpy/driver.go readScrcpyFrameHeader) and cross-checked
// against other_examples/dosgo-castX__scrcpyReceiver.go's near-identical
// header layout, generalized the same way videostream.Parser generalizes the
// video side: an incremental state machine over a growable buffer instead of
// blocking per-read I/O.
package audiostream

import (
	"encoding/binary"

	"mirrorcore/sdriver"
)

// Packet is one complete audio payload extracted from the stream.
type Packet struct {
	PTS      int64 // microseconds; meaningless when IsConfig
	IsConfig bool
	IsKey    bool
	Payload  []byte
}

type parseState int

const (
	stateNeedCodecID parseState = iota
	stateNeedPacket
)

// Parser implements the two-state machine of the audio connection's framing:
// a one-time 4-byte codec-id prologue, then a stream of
// [8B PTS+flags][4B size][payload] packets identical in shape to the video
// connection's framed mode. Not safe for concurrent use: driven exclusively
// by the audio connection's network worker.
type Parser struct {
	state parseState
	buf   []byte

	codec sdriver.AudioCodec

	// OnCodecID fires exactly once, as soon as the 4-byte prologue is parsed.
	OnCodecID func(codec sdriver.AudioCodec)
	// OnConfigPacket fires for every packet carrying is_config=1 (AAC's
	// AudioSpecificConfig, Opus's header/tags if ever sent this way).
	OnConfigPacket func(payload []byte, codec sdriver.AudioCodec)
	// OnAudioPacket fires for every packet, config or not — callers that want
	// to log or account for raw stream contents see everything.
	OnAudioPacket func(p Packet)
}

// NewParser constructs a Parser expecting the codec-id prologue first.
func NewParser() *Parser {
	return &Parser{state: stateNeedCodecID}
}

// Codec returns the codec identified by the prologue, or AudioCodecUnknown
// before it has been parsed.
func (p *Parser) Codec() sdriver.AudioCodec {
	return p.codec
}

// Append feeds newly-arrived bytes, driving the state machine as far as the
// buffered bytes allow. Bytes may be split arbitrarily across calls: no
// packet is ever emitted before its terminating boundary (header + full
// payload) is present in the accumulated buffer, and a truncated suffix left
// over from one Append is completed by a later one rather than discarded.
func (p *Parser) Append(data []byte) {
	p.buf = append(p.buf, data...)

	if p.state == stateNeedCodecID {
		if len(p.buf) < 4 {
			return
		}
		id := binary.BigEndian.Uint32(p.buf[0:4])
		p.codec = sdriver.CodecIDFromFourCC(id)
		p.buf = p.buf[4:]
		p.state = stateNeedPacket
		if p.OnCodecID != nil {
			p.OnCodecID(p.codec)
		}
	}

	for len(p.buf) >= 12 {
		size := binary.BigEndian.Uint32(p.buf[8:12])
		total := 12 + int(size)
		if len(p.buf) < total {
			return
		}

		ptsAndFlags := binary.BigEndian.Uint64(p.buf[0:8])
		isConfig := ptsAndFlags&(1<<63) != 0
		isKey := ptsAndFlags&(1<<62) != 0
		pts := int64(ptsAndFlags & 0x3FFFFFFFFFFFFFFF)
		payload := append([]byte(nil), p.buf[12:total]...)

		pkt := Packet{PTS: pts, IsConfig: isConfig, IsKey: isKey, Payload: payload}
		if isConfig && p.OnConfigPacket != nil {
			p.OnConfigPacket(payload, p.codec)
		}
		if p.OnAudioPacket != nil {
			p.OnAudioPacket(pkt)
		}

		p.buf = p.buf[total:]
	}
}

// Reset clears buffered bytes and returns the parser to expecting a fresh
// codec-id prologue (used when the audio connection is re-established).
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.state = stateNeedCodecID
	p.codec = sdriver.AudioCodecUnknown
}
