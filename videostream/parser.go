// Package videostream extracts NAL units from the scrcpy video connection,
// classifies them, tracks the current parameter sets, and raises a
// change notification when a new SPS differs from the cached one (device
// rotation, resolution change). Grounded on the teacher's
// sdriver/scrcpy/h264.go and h265.go NAL splitting, generalized from
// driver-embedded logic into a standalone, session-agnostic parser.
package videostream

import (
	"bytes"
	"encoding/binary"

	"mirrorcore/sdriver"
)

var startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
var startCode3 = []byte{0x00, 0x00, 0x01}

// Parser incrementally extracts NAL units from a growing byte stream.
// Not safe for concurrent use: it is driven exclusively by the network
// worker.
type Parser struct {
	codec   sdriver.VideoCodec
	framing sdriver.Framing

	// buf holds bytes not yet resolved into complete NAL units (Annex-B
	// mode) or a complete packet header+payload (metadata-framing mode).
	buf []byte

	cache ParameterSetCache

	// lastIDR caches the most recently seen key-frame VCL unit, for the
	// cached-keyframe fast path (replaying a keyframe to a late-joining
	// consumer without waiting on the device encoder).
	lastIDR []byte

	// OnSPSChanged, when set, is invoked synchronously from Append whenever
	// a new SPS differs byte-for-byte from the cached one.
	OnSPSChanged func(newSPS []byte)
}

// NewParser constructs a Parser for the given codec and framing mode. The
// framing mode is fixed for the parser's lifetime: metadata and legacy-raw
// framing are never mixed within one session.
func NewParser(codec sdriver.VideoCodec, framing sdriver.Framing) *Parser {
	return &Parser{codec: codec, framing: framing}
}

// HasCompleteParameterSets reports whether the codec's required parameter
// sets (SPS+PPS, or VPS+SPS+PPS for H.265) are all cached.
func (p *Parser) HasCompleteParameterSets() bool {
	return p.cache.HasComplete(p.codec)
}

// ParameterSets returns the currently cached VPS/SPS/PPS (VPS nil for H.264).
func (p *Parser) ParameterSets() (vps, sps, pps []byte) {
	return p.cache.VPS, p.cache.SPS, p.cache.PPS
}

// Reset clears the buffer and parameter-set cache but keeps the configured
// codec and framing mode.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.cache.reset()
	p.lastIDR = nil
}

// LastIDR returns the most recently cached key-frame VCL unit, or nil if
// none has been seen yet.
func (p *Parser) LastIDR() []byte {
	return p.lastIDR
}

// Append feeds newly-arrived bytes and returns every NAL unit that became
// complete as a result, in stream order. Bytes may be split arbitrarily
// across calls; no unit is ever returned before its terminating boundary
// is present in the accumulated buffer.
func (p *Parser) Append(data []byte) []Unit {
	p.buf = append(p.buf, data...)
	if p.framing == sdriver.FramingLegacyRaw {
		return p.drainAnnexB()
	}
	return p.drainFramedPackets()
}

// drainAnnexB handles FramingLegacyRaw: the whole connection is one
// concatenated Annex-B stream with no per-packet header.
func (p *Parser) drainAnnexB() []Unit {
	var units []Unit
	for {
		start, hdrLen := findStartCode(p.buf, 0)
		if start == -1 {
			return units
		}
		next, nextHdrLen := findStartCode(p.buf, start+hdrLen)
		if next == -1 {
			// Last NAL's terminator is not yet known; keep everything from
			// `start` onward buffered until more bytes arrive.
			if start > 0 {
				p.buf = p.buf[start:]
			}
			return units
		}
		nal := p.buf[start+hdrLen : next]
		units = append(units, p.classifyAndCache(nal, 0)...)
		p.buf = p.buf[next:]
		_ = nextHdrLen
	}
}

// drainFramedPackets handles FramingMetadata: scrcpy's
// [8B PTS+flags][4B size][payload] per access unit; the payload itself may
// contain several Annex-B NAL units concatenated (SPS+PPS+IDR in one AU).
func (p *Parser) drainFramedPackets() []Unit {
	var units []Unit
	for {
		if len(p.buf) < 12 {
			return units
		}
		size := binary.BigEndian.Uint32(p.buf[8:12])
		total := 12 + int(size)
		if len(p.buf) < total {
			return units
		}
		ptsAndFlags := binary.BigEndian.Uint64(p.buf[0:8])
		pts := int64(ptsAndFlags & 0x3FFFFFFFFFFFFFFF)
		payload := p.buf[12:total]

		for _, nal := range splitAnnexB(payload) {
			units = append(units, p.classifyAndCache(nal, pts)...)
		}
		p.buf = p.buf[total:]
	}
}

// splitAnnexB splits a complete, self-contained byte slice on Annex-B start
// codes. Unlike drainAnnexB, every boundary is already known to exist (the
// slice is a complete packet), so no partial tail handling is needed.
func splitAnnexB(payload []byte) [][]byte {
	var nals [][]byte
	pos := 0
	if bytes.HasPrefix(payload, startCode4) {
		pos = 4
	} else if bytes.HasPrefix(payload, startCode3) {
		pos = 3
	}
	total := len(payload)
	for pos < total {
		next, nextLen := findStartCode(payload, pos)
		end := total
		if next != -1 {
			end = next
		}
		if nal := payload[pos:end]; len(nal) > 0 {
			nals = append(nals, nal)
		}
		if next == -1 {
			break
		}
		pos = end + nextLen
	}
	return nals
}

// findStartCode returns the index of the first start code (3- or 4-byte) at
// or after from, and the length of that start code, or (-1, 0) if none.
func findStartCode(buf []byte, from int) (int, int) {
	if from > len(buf) {
		from = len(buf)
	}
	i4 := bytes.Index(buf[from:], startCode4)
	i3 := bytes.Index(buf[from:], startCode3)
	switch {
	case i4 == -1 && i3 == -1:
		return -1, 0
	case i4 == -1:
		return from + i3, 3
	case i3 == -1:
		return from + i4, 4
	case i4 <= i3:
		return from + i4, 4
	default:
		return from + i3, 3
	}
}

// classifyAndCache classifies nal, updates the parameter-set cache, and
// returns the Unit(s) the caller should see for it. SPS/PPS/VPS units are
// still emitted to the caller (so a caller logging raw stream contents
// sees everything) but carry IsVCL=false so decoders filter them out.
func (p *Parser) classifyAndCache(nal []byte, pts int64) []Unit {
	var naluType NALType
	var isKey bool
	if p.codec == sdriver.VideoCodecH265 {
		naluType, isKey = classifyH265(nal)
	} else {
		naluType, isKey = classifyH264(nal)
	}

	switch naluType {
	case NALTypeSPS:
		changed := !bytes.Equal(p.cache.SPS, nal)
		p.cache.SPS = append([]byte(nil), nal...)
		if changed && p.OnSPSChanged != nil {
			p.OnSPSChanged(p.cache.SPS)
		}
	case NALTypePPS:
		p.cache.PPS = append([]byte(nil), nal...)
	case NALTypeVPS:
		p.cache.VPS = append([]byte(nil), nal...)
	}

	if naluType == NALTypeVCL && isKey {
		p.lastIDR = append([]byte(nil), nal...)
	}

	return []Unit{{
		Type:      naluType,
		IsVCL:     naluType == NALTypeVCL,
		IsKeyUnit: isKey,
		Data:      nal,
		PTS:       pts,
	}}
}

// ParseDimensions extracts width/height from a cached SPS for the parser's
// configured codec. Returns an error if the SPS cannot be parsed (e.g. an
// exotic profile this bit-level parser doesn't fully walk); callers should
// treat that as "dimensions unknown" rather than fatal.
func (p *Parser) ParseDimensions() (Dimensions, error) {
	if p.codec == sdriver.VideoCodecH265 {
		return parseH265SPSDimensions(p.cache.SPS)
	}
	return parseH264SPSDimensions(p.cache.SPS)
}
