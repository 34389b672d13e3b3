package videostream

import "mirrorcore/sdriver"

// NALType is the codec-specific NAL unit type tag extracted from the first
// byte (H.264) or first two bytes (H.265).
type NALType int

const (
	NALTypeVCL           NALType = iota // picture data
	NALTypeSPS
	NALTypePPS
	NALTypeVPS
	NALTypeOther // SEI, AUD, filler, etc. - never decoded
)

// Unit is a single whole NAL unit produced by Parser.Append. Every Unit the
// parser emits is complete: no partial tails.
type Unit struct {
	Type      NALType
	IsVCL     bool
	IsKeyUnit bool
	Data      []byte // raw NAL bytes, no start code, no length prefix
	PTS       int64  // microseconds, 0 for legacy-raw framing
}

func classifyH264(nal []byte) (NALType, bool) {
	if len(nal) == 0 {
		return NALTypeOther, false
	}
	switch nal[0] & 0x1F {
	case 7:
		return NALTypeSPS, false
	case 8:
		return NALTypePPS, false
	case 1, 5:
		return NALTypeVCL, nal[0]&0x1F == 5
	default:
		return NALTypeOther, false
	}
}

func classifyH265(nal []byte) (NALType, bool) {
	if len(nal) == 0 {
		return NALTypeOther, false
	}
	naluType := (nal[0] >> 1) & 0x3F
	switch {
	case naluType == 32:
		return NALTypeVPS, false
	case naluType == 33:
		return NALTypeSPS, false
	case naluType == 34:
		return NALTypePPS, false
	case naluType <= 31:
		isKey := naluType == 19 || naluType == 20 || naluType == 21
		return NALTypeVCL, isKey
	default:
		return NALTypeOther, false
	}
}

// ParameterSetCache holds exactly one current SPS/PPS/(VPS for H.265).
// Owned exclusively by the network worker thread that drives the parser;
// never shared across goroutines.
type ParameterSetCache struct {
	SPS, PPS, VPS []byte
}

// HasComplete reports whether the parameter sets required by codec are all
// present (H.264: SPS+PPS; H.265: VPS+SPS+PPS).
func (c *ParameterSetCache) HasComplete(codec sdriver.VideoCodec) bool {
	if c.SPS == nil || c.PPS == nil {
		return false
	}
	if codec == sdriver.VideoCodecH265 && c.VPS == nil {
		return false
	}
	return true
}

func (c *ParameterSetCache) reset() {
	c.SPS, c.PPS, c.VPS = nil, nil, nil
}
