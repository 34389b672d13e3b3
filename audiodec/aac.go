package audiodec

import "fmt"

// aacSampleRates is the fixed 13-entry table AudioSpecificConfig's
// samplingFrequencyIndex selects into (indices 13/14 are reserved, 15 means
// an explicit 24-bit rate follows and is not handled here).
var aacSampleRates = [13]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// AACDecoder parses AudioSpecificConfig out of the one-time config packet
// and wraps subsequent raw AAC frames in an ADTS header before handing them
// to a bitstream backend, so the backend never needs the original ASC as
// out-of-band extradata.
type AACDecoder struct {
	format       OutputFormat
	objectType   int
	sampleRateIx int
	channelCfg   int
	cookie       []byte
	backend      BitstreamDecoder
	onFrame      func(pcm []float32, pts int64, format OutputFormat)
}

// NewAACDecoder constructs an AACDecoder; ProcessConfigPacket must be called
// with the stream's AudioSpecificConfig before the first Decode.
func NewAACDecoder() *AACDecoder {
	return &AACDecoder{format: OutputFormat{SampleRate: 48000, Channels: 2}}
}

// SetBitstreamDecoder attaches the backend Decode delegates the ADTS-framed
// payload to. Without one, Decode returns ErrNoBitstreamDecoder.
func (d *AACDecoder) SetBitstreamDecoder(backend BitstreamDecoder) {
	d.backend = backend
}

func (d *AACDecoder) Initialize(sampleRate, channels int) error {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	d.format = OutputFormat{SampleRate: sampleRate, Channels: channels}
	return nil
}

// ProcessConfigPacket parses the first two bytes of an AudioSpecificConfig:
// audioObjectType (bits 7-3 of byte 0), samplingFrequencyIndex (the
// remaining 3 bits of byte 0 plus the high bit of byte 1), and
// channelConfiguration (bits 6-3 of byte 1). Builds the config cookie from
// the raw ASC bytes, matching the AOPUSHC convention generalized to AAC.
func (d *AACDecoder) ProcessConfigPacket(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("audiodec: aac config packet too short (%d bytes)", len(payload))
	}
	d.objectType = int(payload[0] >> 3)
	d.sampleRateIx = int(((payload[0] & 0x07) << 1) | (payload[1] >> 7))
	d.channelCfg = int((payload[1] >> 3) & 0x0F)

	if d.sampleRateIx < len(aacSampleRates) {
		d.format.SampleRate = aacSampleRates[d.sampleRateIx]
	}
	if d.channelCfg > 0 {
		d.format.Channels = d.channelCfg
	}
	d.cookie = buildMagicCookie("AACXHC", payload)
	return nil
}

// Decode wraps payload in an ADTS header (so the bitstream backend sees a
// self-describing frame and never needs the original ASC as extradata) and
// hands it to the attached BitstreamDecoder. One call corresponds to one
// ~1024-sample AAC frame.
func (d *AACDecoder) Decode(payload []byte, pts int64, isKey bool) error {
	if d.backend == nil {
		return ErrNoBitstreamDecoder
	}
	adts := adtsHeader(d.objectType, d.sampleRateIx, d.channelCfg, len(payload))
	framed := append(adts, payload...)
	pcm, err := d.backend(framed, d.format)
	if err != nil {
		return fmt.Errorf("audiodec: aac decode: %w", err)
	}
	if d.onFrame != nil {
		d.onFrame(pcm, pts, d.format)
	}
	return nil
}

func (d *AACDecoder) Reset() {
	d.cookie = nil
}

func (d *AACDecoder) OutputFormat() OutputFormat { return d.format }

func (d *AACDecoder) ConfigCookie() []byte { return d.cookie }

func (d *AACDecoder) SetOnDecodedAudio(fn func(pcm []float32, pts int64, format OutputFormat)) {
	d.onFrame = fn
}

// adtsHeader builds a 7-byte ADTS header (no CRC) for one AAC frame.
func adtsHeader(objectType, sampleRateIx, channelCfg, payloadLen int) []byte {
	if objectType <= 0 {
		objectType = 2 // AAC-LC
	}
	profile := objectType - 1
	frameLen := 7 + payloadLen

	h := make([]byte, 7)
	h[0] = 0xFF
	h[1] = 0xF1 // MPEG-4, layer 0, protection absent
	h[2] = byte(profile<<6) | byte(sampleRateIx<<2) | byte((channelCfg>>2)&0x01)
	h[3] = byte((channelCfg&0x03)<<6) | byte((frameLen>>11)&0x03)
	h[4] = byte((frameLen >> 3) & 0xFF)
	h[5] = byte((frameLen&0x07)<<5) | 0x1F
	h[6] = 0xFC
	return h
}
