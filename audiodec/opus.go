package audiodec

import "fmt"

// OpusDecoder builds the AOPUSHC config cookie exactly as the teacher's
// sdriver/scrcpy/opus.go GenerateWebRTCFrameOpus does for its config-frame
// branch, and delegates ordinary packets to a bitstream backend: unlike
// AAC, an Opus packet is self-describing and needs no header wrapping.
type OpusDecoder struct {
	format  OutputFormat
	cookie  []byte
	backend BitstreamDecoder
	onFrame func(pcm []float32, pts int64, format OutputFormat)
}

// NewOpusDecoder constructs an OpusDecoder defaulting to 48kHz stereo, the
// rate scrcpy's agent always encodes Opus at.
func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{format: OutputFormat{SampleRate: 48000, Channels: 2}}
}

// SetBitstreamDecoder attaches the backend Decode delegates raw Opus
// packets to. Without one, Decode returns ErrNoBitstreamDecoder.
func (d *OpusDecoder) SetBitstreamDecoder(backend BitstreamDecoder) {
	d.backend = backend
}

func (d *OpusDecoder) Initialize(sampleRate, channels int) error {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	d.format = OutputFormat{SampleRate: sampleRate, Channels: channels}
	return nil
}

// ProcessConfigPacket is informational for Opus: the cookie is kept for a
// platform sink that wants it, but the decoder itself does not need it to
// decode subsequent packets.
func (d *OpusDecoder) ProcessConfigPacket(payload []byte) error {
	d.cookie = buildMagicCookie("AOPUSHC", payload)
	return nil
}

func (d *OpusDecoder) Decode(payload []byte, pts int64, isKey bool) error {
	if d.backend == nil {
		return ErrNoBitstreamDecoder
	}
	pcm, err := d.backend(payload, d.format)
	if err != nil {
		return fmt.Errorf("audiodec: opus decode: %w", err)
	}
	if d.onFrame != nil {
		d.onFrame(pcm, pts, d.format)
	}
	return nil
}

func (d *OpusDecoder) Reset() {}

func (d *OpusDecoder) OutputFormat() OutputFormat { return d.format }

func (d *OpusDecoder) ConfigCookie() []byte { return d.cookie }

func (d *OpusDecoder) SetOnDecodedAudio(fn func(pcm []float32, pts int64, format OutputFormat)) {
	d.onFrame = fn
}
