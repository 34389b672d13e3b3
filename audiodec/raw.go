package audiodec

import (
	"encoding/binary"
	"fmt"
)

// RawDecoder converts an uncompressed PCM payload to interleaved Float32.
// No bitstream library needed: this is the one variant that is pure
// arithmetic over the wire bytes. Samples are read most-significant-byte-first.
type RawDecoder struct {
	format  OutputFormat
	onFrame func(pcm []float32, pts int64, format OutputFormat)
}

// NewRawDecoder constructs a RawDecoder; call Initialize before Decode.
func NewRawDecoder() *RawDecoder {
	return &RawDecoder{format: OutputFormat{SampleRate: 48000, Channels: 2}}
}

func (d *RawDecoder) Initialize(sampleRate, channels int) error {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	d.format = OutputFormat{SampleRate: sampleRate, Channels: channels}
	return nil
}

// ProcessConfigPacket is a no-op for RAW: there is no codec-specific
// configuration to apply.
func (d *RawDecoder) ProcessConfigPacket(payload []byte) error { return nil }

// Decode converts payload's 16-bit samples to interleaved Float32 by
// dividing by 32768. payload's length must be a multiple of 2*channels.
func (d *RawDecoder) Decode(payload []byte, pts int64, isKey bool) error {
	frame := 2 * d.format.Channels
	if frame == 0 || len(payload)%frame != 0 {
		return fmt.Errorf("audiodec: raw payload length %d not a multiple of %d", len(payload), frame)
	}
	n := len(payload) / 2
	pcm := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := binary.BigEndian.Uint16(payload[i*2 : i*2+2])
		pcm[i] = float32(int16(sample)) / 32768
	}
	if d.onFrame != nil {
		d.onFrame(pcm, pts, d.format)
	}
	return nil
}

func (d *RawDecoder) Reset() {}

func (d *RawDecoder) OutputFormat() OutputFormat { return d.format }

// ConfigCookie is empty for RAW: there is no config blob to hand a platform
// sink.
func (d *RawDecoder) ConfigCookie() []byte { return nil }

func (d *RawDecoder) SetOnDecodedAudio(fn func(pcm []float32, pts int64, format OutputFormat)) {
	d.onFrame = fn
}

// SetBitstreamDecoder is a no-op for RAW: there is no bitstream to decode.
func (d *RawDecoder) SetBitstreamDecoder(BitstreamDecoder) {}
