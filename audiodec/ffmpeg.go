package audiodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/giorgisio/goav/avcodec"
	"github.com/giorgisio/goav/avutil"

	"mirrorcore/sdriver"
)

// FFmpegBitstreamDecoder wraps a libavcodec AAC or Opus decoder via goav,
// generalizing videodec.FFmpegDecoder's AvcodecFindDecoder/AvcodecOpen2/
// AvcodecSendPacket/AvcodecReceiveFrame sequence from picture planes to
// sample planes: a self-describing bitstream frame goes in (an ADTS-framed
// AAC frame, or a raw Opus packet) and interleaved Float32 PCM comes out.
type FFmpegBitstreamDecoder struct {
	codecCtx *avcodec.Context
	frame    *avutil.Frame
}

// NewFFmpegBitstreamDecoder opens a libavcodec decoder for codec and returns
// a BitstreamDecoder bound to it. RAW never calls this: it has no bitstream
// to decode.
func NewFFmpegBitstreamDecoder(codec sdriver.AudioCodec) (BitstreamDecoder, error) {
	var id avcodec.CodecId
	switch codec {
	case sdriver.AudioCodecAAC:
		id = avcodec.AV_CODEC_ID_AAC
	case sdriver.AudioCodecOpus:
		id = avcodec.AV_CODEC_ID_OPUS
	default:
		return nil, fmt.Errorf("audiodec: no ffmpeg bitstream decoder for codec %v", codec)
	}

	avcodecCodec := avcodec.AvcodecFindDecoder(id)
	if avcodecCodec == nil {
		return nil, fmt.Errorf("audiodec: no decoder registered for codec id %v", id)
	}
	ctx := avcodecCodec.AvcodecAllocContext3()
	if ctx == nil {
		return nil, fmt.Errorf("audiodec: could not allocate codec context")
	}
	if ctx.AvcodecOpen2(avcodecCodec, nil) < 0 {
		return nil, fmt.Errorf("audiodec: avcodec_open2 failed")
	}

	d := &FFmpegBitstreamDecoder{codecCtx: ctx, frame: avutil.AvFrameAlloc()}
	return d.decode, nil
}

// decode implements the BitstreamDecoder signature. A nil, nil result means
// the decoder is still buffering and produced no frame for this packet,
// which Decode's callers treat as "no samples yet" rather than an error.
func (d *FFmpegBitstreamDecoder) decode(payload []byte, format OutputFormat) ([]float32, error) {
	pkt := avcodec.AvPacketAlloc()
	pkt.AvInitPacket()
	pkt.SetData(payload)
	pkt.SetSize(len(payload))

	if ret := avcodec.AvcodecSendPacket(d.codecCtx, pkt); ret < 0 {
		return nil, fmt.Errorf("avcodec_send_packet returned %d", ret)
	}
	if ret := avcodec.AvcodecReceiveFrame(d.codecCtx, d.frame); ret != 0 {
		return nil, nil
	}

	channels := d.frame.Channels()
	if channels <= 0 {
		channels = format.Channels
	}
	nbSamples := d.frame.NbSamples()
	pcm := make([]float32, nbSamples*channels)

	// libavcodec's native AAC and Opus decoders produce Float32 samples
	// (FLTP planar for AAC, FLT packed for Opus); no other sample format is
	// handled here.
	if d.frame.Format() == int32(avutil.AV_SAMPLE_FMT_FLTP) {
		for ch := 0; ch < channels; ch++ {
			plane := d.frame.Data(ch)
			for i := 0; i < nbSamples; i++ {
				pcm[i*channels+ch] = readFloat32LE(plane, i)
			}
		}
	} else {
		plane := d.frame.Data(0)
		for i := 0; i < nbSamples*channels; i++ {
			pcm[i] = readFloat32LE(plane, i)
		}
	}
	return pcm, nil
}

func readFloat32LE(plane []byte, sampleIndex int) float32 {
	off := sampleIndex * 4
	if off+4 > len(plane) {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(plane[off : off+4]))
}
