package videodec

import (
	"fmt"
	"time"

	"github.com/giorgisio/goav/avcodec"
	"github.com/giorgisio/goav/avutil"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// FFmpegDecoder wraps libavcodec's H.264/H.265 decoders via goav, grounded
// on other_examples/cowby123-scrcpy__decoder.go's Send/ReceivePacket call
// sequence. Parameter sets are fed as ordinary Annex-B NAL units ahead of
// the first VCL unit rather than via out-of-band extradata: libavcodec's
// Annex-B H.264/H.265 decoders parse inline SPS/PPS/VPS from the bitstream
// itself, so no extradata-setter API (never demonstrated anywhere in the
// retrieved examples) is needed.
type FFmpegDecoder struct {
	codecID  avcodec.CodecId
	codecCtx *avcodec.Context
	frame    *avutil.Frame
	ready    bool
	onFrame  func(Frame)
}

// NewFFmpegDecoder constructs an unopened decoder; call InitializeH264 or
// InitializeH265 before Decode.
func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{}
}

func (d *FFmpegDecoder) InitializeH264(sps, pps []byte) error {
	if err := d.open(avcodec.AV_CODEC_ID_H264); err != nil {
		return err
	}
	return d.primeParameterSets(sps, pps, nil)
}

func (d *FFmpegDecoder) InitializeH265(vps, sps, pps []byte) error {
	if err := d.open(avcodec.AV_CODEC_ID_HEVC); err != nil {
		return err
	}
	return d.primeParameterSets(sps, pps, vps)
}

func (d *FFmpegDecoder) open(id avcodec.CodecId) error {
	d.Reset()
	codec := avcodec.AvcodecFindDecoder(id)
	if codec == nil {
		return fmt.Errorf("%w: no decoder registered for codec id %v", ErrInitializationFailed, id)
	}
	ctx := codec.AvcodecAllocContext3()
	if ctx == nil {
		return fmt.Errorf("%w: could not allocate codec context", ErrInitializationFailed)
	}
	if ctx.AvcodecOpen2(codec, nil) < 0 {
		return fmt.Errorf("%w: avcodec_open2 failed", ErrInitializationFailed)
	}
	d.codecID = id
	d.codecCtx = ctx
	d.frame = avutil.AvFrameAlloc()
	return nil
}

// primeParameterSets feeds SPS/PPS/VPS through the decoder ahead of any VCL
// unit; no decoded frame is expected from these.
func (d *FFmpegDecoder) primeParameterSets(sps, pps, vps []byte) error {
	if vps != nil {
		if err := d.decodeOne(vps); err != nil {
			return fmt.Errorf("%w: priming vps: %v", ErrInitializationFailed, err)
		}
	}
	if err := d.decodeOne(sps); err != nil {
		return fmt.Errorf("%w: priming sps: %v", ErrInitializationFailed, err)
	}
	if err := d.decodeOne(pps); err != nil {
		return fmt.Errorf("%w: priming pps: %v", ErrInitializationFailed, err)
	}
	d.ready = true
	return nil
}

func (d *FFmpegDecoder) IsReady() bool { return d.ready && d.codecCtx != nil }

// Decode feeds one VCL NAL unit. IsReady gates input.
func (d *FFmpegDecoder) Decode(nal []byte) error {
	if !d.IsReady() {
		return ErrNotReady
	}
	if err := d.decodeOne(nal); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}

// decodeOne prepends an Annex-B start code, sends the resulting packet, and
// delivers a Frame to onFrame whenever the decoder produces one.
func (d *FFmpegDecoder) decodeOne(nal []byte) error {
	buf := append(append([]byte{}, startCode...), nal...)

	pkt := avcodec.AvPacketAlloc()
	pkt.AvInitPacket()
	pkt.SetData(buf)
	pkt.SetSize(len(buf))

	if ret := avcodec.AvcodecSendPacket(d.codecCtx, pkt); ret < 0 {
		return fmt.Errorf("avcodec_send_packet returned %d", ret)
	}
	if ret := avcodec.AvcodecReceiveFrame(d.codecCtx, d.frame); ret == 0 {
		if d.onFrame != nil {
			d.onFrame(Frame{
				Width:     d.codecCtx.Width(),
				Height:    d.codecCtx.Height(),
				PixelData: d.frame,
				WallTime:  time.Now(),
			})
		}
	}
	return nil
}

// Reset destroys the decoder state; used on SPS change.
func (d *FFmpegDecoder) Reset() {
	d.codecCtx = nil
	d.frame = nil
	d.ready = false
}

func (d *FFmpegDecoder) SetOnDecodedFrame(fn func(Frame)) {
	d.onFrame = fn
}
