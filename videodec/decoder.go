// Package videodec provides the VideoDecoder abstraction: accepts
// parameter sets and VCL NAL units, outputs decoded frames, reconfigurable
// on SPS change. FFmpegDecoder is the real software backing; a NullDecoder
// test double is provided for session-level tests that don't need a real
// codec.
package videodec

import (
	"errors"
	"time"
)

// ErrInitializationFailed and ErrDecodeFailed are the error conditions a
// VideoDecoder reports, plus ErrNotReady for Decode before initialization;
// wrap with fmt.Errorf for context.
var (
	ErrInitializationFailed = errors.New("videodec: initialization failed")
	ErrDecodeFailed         = errors.New("videodec: decode failed")
	ErrNotReady             = errors.New("videodec: decoder not initialized")
)

// Frame is one decoded image. PixelData is opaque to this package: the
// concrete backing (FFmpeg, platform hardware decoder, ...) decides what it
// holds; callers treat it as an owned handle to move into FramePipeline.
type Frame struct {
	Width, Height int
	PixelData     any
	WallTime      time.Time
}

// VideoDecoder is the fixed contract every backing implements.
type VideoDecoder interface {
	InitializeH264(sps, pps []byte) error
	InitializeH265(vps, sps, pps []byte) error
	IsReady() bool
	Decode(nal []byte) error
	Reset()
	SetOnDecodedFrame(func(Frame))
}
