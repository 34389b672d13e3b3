package videodec

import "time"

// NullDecoder is a VideoDecoder test double: it records every call it
// receives without touching any real codec, so session-level tests can
// assert on wiring (initialize-before-decode, reset-on-sps-change) without
// needing a working FFmpeg build.
type NullDecoder struct {
	InitCallsH264 [][2][]byte
	InitCallsH265 [][3][]byte
	DecodedNALs   [][]byte
	ResetCount    int
	ready         bool
	onFrame       func(Frame)

	// FailInitialize, when set, makes InitializeH264/H265 return it instead
	// of succeeding.
	FailInitialize error
	// FailDecode, when set, makes Decode return it instead of succeeding.
	FailDecode error
}

func NewNullDecoder() *NullDecoder { return &NullDecoder{} }

func (d *NullDecoder) InitializeH264(sps, pps []byte) error {
	d.InitCallsH264 = append(d.InitCallsH264, [2][]byte{sps, pps})
	if d.FailInitialize != nil {
		return d.FailInitialize
	}
	d.ready = true
	return nil
}

func (d *NullDecoder) InitializeH265(vps, sps, pps []byte) error {
	d.InitCallsH265 = append(d.InitCallsH265, [3][]byte{vps, sps, pps})
	if d.FailInitialize != nil {
		return d.FailInitialize
	}
	d.ready = true
	return nil
}

func (d *NullDecoder) IsReady() bool { return d.ready }

func (d *NullDecoder) Decode(nal []byte) error {
	if !d.ready {
		return ErrNotReady
	}
	if d.FailDecode != nil {
		return d.FailDecode
	}
	d.DecodedNALs = append(d.DecodedNALs, nal)
	if d.onFrame != nil {
		d.onFrame(Frame{WallTime: time.Now()})
	}
	return nil
}

func (d *NullDecoder) Reset() {
	d.ResetCount++
	d.ready = false
}

func (d *NullDecoder) SetOnDecodedFrame(fn func(Frame)) {
	d.onFrame = fn
}
