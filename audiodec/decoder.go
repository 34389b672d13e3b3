// Package audiodec implements the AudioDecoder variants the audio
// connection's payloads are dispatched to: RAW (pure arithmetic, grounded
// directly here), and AAC/OPUS (config-packet and magic-cookie handling
// grounded on the teacher's sdriver/scrcpy/opus.go AOPUSHC framing,
// generalized to both codecs; the final bitstream-to-PCM step for AAC/OPUS
// is delegated to an injectable BitstreamDecoder, the same "platform-
// specific, interface fixed" abstraction already used for VideoDecoder.
// The default BitstreamDecoder, ffmpeg.go's FFmpegBitstreamDecoder, reuses
// videodec.FFmpegDecoder's AvcodecFindDecoder/AvcodecOpen2/AvcodecSendPacket/
// AvcodecReceiveFrame sequence against libavcodec's AAC/Opus decoders,
// reading sample planes off the returned frame instead of picture planes.
package audiodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mirrorcore/sdriver"
)

// OutputFormat describes the interleaved Float32 PCM every variant emits.
type OutputFormat struct {
	SampleRate int
	Channels   int
}

// ErrUnsupportedCodec is returned by NewAudioDecoder for a codec with no
// implemented variant (FLAC).
var ErrUnsupportedCodec = errors.New("audiodec: unsupported codec")

// ErrNoBitstreamDecoder is returned by AAC/OPUS Decode when no
// BitstreamDecoder backend has been attached.
var ErrNoBitstreamDecoder = errors.New("audiodec: no bitstream decoder attached")

// BitstreamDecoder performs the actual codec-specific bitstream-to-PCM
// conversion. AudioDecoder variants that need one (AAC, OPUS) accept it as
// an injected dependency rather than embedding a specific codec library.
type BitstreamDecoder func(payload []byte, format OutputFormat) ([]float32, error)

// AudioDecoder is the common surface every codec variant implements.
type AudioDecoder interface {
	Initialize(sampleRate, channels int) error
	ProcessConfigPacket(payload []byte) error
	Decode(payload []byte, pts int64, isKey bool) error
	Reset()
	OutputFormat() OutputFormat
	ConfigCookie() []byte
	SetOnDecodedAudio(func(pcm []float32, pts int64, format OutputFormat))
	SetBitstreamDecoder(BitstreamDecoder)
}

// NewAudioDecoder selects the variant for codecID. FLAC has no implemented
// variant and returns ErrUnsupportedCodec; callers should treat that as a
// non-fatal, audio-disabled degradation rather than a fatal session error.
func NewAudioDecoder(codecID sdriver.AudioCodec) (AudioDecoder, error) {
	switch codecID {
	case sdriver.AudioCodecRaw:
		return NewRawDecoder(), nil
	case sdriver.AudioCodecAAC:
		return NewAACDecoder(), nil
	case sdriver.AudioCodecOpus:
		return NewOpusDecoder(), nil
	default:
		return nil, fmt.Errorf("audiodec: %w (codec %v)", ErrUnsupportedCodec, codecID)
	}
}

// buildMagicCookie assembles a config-cookie blob in the shape the teacher's
// AOPUSHC construction uses: a fixed ASCII tag, an 8-byte little-endian
// payload length, then the raw payload.
func buildMagicCookie(tag string, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, len(tag)+8+n)
	copy(buf, tag)
	binary.LittleEndian.PutUint64(buf[len(tag):len(tag)+8], uint64(n))
	copy(buf[len(tag)+8:], payload)
	return buf
}
