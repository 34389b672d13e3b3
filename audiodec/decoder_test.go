package audiodec

import (
	"math"
	"testing"

	"mirrorcore/sdriver"
)

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

// TestRawDecoderCodecIDAndThreePacketsScenario is the literal end-to-end
// scenario: codec-id "raw\0" followed by three packets of
// pts=k*1000, payload=[0x00,0x00,0x00,0x40].
func TestRawDecoderCodecIDAndThreePacketsScenario(t *testing.T) {
	t.Parallel()
	dec, err := NewAudioDecoder(sdriver.AudioCodecRaw)
	if err != nil {
		t.Fatalf("NewAudioDecoder: %v", err)
	}
	if err := dec.Initialize(48000, 2); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var deliveries [][]float32
	dec.SetOnDecodedAudio(func(pcm []float32, pts int64, format OutputFormat) {
		deliveries = append(deliveries, pcm)
	})

	payload := []byte{0x00, 0x00, 0x00, 0x40}
	for k := int64(0); k < 3; k++ {
		if err := dec.Decode(payload, k*1000, false); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}

	if len(deliveries) != 3 {
		t.Fatalf("got %d deliveries, want 3", len(deliveries))
	}
	for i, pcm := range deliveries {
		if len(pcm) != 2 {
			t.Fatalf("delivery %d has %d samples, want 2", i, len(pcm))
		}
		if !approxEqual(pcm[0], 0) {
			t.Errorf("delivery %d sample 0 = %v, want 0", i, pcm[0])
		}
		if !approxEqual(pcm[1], 0.001953125) {
			t.Errorf("delivery %d sample 1 = %v, want 0.001953125", i, pcm[1])
		}
	}
}

func TestRawDecoderRejectsMisalignedPayload(t *testing.T) {
	t.Parallel()
	dec := NewRawDecoder()
	dec.Initialize(48000, 2)
	if err := dec.Decode([]byte{0x00, 0x01, 0x02}, 0, false); err == nil {
		t.Fatal("expected error for payload not a multiple of 2*channels")
	}
}

func TestNewAudioDecoderRejectsFLAC(t *testing.T) {
	t.Parallel()
	if _, err := NewAudioDecoder(sdriver.AudioCodecFLAC); err == nil {
		t.Fatal("expected ErrUnsupportedCodec for FLAC")
	}
}

func TestAACDecoderParsesAudioSpecificConfig(t *testing.T) {
	t.Parallel()
	// objectType=2 (AAC-LC), sampleRateIndex=3 (48000), channelConfig=2 (stereo).
	// bits: 00010 0011 0010 -> byte0 = 00010 001 = 0x11, byte1 = 1 0010 xxx -> 0x90
	asc := []byte{0x11, 0x90}

	dec := NewAACDecoder()
	if err := dec.ProcessConfigPacket(asc); err != nil {
		t.Fatalf("ProcessConfigPacket: %v", err)
	}
	if dec.objectType != 2 {
		t.Errorf("objectType = %d, want 2", dec.objectType)
	}
	if dec.sampleRateIx != 3 {
		t.Errorf("sampleRateIx = %d, want 3", dec.sampleRateIx)
	}
	if dec.channelCfg != 2 {
		t.Errorf("channelCfg = %d, want 2", dec.channelCfg)
	}
	format := dec.OutputFormat()
	if format.SampleRate != 48000 || format.Channels != 2 {
		t.Errorf("format = %+v, want 48000/2", format)
	}
	if len(dec.ConfigCookie()) == 0 {
		t.Error("expected a non-empty config cookie after processing ASC")
	}
}

func TestAACDecoderWithoutBackendReturnsError(t *testing.T) {
	t.Parallel()
	dec := NewAACDecoder()
	dec.ProcessConfigPacket([]byte{0x11, 0x90})
	if err := dec.Decode([]byte{1, 2, 3}, 0, false); err != ErrNoBitstreamDecoder {
		t.Fatalf("err = %v, want ErrNoBitstreamDecoder", err)
	}
}

func TestAACDecoderWiresPayloadThroughADTSFramedBackend(t *testing.T) {
	t.Parallel()
	dec := NewAACDecoder()
	dec.ProcessConfigPacket([]byte{0x11, 0x90})

	var gotLen int
	dec.SetBitstreamDecoder(func(framed []byte, format OutputFormat) ([]float32, error) {
		gotLen = len(framed)
		return []float32{0.1, 0.2}, nil
	})

	var delivered []float32
	dec.SetOnDecodedAudio(func(pcm []float32, pts int64, format OutputFormat) {
		delivered = pcm
	})

	payload := []byte{1, 2, 3, 4, 5}
	if err := dec.Decode(payload, 0, false); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotLen != len(payload)+7 {
		t.Errorf("framed length = %d, want %d (7-byte ADTS header + payload)", gotLen, len(payload)+7)
	}
	if len(delivered) != 2 {
		t.Errorf("delivered = %v, want 2 samples", delivered)
	}
}

func TestOpusDecoderConfigCookieMatchesTeacherShape(t *testing.T) {
	t.Parallel()
	dec := NewOpusDecoder()
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := dec.ProcessConfigPacket(payload); err != nil {
		t.Fatalf("ProcessConfigPacket: %v", err)
	}
	cookie := dec.ConfigCookie()
	if string(cookie[:7]) != "AOPUSHC" {
		t.Fatalf("cookie magic = %q, want AOPUSHC", cookie[:7])
	}
	if len(cookie) != 7+8+len(payload) {
		t.Errorf("cookie length = %d, want %d", len(cookie), 7+8+len(payload))
	}
}
