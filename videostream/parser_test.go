package videostream

import (
	"bytes"
	"testing"

	"mirrorcore/sdriver"
)

func sc(b ...byte) []byte { return append([]byte{0, 0, 0, 1}, b...) }

func TestParserLegacyRawExtractsNALsAcrossArbitrarySplits(t *testing.T) {
	t.Parallel()
	sps := append([]byte{0x67}, bytes.Repeat([]byte{0x01}, 10)...)
	pps := []byte{0x68, 0xCE}
	vcl := append([]byte{0x65}, bytes.Repeat([]byte{0x02}, 20)...)

	full := append(append(sc(sps...), sc(pps...)...), sc(vcl...)...)
	full = append(full, sc(0x09)...) // trailing boundary so the vcl is terminated

	p := NewParser(sdriver.VideoCodecH264, sdriver.FramingLegacyRaw)
	var got []Unit
	// split arbitrarily into 7-byte chunks
	for i := 0; i < len(full); i += 7 {
		end := i + 7
		if end > len(full) {
			end = len(full)
		}
		got = append(got, p.Append(full[i:end])...)
	}

	if len(got) != 3 {
		t.Fatalf("got %d units, want 3: %+v", len(got), got)
	}
	if got[0].Type != NALTypeSPS || !bytes.Equal(got[0].Data, sps) {
		t.Errorf("unit 0 = %+v, want sps", got[0])
	}
	if got[1].Type != NALTypePPS || !bytes.Equal(got[1].Data, pps) {
		t.Errorf("unit 1 = %+v, want pps", got[1])
	}
	if got[2].Type != NALTypeVCL || !bytes.Equal(got[2].Data, vcl) {
		t.Errorf("unit 2 = %+v, want vcl", got[2])
	}
	if !p.HasCompleteParameterSets() {
		t.Errorf("expected complete parameter sets after sps+pps")
	}
}

func TestParserNoUnitEmittedBeforeTerminatingBoundary(t *testing.T) {
	t.Parallel()
	p := NewParser(sdriver.VideoCodecH264, sdriver.FramingLegacyRaw)
	sps := append([]byte{0x67}, bytes.Repeat([]byte{0xAA}, 5)...)
	partial := sc(sps...)

	got := p.Append(partial) // only one NAL's worth, no terminator yet
	if len(got) != 0 {
		t.Fatalf("expected no units before terminating boundary, got %d", len(got))
	}

	// Now complete it with a second NAL's start code.
	got = p.Append(sc(0x08, 0xCE))
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 unit once terminator arrived, got %d", len(got))
	}
	if got[0].Type != NALTypeSPS {
		t.Errorf("unit type = %v, want SPS", got[0].Type)
	}
}

func TestParserSPSChangeFiresOnce(t *testing.T) {
	t.Parallel()
	p := NewParser(sdriver.VideoCodecH264, sdriver.FramingLegacyRaw)
	sps1 := append([]byte{0x67}, bytes.Repeat([]byte{0x01}, 8)...)
	sps2 := append([]byte{0x67}, bytes.Repeat([]byte{0x02}, 8)...)
	pps := []byte{0x68, 0xCE}
	vcl := []byte{0x65, 0x00}

	var changes int
	var lastSPS []byte
	p.OnSPSChanged = func(newSPS []byte) {
		changes++
		lastSPS = append([]byte(nil), newSPS...)
	}

	stream := append(append(sc(sps1...), sc(pps...)...), sc(vcl...)...)
	stream = append(stream, sc(sps2...)...)
	stream = append(stream, sc(pps...)...)
	stream = append(stream, sc(vcl...)...)
	stream = append(stream, sc(0x09)...) // trailing boundary to flush last vcl

	p.Append(stream)

	if changes != 2 {
		t.Fatalf("expected 2 sps-changed notifications (first appearance + rotation), got %d", changes)
	}
	if !bytes.Equal(lastSPS, sps2) {
		t.Errorf("last sps-changed payload = %x, want %x", lastSPS, sps2)
	}
}

func TestParserMetadataFramingRoutesMultiNALPacket(t *testing.T) {
	t.Parallel()
	sps := append([]byte{0x67}, bytes.Repeat([]byte{0x03}, 4)...)
	pps := []byte{0x68, 0xCE}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0x04}, 4)...)
	payload := append(append(sc(sps...), sc(pps...)...), sc(idr...)...)

	pkt := framedPacket(t, 123456, payload)

	p := NewParser(sdriver.VideoCodecH264, sdriver.FramingMetadata)
	units := p.Append(pkt)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	for _, u := range units {
		if u.PTS != 123456 {
			t.Errorf("unit PTS = %d, want 123456", u.PTS)
		}
	}
	if units[2].Type != NALTypeVCL || !units[2].IsKeyUnit {
		t.Errorf("third unit should be a key VCL unit, got %+v", units[2])
	}
}

func framedPacket(t *testing.T, pts uint64, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 12+len(payload))
	putU64BE(buf[0:8], pts)
	putU32BE(buf[8:12], uint32(len(payload)))
	copy(buf[12:], payload)
	return buf
}

func putU64BE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func putU32BE(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v >> (8 * i))
	}
}
