package videostream

import "fmt"

// Dimensions is the subset of parameter-set fields the session cares about
// for rotation detection and frame-pipeline sizing.
type Dimensions struct {
	Width  uint32
	Height uint32
}

// parseH264SPSDimensions extracts width/height from an H.264 SPS NAL unit
// (the byte slice starts at the NAL header byte, no Annex-B start code).
// Grounded on the teacher's ParseSPS_H264 bit-for-bit; cropping is always
// applied here since the frame-pipeline sizing this feeds wants the
// displayed resolution, not the macroblock-aligned one.
func parseH264SPSDimensions(sps []byte) (Dimensions, error) {
	var dim Dimensions
	if len(sps) < 4 {
		return dim, fmt.Errorf("videostream: h264 sps too short")
	}

	br := newBitReader(sps[1:]) // skip the NAL header byte

	profileIdc, ok := br.readBits(8)
	if !ok {
		return dim, fmt.Errorf("videostream: h264 sps truncated (profile_idc)")
	}
	br.skipBits(8) // constraint flags
	br.skipBits(8) // level_idc
	if _, ok := br.readExpGolomb(); !ok {
		return dim, fmt.Errorf("videostream: h264 sps truncated (sps_id)")
	}

	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128:
		chromaFormat, ok := br.readExpGolomb()
		if !ok {
			return dim, fmt.Errorf("videostream: h264 sps truncated (chroma_format)")
		}
		if chromaFormat == 3 {
			br.skipBits(1)
		}
		br.readExpGolomb() // bit_depth_luma_minus8
		br.readExpGolomb() // bit_depth_chroma_minus8
		br.skipBits(1)     // qpprime_y_zero_transform_bypass_flag
		scalingPresent, _ := br.readBits(1)
		if scalingPresent == 1 {
			for i := 0; i < 8; i++ {
				flag, _ := br.readBits(1)
				if flag == 1 {
					skipScalingList(br)
				}
			}
		}
	}

	br.readExpGolomb() // log2_max_frame_num_minus4
	pocType, ok := br.readExpGolomb()
	if !ok {
		return dim, fmt.Errorf("videostream: h264 sps truncated (poc_type)")
	}
	switch pocType {
	case 0:
		br.readExpGolomb() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.skipBits(1)
		br.readSignedExpGolomb()
		br.readSignedExpGolomb()
		count, _ := br.readExpGolomb()
		for i := uint32(0); i < count; i++ {
			br.readSignedExpGolomb()
		}
	}

	br.readExpGolomb() // num_ref_frames
	br.skipBits(1)     // gaps_in_frame_num_value_allowed_flag

	widthMbsMinus1, ok := br.readExpGolomb()
	if !ok {
		return dim, fmt.Errorf("videostream: h264 sps truncated (width)")
	}
	heightMapUnitsMinus1, ok := br.readExpGolomb()
	if !ok {
		return dim, fmt.Errorf("videostream: h264 sps truncated (height)")
	}
	dim.Width = (widthMbsMinus1 + 1) * 16
	dim.Height = (heightMapUnitsMinus1 + 1) * 16

	frameMbsOnly, _ := br.readBits(1)
	if frameMbsOnly == 0 {
		dim.Height *= 2
		br.skipBits(1) // mb_adaptive_frame_field_flag
	}
	br.skipBits(1) // direct_8x8_inference_flag

	cropFlag, _ := br.readBits(1)
	if cropFlag == 1 {
		left, _ := br.readExpGolomb()
		right, _ := br.readExpGolomb()
		top, _ := br.readExpGolomb()
		bottom, _ := br.readExpGolomb()
		const subWidthC, subHeightC = 2, 2
		dim.Width -= (left + right) * subWidthC
		dim.Height -= (top + bottom) * subHeightC
	}

	return dim, nil
}

func skipScalingList(br *bitReader) {
	lastScale, nextScale := 8, 8
	for j := 0; j < 8; j++ {
		if nextScale != 0 {
			delta, ok := br.readSignedExpGolomb()
			if !ok {
				return
			}
			nextScale = (lastScale + int(delta) + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// parseH265SPSDimensions extracts width/height from an H.265 SPS NAL unit
// (bytes start at the 2-byte NAL header). Grounded on the teacher's
// ParseSPS_H265 (sdriver/comm/h265SPS.go).
func parseH265SPSDimensions(sps []byte) (Dimensions, error) {
	var dim Dimensions
	if len(sps) < 2 {
		return dim, fmt.Errorf("videostream: h265 sps too short")
	}
	rbsp := removeEmulationPrevention(sps)
	br := newBitReader(rbsp)

	br.skipBits(1)
	nalType, ok := br.readBits(6)
	if !ok {
		return dim, fmt.Errorf("videostream: h265 sps truncated (header)")
	}
	br.skipBits(6)
	br.skipBits(3)
	if nalType != 33 {
		return dim, fmt.Errorf("videostream: not an h265 sps nal (type %d)", nalType)
	}

	br.skipBits(4) // sps_video_parameter_set_id
	maxSubLayersMinus1, ok := br.readBits(3)
	if !ok {
		return dim, fmt.Errorf("videostream: h265 sps truncated (max_sub_layers)")
	}
	br.skipBits(1) // sps_temporal_id_nesting_flag

	// profile_tier_level: fixed 12 bytes (general profile/tier/level block)
	// plus 2 bits per sub-layer present flags when max_sub_layers_minus1>0.
	if !skipProfileTierLevel(br, maxSubLayersMinus1) {
		return dim, fmt.Errorf("videostream: h265 sps truncated (profile_tier_level)")
	}

	br.readExpGolomb() // sps_seq_parameter_set_id
	chromaFormat, ok := br.readExpGolomb()
	if !ok {
		return dim, fmt.Errorf("videostream: h265 sps truncated (chroma_format)")
	}
	if chromaFormat == 3 {
		br.skipBits(1)
	}
	width, ok := br.readExpGolomb()
	if !ok {
		return dim, fmt.Errorf("videostream: h265 sps truncated (width)")
	}
	height, ok := br.readExpGolomb()
	if !ok {
		return dim, fmt.Errorf("videostream: h265 sps truncated (height)")
	}
	dim.Width, dim.Height = width, height

	cropFlag, _ := br.readBits(1)
	if cropFlag == 1 {
		left, _ := br.readExpGolomb()
		right, _ := br.readExpGolomb()
		top, _ := br.readExpGolomb()
		bottom, _ := br.readExpGolomb()
		const subWidthC, subHeightC = 2, 2
		dim.Width -= (left + right) * subWidthC
		dim.Height -= (top + bottom) * subHeightC
	}

	return dim, nil
}

func skipProfileTierLevel(br *bitReader, maxSubLayersMinus1 uint32) bool {
	// general_profile_space/tier/idc (8 bits) + compatibility flags (32) +
	// constraint flags (48) + reserved + general_level_idc (8) = 96 bits.
	if !br.skipBits(96) {
		return false
	}
	if maxSubLayersMinus1 == 0 {
		return true
	}
	subLayerProfilePresent := make([]bool, maxSubLayersMinus1)
	subLayerLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := range subLayerProfilePresent {
		p, ok := br.readBits(1)
		if !ok {
			return false
		}
		l, ok := br.readBits(1)
		if !ok {
			return false
		}
		subLayerProfilePresent[i] = p == 1
		subLayerLevelPresent[i] = l == 1
	}
	if !br.skipBits(int(2 * (8 - maxSubLayersMinus1))) {
		return false
	}
	for i := range subLayerProfilePresent {
		if subLayerProfilePresent[i] {
			if !br.skipBits(88) {
				return false
			}
		}
		if subLayerLevelPresent[i] {
			if !br.skipBits(8) {
				return false
			}
		}
	}
	return true
}
