package vidfx

import (
	"errors"
	"fmt"
)

// H.264 NAL unit types used by the bitstream helpers.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

var errNoStartCode = errors.New("vidfx: no Annex-B start code found")

// SplitAnnexB splits an Annex-B bitstream into NAL units. Both 3-byte and
// 4-byte start codes are accepted. The returned slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && (data[i+2] == 1 || (i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1)) {
			scLen := 3
			if data[i+2] == 0 {
				scLen = 4
			}
			if start >= 0 {
				nalus = append(nalus, trimTrailingZeros(data[start:i]))
			}
			start = i + scLen
			i += scLen
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// Annex-B streams may pad NAL units with trailing zero bytes before the
// next start code.
func trimTrailingZeros(nalu []byte) []byte {
	end := len(nalu)
	for end > 0 && nalu[end-1] == 0 {
		end--
	}
	return nalu[:end]
}

// AnnexBToAVCC converts an Annex-B access unit to length-prefixed AVCC
// form with 4-byte lengths. SPS/PPS units are kept; the container carries
// them in avcC as well, which decoders tolerate.
func AnnexBToAVCC(data []byte) ([]byte, error) {
	nalus := SplitAnnexB(data)
	if len(nalus) == 0 {
		return nil, errNoStartCode
	}
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out, nil
}

// AVCCToAnnexB converts a length-prefixed sample to Annex-B form.
// lengthSize is the NAL length field width from avcC (1, 2 or 4).
func AVCCToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("vidfx: invalid NAL length size %d", lengthSize)
	}
	out := make([]byte, 0, len(data)+16)
	i := 0
	for i < len(data) {
		if i+lengthSize > len(data) {
			return nil, fmt.Errorf("vidfx: truncated NAL length at offset %d", i)
		}
		n := 0
		for j := 0; j < lengthSize; j++ {
			n = n<<8 | int(data[i+j])
		}
		i += lengthSize
		if n == 0 || i+n > len(data) {
			return nil, fmt.Errorf("vidfx: NAL length %d exceeds sample at offset %d", n, i)
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[i:i+n]...)
		i += n
	}
	return out, nil
}

// ExtractParameterSets returns the SPS and PPS NAL units found in an
// Annex-B bitstream.
func ExtractParameterSets(annexb []byte) (sps, pps [][]byte) {
	for _, n := range SplitAnnexB(annexb) {
		if len(n) == 0 {
			continue
		}
		switch n[0] & 0x1f {
		case nalTypeSPS:
			sps = append(sps, n)
		case nalTypePPS:
			pps = append(pps, n)
		}
	}
	return sps, pps
}

// ContainsIDR reports whether the Annex-B bitstream carries an IDR slice.
func ContainsIDR(annexb []byte) bool {
	for _, n := range SplitAnnexB(annexb) {
		if len(n) > 0 && n[0]&0x1f == nalTypeIDR {
			return true
		}
	}
	return false
}

// AVCDecoderConfig describes a parsed avcC payload.
type AVCDecoderConfig struct {
	Profile       byte
	Constraints   byte
	Level         byte
	NALLengthSize int
	SPS           [][]byte
	PPS           [][]byte
}

// ParseAVCDecoderConfig parses an avcC payload (box header stripped).
func ParseAVCDecoderConfig(data []byte) (*AVCDecoderConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("vidfx: avcC payload too short (%d bytes)", len(data))
	}
	cfg := &AVCDecoderConfig{
		Profile:       data[1],
		Constraints:   data[2],
		Level:         data[3],
		NALLengthSize: int(data[4]&0x3) + 1,
	}
	ptr := 5
	numSPS := int(data[ptr] & 0x1f)
	ptr++
	for i := 0; i < numSPS; i++ {
		if ptr+2 > len(data) {
			return nil, errors.New("vidfx: avcC truncated in SPS table")
		}
		n := int(data[ptr])<<8 | int(data[ptr+1])
		ptr += 2
		if ptr+n > len(data) {
			return nil, errors.New("vidfx: avcC SPS length exceeds payload")
		}
		cfg.SPS = append(cfg.SPS, data[ptr:ptr+n])
		ptr += n
	}
	if ptr >= len(data) {
		return nil, errors.New("vidfx: avcC truncated before PPS table")
	}
	numPPS := int(data[ptr])
	ptr++
	for i := 0; i < numPPS; i++ {
		if ptr+2 > len(data) {
			return nil, errors.New("vidfx: avcC truncated in PPS table")
		}
		n := int(data[ptr])<<8 | int(data[ptr+1])
		ptr += 2
		if ptr+n > len(data) {
			return nil, errors.New("vidfx: avcC PPS length exceeds payload")
		}
		cfg.PPS = append(cfg.PPS, data[ptr:ptr+n])
		ptr += n
	}
	return cfg, nil
}

// Marshal serializes the configuration back to an avcC payload with
// 4-byte NAL lengths.
func (c *AVCDecoderConfig) Marshal() []byte {
	var out []byte
	out = append(out, 1, c.Profile, c.Constraints, c.Level, 0xfc|0x3)
	out = append(out, 0xe0|byte(len(c.SPS)))
	for _, s := range c.SPS {
		out = append(out, byte(len(s)>>8), byte(len(s)))
		out = append(out, s...)
	}
	out = append(out, byte(len(c.PPS)))
	for _, p := range c.PPS {
		out = append(out, byte(len(p)>>8), byte(len(p)))
		out = append(out, p...)
	}
	return out
}

// NewAVCDecoderConfig builds an avcC payload from raw SPS/PPS NAL units.
// Profile, constraint, and level bytes are taken from the first SPS.
func NewAVCDecoderConfig(sps, pps [][]byte) ([]byte, error) {
	if len(sps) == 0 || len(pps) == 0 {
		return nil, errors.New("vidfx: avcC requires at least one SPS and one PPS")
	}
	if len(sps[0]) < 4 {
		return nil, errors.New("vidfx: SPS too short")
	}
	cfg := &AVCDecoderConfig{
		Profile:       sps[0][1],
		Constraints:   sps[0][2],
		Level:         sps[0][3],
		NALLengthSize: 4,
		SPS:           sps,
		PPS:           pps,
	}
	return cfg.Marshal(), nil
}

// AnnexBPrefix builds the parameter-set prefix (SPS+PPS with start codes)
// for injecting before IDR frames when converting to Annex-B.
func (c *AVCDecoderConfig) AnnexBPrefix() []byte {
	var out []byte
	for _, s := range c.SPS {
		out = append(out, 0, 0, 0, 1)
		out = append(out, s...)
	}
	for _, p := range c.PPS {
		out = append(out, 0, 0, 0, 1)
		out = append(out, p...)
	}
	return out
}
