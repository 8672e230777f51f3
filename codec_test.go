package vidfx

import "testing"

func TestParseAVCCodec(t *testing.T) {
	cases := []struct {
		codec       string
		profile     H264Profile
		constraints byte
		level       byte
	}{
		{"avc1.640034", H264ProfileHigh, 0x00, 0x34},
		{"avc1.4d0028", H264ProfileMain, 0x00, 0x28},
		{"avc1.42c01f", H264ProfileConstrainedBaseline, 0xc0, 0x1f},
		{"avc1.42001e", H264ProfileBaseline, 0x00, 0x1e},
		{"avc1.f4001f", H264ProfileUnknown, 0x00, 0x1f},
	}
	for _, c := range cases {
		profile, constraints, level, err := ParseAVCCodec(c.codec)
		if err != nil {
			t.Errorf("ParseAVCCodec(%q): %v", c.codec, err)
			continue
		}
		if profile != c.profile || constraints != c.constraints || level != c.level {
			t.Errorf("ParseAVCCodec(%q) = %s/%02x/%02x, want %s/%02x/%02x",
				c.codec, profile, constraints, level, c.profile, c.constraints, c.level)
		}
	}
}

func TestParseAVCCodecMalformed(t *testing.T) {
	for _, codec := range []string{"", "avc1", "avc1.64", "avc1.zzzzzz", "hev1.640034", "avc1.6400345"} {
		if _, _, _, err := ParseAVCCodec(codec); err == nil {
			t.Errorf("ParseAVCCodec(%q) accepted", codec)
		}
	}
}

func TestIsAVCCodec(t *testing.T) {
	if !IsAVCCodec("avc1.640034") || !IsAVCCodec("avc1") {
		t.Error("avc1 strings rejected")
	}
	if IsAVCCodec("hev1.1.6.L93.B0") || IsAVCCodec("mp4a.40.2") {
		t.Error("non-AVC string accepted")
	}
}

func TestIsAACCodec(t *testing.T) {
	for _, codec := range []string{"mp4a.40.2", "mp4a.40.5", "mp4a.40.29", "mp4a.40"} {
		if !IsAACCodec(codec) {
			t.Errorf("IsAACCodec(%q) = false", codec)
		}
	}
	for _, codec := range []string{"mp4a.a6", "opus", "avc1.640034", "mp4a.40.99"} {
		if IsAACCodec(codec) {
			t.Errorf("IsAACCodec(%q) = true", codec)
		}
	}
}

func TestH264ProfileString(t *testing.T) {
	if H264ProfileHigh.String() != "High" || H264Profile(99).String() != "Unknown" {
		t.Error("profile string mismatch")
	}
}
