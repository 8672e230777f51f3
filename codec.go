package vidfx

import (
	"context"
	"fmt"
	"io"
	"strconv"
)

// H264Profile identifies an AVC profile.
type H264Profile int

const (
	H264ProfileUnknown H264Profile = iota
	H264ProfileConstrainedBaseline
	H264ProfileBaseline
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileConstrainedBaseline:
		return "ConstrainedBaseline"
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// ParseAVCCodec splits an "avc1.PPCCLL" codec string into profile,
// constraint flags, and level.
func ParseAVCCodec(codec string) (profile H264Profile, constraints byte, level byte, err error) {
	if len(codec) != 11 || codec[:5] != "avc1." {
		return 0, 0, 0, fmt.Errorf("not an avc1 codec string: %q", codec)
	}
	v, err := strconv.ParseUint(codec[5:], 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed avc1 codec string %q: %w", codec, err)
	}
	profileIDC := byte(v >> 16)
	constraints = byte(v >> 8)
	level = byte(v)

	switch profileIDC {
	case 66:
		if constraints&0x40 != 0 {
			profile = H264ProfileConstrainedBaseline
		} else {
			profile = H264ProfileBaseline
		}
	case 77:
		profile = H264ProfileMain
	case 100:
		profile = H264ProfileHigh
	default:
		profile = H264ProfileUnknown
	}
	return profile, constraints, level, nil
}

// IsAVCCodec reports whether the codec string names an AVC sample entry.
func IsAVCCodec(codec string) bool {
	return len(codec) >= 4 && codec[:4] == "avc1"
}

// IsAACCodec reports whether the codec string names MPEG-4 AAC audio.
func IsAACCodec(codec string) bool {
	return codec == "mp4a.40.2" || codec == "mp4a.40.5" || codec == "mp4a.40" || codec == "mp4a.40.29"
}

// VideoDecoderConfig configures a video decoder unit. Description is the
// codec-specific configuration payload with its box header stripped (the
// avcC record for AVC). Decoded frames arrive on OnFrame, possibly out of
// order and possibly on a different goroutine.
type VideoDecoderConfig struct {
	Codec       string
	Width       int
	Height      int
	Description []byte

	OnFrame func(*ImageFrame)

	// Pool supplies output frame buffers. Nil means the decoder allocates
	// pool-less frames.
	Pool *FramePool
}

// VideoDecoder consumes encoded samples in container order and emits
// decoded frames via the configured callback.
type VideoDecoder interface {
	io.Closer

	// Submit queues one encoded sample. Samples must arrive in container
	// order.
	Submit(*EncodedSample) error

	// Flush drains the decoder. All remaining frames are delivered before
	// Flush returns.
	Flush(ctx context.Context) error
}

// VideoEncoderConfig configures a video encoder unit. Chunks arrive on
// OnChunk in decode order.
type VideoEncoderConfig struct {
	Codec      string
	Width      int
	Height     int
	BitrateBps int
	FPS        int

	OnChunk func(*EncodedChunk)
}

// VideoEncoder consumes raw frames and emits encoded chunks via the
// configured callback.
type VideoEncoder interface {
	io.Closer

	// Encode submits one frame. forceKey requests a sync frame at this
	// position. The encoder does not take ownership of the frame.
	Encode(frame *ImageFrame, forceKey bool) error

	// Flush drains buffered chunks.
	Flush(ctx context.Context) error

	// Description returns the codec configuration record for the produced
	// bitstream (the avcC payload for AVC). Valid after the first key
	// chunk has been emitted.
	Description() []byte
}

// AudioDecoderConfig configures an audio decoder unit.
type AudioDecoderConfig struct {
	Codec       string
	SampleRate  int
	Channels    int
	Description []byte

	OnBuffer func(*AudioBuffer)
}

// AudioDecoder consumes encoded audio samples and emits PCM buffers in
// submission order.
type AudioDecoder interface {
	io.Closer
	Submit(*EncodedSample) error
	Flush(ctx context.Context) error
}

// AudioEncoderConfig configures an audio encoder unit.
type AudioEncoderConfig struct {
	Codec      string
	SampleRate int
	Channels   int
	BitrateBps int

	OnChunk func(*EncodedChunk)
}

// AudioEncoder consumes PCM buffers and emits encoded chunks.
type AudioEncoder interface {
	io.Closer
	Encode(*AudioBuffer) error
	Flush(ctx context.Context) error

	// Description returns the codec configuration payload for the encoded
	// stream (the AudioSpecificConfig for AAC).
	Description() []byte
}
