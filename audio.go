package vidfx

import (
	"context"
	"errors"
	"fmt"

	"github.com/vidfx/vidfx/mp4"
)

// ErrUnsupportedAudioCodec is returned when the platform rejects the
// audio track's decoder configuration. It is recoverable: the decode
// degrades to video-only.
var ErrUnsupportedAudioCodec = errors.New("vidfx: audio codec not supported by platform")

// decodeAudioTrack decodes the whole audio track, collecting buffers in
// submission order. Audio emission is order-stable so no resequencing is
// applied.
func decodeAudioTrack(ctx context.Context, reg *Registry, dmx *mp4.Demuxer, track *mp4.Track) (*DecodedAudio, error) {
	result := &DecodedAudio{
		Codec:      track.Codec,
		SampleRate: int(track.SampleRate),
		Channels:   int(track.ChannelCount),
		TimeScale:  track.TimeScale,
	}

	cfg := AudioDecoderConfig{
		Codec:       track.Codec,
		SampleRate:  int(track.SampleRate),
		Channels:    int(track.ChannelCount),
		Description: track.CodecConfig,
		OnBuffer: func(b *AudioBuffer) {
			result.Buffers = append(result.Buffers, b)
		},
	}
	if !reg.SupportsAudioDecode(cfg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAudioCodec, track.Codec)
	}

	if len(track.Samples) == 0 {
		return result, nil
	}

	dec, err := reg.NewAudioDecoder(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAudioCodec, err)
	}
	defer dec.Close()

	timescale := int64(track.TimeScale)
	for _, s := range track.Samples {
		if s.Size == 0 {
			continue
		}
		data, err := dmx.SampleData(s)
		if err != nil {
			return nil, err
		}
		es := &EncodedSample{
			Data:     data,
			PTS:      mediaToMicros(s.PTS(), timescale),
			Duration: mediaToMicros(int64(s.Duration), timescale),
			Key:      s.IsSync,
		}
		if err := dec.Submit(es); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	if err := dec.Flush(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return result, nil
}
