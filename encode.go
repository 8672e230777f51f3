package vidfx

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/vidfx/vidfx/mp4"
)

// Encode stage errors.
var (
	ErrEncode      = errors.New("vidfx: encode failed")
	ErrMuxFinalize = errors.New("vidfx: container finalization failed")
)

// Default export bounds and policy.
const (
	DefaultMaxDimension     = 2560
	DefaultNominalFPS       = 30
	DefaultBitsPerPixel     = 0.15
	DefaultKeyframeInterval = 30

	videoTimeScale = 90000
)

// ExportOptions configures one export run.
type ExportOptions struct {
	// MaxWidth and MaxHeight bound the output resolution. Frames are only
	// ever scaled down to fit, never up.
	MaxWidth  int
	MaxHeight int

	// FPS is the nominal frame rate used for bitrate computation and
	// timing fallbacks when the source rate is unknown.
	FPS int

	// BitsPerPixel is the quality constant in the bitrate formula
	// width * height * fps * BitsPerPixel.
	BitsPerPixel float64

	// KeyframeInterval forces a key frame every Nth submitted frame.
	KeyframeInterval int

	// OnProgress receives frameIndex/numFrames after each frame
	// submission, before the frame is encoded.
	OnProgress func(float64)

	// Registry resolves codec providers. Nil uses DefaultRegistry.
	Registry *Registry

	// Pool backs scaled frame buffers.
	Pool *FramePool
}

// DefaultExportOptions returns the default export configuration.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		MaxWidth:         DefaultMaxDimension,
		MaxHeight:        DefaultMaxDimension,
		FPS:              DefaultNominalFPS,
		BitsPerPixel:     DefaultBitsPerPixel,
		KeyframeInterval: DefaultKeyframeInterval,
	}
}

func (o *ExportOptions) applyDefaults() {
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxDimension
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = DefaultMaxDimension
	}
	if o.FPS <= 0 {
		o.FPS = DefaultNominalFPS
	}
	if o.BitsPerPixel <= 0 {
		o.BitsPerPixel = DefaultBitsPerPixel
	}
	if o.KeyframeInterval <= 0 {
		o.KeyframeInterval = DefaultKeyframeInterval
	}
}

// TargetBitrate computes the encode bitrate in bits per second from
// resolution, frame rate, and the quality constant.
func TargetBitrate(width, height, fps int, bitsPerPixel float64) int {
	return int(float64(width) * float64(height) * float64(fps) * bitsPerPixel)
}

// Export re-encodes a frame sequence, plus optional decoded audio, into a
// new MP4 buffer. width and height are the source dimensions; numFrames
// is the expected sequence length used for progress fractions. The
// sequence is consumed in order and every frame is released.
func Export(ctx context.Context, frames FrameSource, width, height, numFrames int, audio *DecodedAudio, opts ExportOptions) ([]byte, error) {
	opts.applyDefaults()
	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	pool := opts.Pool
	if pool == nil {
		pool = &FramePool{}
	}

	outW, outH := FitWithin(width, height, opts.MaxWidth, opts.MaxHeight)
	cfg := VideoEncoderConfig{
		Width:      outW,
		Height:     outH,
		BitrateBps: TargetBitrate(outW, outH, opts.FPS, opts.BitsPerPixel),
		FPS:        opts.FPS,
	}
	codec, err := NegotiateVideoCodec(reg, cfg)
	if err != nil {
		return nil, err
	}
	cfg.Codec = codec

	var videoChunks []*EncodedChunk
	chunkCh := make(chan *EncodedChunk, 64)
	cfg.OnChunk = func(c *EncodedChunk) { chunkCh <- c }

	enc, err := reg.NewVideoEncoder(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	defer enc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for c := range chunkCh {
			videoChunks = append(videoChunks, c)
		}
		return nil
	})
	g.Go(func() error {
		defer close(chunkCh)
		return submitFrames(gctx, frames, enc, outW, outH, numFrames, pool, opts)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var audioChunks []*EncodedChunk
	var audioDesc []byte
	if audio != nil && len(audio.Buffers) > 0 {
		audioChunks, audioDesc, err = encodeAudio(ctx, reg, audio)
		if err != nil {
			return nil, err
		}
	}

	return mux(enc, outW, outH, videoChunks, audio, audioChunks, audioDesc, opts)
}

// ExportVideo re-encodes a decoded asset with its audio.
func ExportVideo(ctx context.Context, v *DecodedVideo, opts ExportOptions) ([]byte, error) {
	return Export(ctx, FramesFromSlice(v.Frames), v.Width, v.Height, len(v.Frames), v.Audio, opts)
}

// submitFrames drains the source into the encoder, scaling when the
// output bound shrinks the frame, forcing a key frame every Nth
// submission, and reporting submission-order progress.
func submitFrames(ctx context.Context, frames FrameSource, enc VideoEncoder, outW, outH, numFrames int, pool *FramePool, opts ExportOptions) error {
	var scaler *Scaler
	index := 0
	for {
		f, err := frames.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: frame source: %v", ErrEncode, err)
		}

		index++
		if opts.OnProgress != nil && numFrames > 0 {
			opts.OnProgress(float64(index) / float64(numFrames))
		}

		out := f
		if f.Width != outW || f.Height != outH {
			if scaler == nil {
				scaler = NewScaler(outW, outH, pool)
			}
			out = scaler.Scale(f)
		}

		forceKey := (index-1)%opts.KeyframeInterval == 0
		err = enc.Encode(out, forceKey)
		if out != f {
			out.Release()
		}
		f.Release()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncode, err)
		}
	}
	if err := enc.Flush(ctx); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrEncode, err)
	}
	return nil
}

// encodeAudio runs the audio pass after video submission. An audio codec
// the platform cannot encode degrades the export to video-only, matching
// the decode-side policy.
func encodeAudio(ctx context.Context, reg *Registry, audio *DecodedAudio) (chunks []*EncodedChunk, desc []byte, err error) {
	cfg := AudioEncoderConfig{
		Codec:      "mp4a.40.2",
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		BitrateBps: 128000,
		OnChunk:    func(c *EncodedChunk) { chunks = append(chunks, c) },
	}
	if !reg.SupportsAudioEncode(cfg) {
		return nil, nil, nil
	}
	enc, err := reg.NewAudioEncoder(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	defer enc.Close()

	for _, b := range audio.Buffers {
		if err := enc.Encode(b); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
	}
	if err := enc.Flush(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: flush: %v", ErrEncode, err)
	}
	return chunks, enc.Description(), nil
}

// mux assembles the final container. The writer interleaves video and
// audio chunks by timestamp when laying out the mdat.
func mux(enc VideoEncoder, outW, outH int, videoChunks []*EncodedChunk, audio *DecodedAudio, audioChunks []*EncodedChunk, audioDesc []byte, opts ExportOptions) ([]byte, error) {
	avcC := enc.Description()
	if avcC == nil {
		avcC = deriveAVCConfig(videoChunks)
	}
	if avcC == nil {
		return nil, fmt.Errorf("%w: no codec configuration for video track", ErrMuxFinalize)
	}

	w := mp4.NewWriter()
	vt := w.AddVideoTrack(uint16(outW), uint16(outH), videoTimeScale, avcC)
	defaultDur := uint32(videoTimeScale / opts.FPS)
	for _, c := range videoChunks {
		data, err := AnnexBToAVCC(c.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMuxFinalize, err)
		}
		dur := uint32(c.Duration * videoTimeScale / 1e6)
		if dur == 0 {
			dur = defaultDur
		}
		vt.WriteSample(data, dur, 0, c.Key)
	}

	if len(audioChunks) > 0 {
		if audioDesc == nil {
			audioDesc = mp4.AudioSpecificConfig(uint32(audio.SampleRate), uint16(audio.Channels))
		}
		at := w.AddAudioTrack(uint16(audio.Channels), uint32(audio.SampleRate), 0x40, audioDesc)
		for _, c := range audioChunks {
			dur := uint32(c.Duration * int64(audio.SampleRate) / 1e6)
			if dur == 0 {
				dur = 1024
			}
			at.WriteSample(c.Data, dur, 0, true)
		}
	}

	buf, err := w.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMuxFinalize, err)
	}
	return buf, nil
}

// deriveAVCConfig builds an avcC payload from parameter sets found in the
// first key chunk's bitstream.
func deriveAVCConfig(chunks []*EncodedChunk) []byte {
	for _, c := range chunks {
		if !c.Key {
			continue
		}
		sps, pps := ExtractParameterSets(c.Data)
		if len(sps) > 0 && len(pps) > 0 {
			cfg, err := NewAVCDecoderConfig(sps, pps)
			if err == nil {
				return cfg
			}
		}
	}
	return nil
}
