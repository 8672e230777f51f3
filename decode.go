package vidfx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vidfx/vidfx/mp4"
)

// Decode stage errors.
var (
	ErrUnsupportedCodecConfig = errors.New("vidfx: decoder configuration not supported by platform")
	ErrDecode                 = errors.New("vidfx: decode failed")
)

// DecodeState tracks the coordinator's progress through one decode.
type DecodeState int

const (
	StateIdle DecodeState = iota
	StateAwaitingMetadata
	StateConfiguringCodec
	StateDecoding
	StateFlushing
	StateComplete
	StateError
)

func (s DecodeState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingMetadata:
		return "AwaitingMetadata"
	case StateConfiguringCodec:
		return "ConfiguringCodec"
	case StateDecoding:
		return "Decoding"
	case StateFlushing:
		return "Flushing"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// DecodeOptions configures one decode run.
type DecodeOptions struct {
	// ProgressInterval is the number of emitted frames between progress
	// snapshots. Zero uses the default of 30.
	ProgressInterval int

	// OnProgress receives partial results during decode. The snapshot's
	// frame slice is sorted by presentation timestamp; the frames remain
	// owned by the coordinator.
	OnProgress func(*DecodedVideo)

	// Registry resolves codec providers. Nil uses DefaultRegistry.
	Registry *Registry

	// Pool backs decoded frame buffers. Nil allocates a private pool.
	Pool *FramePool
}

// DefaultDecodeOptions returns the default decode configuration.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{ProgressInterval: 30}
}

// Coordinator drives one linear decode of an MP4 asset. Bytes are fed in
// increasing offset order with Append; Finish flushes the codec units and
// freezes the result. A Coordinator is single-use: a fresh codec unit is
// created per decode and no concurrent decode shares it.
type Coordinator struct {
	opts DecodeOptions
	reg  *Registry
	pool *FramePool

	mu    sync.Mutex
	state DecodeState
	err   error

	dmx       *mp4.Demuxer
	video     *mp4.Track
	audio     *mp4.Track
	timescale int64
	trimStart int64 // media timescale units, -1 when no trim edit
	dec       VideoDecoder
	quirks    Quirks
	next      int // next video sample index to submit

	fmu     sync.Mutex
	frames  []*ImageFrame
	emitted int
}

// NewCoordinator returns a coordinator ready to accept container bytes.
func NewCoordinator(opts DecodeOptions) *Coordinator {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 30
	}
	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry()
	}
	pool := opts.Pool
	if pool == nil {
		pool = &FramePool{}
	}
	return &Coordinator{
		opts:      opts,
		reg:       reg,
		pool:      pool,
		dmx:       mp4.NewDemuxer(),
		trimStart: -1,
	}
}

// State returns the current coordinator state.
func (c *Coordinator) State() DecodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Append feeds the next chunk of container bytes. Once the metadata box
// is complete the decoder is configured, and samples whose byte ranges
// are covered are submitted in container order.
func (c *Coordinator) Append(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateError {
		return c.err
	}
	if c.state == StateComplete {
		return errors.New("vidfx: append after decode completed")
	}
	if c.state == StateIdle {
		c.state = StateAwaitingMetadata
	}

	if err := c.dmx.Append(p); err != nil {
		return c.fail(err)
	}

	if c.state == StateAwaitingMetadata && c.dmx.HaveMoov() {
		if err := c.configure(); err != nil {
			return c.fail(err)
		}
	}
	if c.state == StateDecoding {
		if err := c.submitAvailable(); err != nil {
			return c.fail(err)
		}
	}
	return nil
}

// configure selects tracks and stands up the video decoder. Called with
// c.mu held.
func (c *Coordinator) configure() error {
	c.state = StateConfiguringCodec

	tracks, err := c.dmx.Tracks()
	if err != nil {
		return err
	}
	video, audio, err := SelectTracks(tracks)
	if err != nil {
		return err
	}
	c.video = video
	c.audio = audio
	c.timescale = int64(video.TimeScale)
	for _, e := range video.Edits {
		if e.MediaTime >= 0 {
			c.trimStart = e.MediaTime
			break
		}
	}

	// An empty sample table decodes to zero frames without touching the
	// platform codec.
	if len(video.Samples) == 0 {
		c.state = StateDecoding
		return nil
	}

	cfg := VideoDecoderConfig{
		Codec:       video.Codec,
		Width:       int(video.Width),
		Height:      int(video.Height),
		Description: video.CodecConfig,
		OnFrame:     c.onFrame,
		Pool:        c.pool,
	}
	if !c.reg.SupportsVideoDecode(cfg) {
		return fmt.Errorf("%w: %s %dx%d", ErrUnsupportedCodecConfig, cfg.Codec, cfg.Width, cfg.Height)
	}
	dec, quirks, err := c.reg.NewVideoDecoder(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	c.dec = dec
	c.quirks = quirks
	c.state = StateDecoding
	return nil
}

// submitAvailable pushes every sample whose bytes have arrived. Called
// with c.mu held.
func (c *Coordinator) submitAvailable() error {
	if c.dec == nil {
		return nil
	}
	samples := c.video.Samples
	for c.next < len(samples) {
		s := samples[c.next]
		if !c.dmx.SampleAvailable(s) {
			return nil
		}
		if s.Size == 0 {
			// A zero-size stsz entry carries no access unit to decode.
			c.next++
			continue
		}
		data, err := c.dmx.SampleData(s)
		if err != nil {
			return err
		}
		es := &EncodedSample{
			Data:     data,
			PTS:      mediaToMicros(s.PTS(), c.timescale),
			Duration: mediaToMicros(int64(s.Duration), c.timescale),
			Key:      s.IsSync,
		}
		if err := c.dec.Submit(es); err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		c.next++
	}
	return nil
}

// onFrame receives decoded frames from the codec unit, possibly out of
// submission order and possibly on a codec-owned goroutine.
func (c *Coordinator) onFrame(f *ImageFrame) {
	if c.trimStart >= 0 && microsToMedia(f.PTS, c.timescale) < c.trimStart {
		f.Release()
		return
	}
	if c.quirks.Has(QuirkBoundedFramePool) {
		dup := f.CloneInto(c.pool)
		f.Release()
		f = dup
	}

	c.fmu.Lock()
	c.frames = append(c.frames, f)
	sort.SliceStable(c.frames, func(i, j int) bool {
		return c.frames[i].PTS < c.frames[j].PTS
	})
	c.emitted++
	var snapshot *DecodedVideo
	if c.opts.OnProgress != nil && c.emitted%c.opts.ProgressInterval == 0 {
		snapshot = c.snapshotLocked()
	}
	c.fmu.Unlock()

	if snapshot != nil {
		c.opts.OnProgress(snapshot)
	}
}

// snapshotLocked builds a partial result sharing the coordinator's
// frames. Called with c.fmu held.
func (c *Coordinator) snapshotLocked() *DecodedVideo {
	frames := make([]*ImageFrame, len(c.frames))
	copy(frames, c.frames)
	return &DecodedVideo{
		Width:     int(c.video.Width),
		Height:    int(c.video.Height),
		Frames:    frames,
		NumFrames: len(c.frames),
		FPS:       c.deriveFPS(),
	}
}

func (c *Coordinator) deriveFPS() float64 {
	if c.video.Duration == 0 {
		return 0
	}
	return float64(len(c.video.Samples)) / float64(c.video.Duration) * float64(c.timescale)
}

// Finish submits any remaining samples, flushes the codec units, decodes
// the audio track if one was selected, and freezes the result. The frame
// sequence is sorted ascending by presentation timestamp; NumFrames is
// the untrimmed sample count.
func (c *Coordinator) Finish(ctx context.Context) (*DecodedVideo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateError {
		return nil, c.err
	}
	if c.state != StateDecoding {
		return nil, c.fail(fmt.Errorf("%w: container metadata incomplete", mp4.ErrNoMoov))
	}
	if err := c.submitAvailable(); err != nil {
		return nil, c.fail(err)
	}
	if c.next < len(c.video.Samples) {
		return nil, c.fail(fmt.Errorf("%w: %d of %d samples missing payload bytes",
			mp4.ErrShortBox, len(c.video.Samples)-c.next, len(c.video.Samples)))
	}

	c.state = StateFlushing
	if c.dec != nil {
		if err := c.dec.Flush(ctx); err != nil {
			return nil, c.fail(fmt.Errorf("%w: %v", ErrDecode, err))
		}
		if err := c.dec.Close(); err != nil {
			return nil, c.fail(fmt.Errorf("%w: %v", ErrDecode, err))
		}
	}

	var audio *DecodedAudio
	if c.audio != nil {
		a, err := decodeAudioTrack(ctx, c.reg, c.dmx, c.audio)
		switch {
		case errors.Is(err, ErrUnsupportedAudioCodec):
			// Degrade to video-only.
			audio = nil
		case err != nil:
			return nil, c.fail(err)
		default:
			audio = a
		}
	}

	c.fmu.Lock()
	sort.SliceStable(c.frames, func(i, j int) bool {
		return c.frames[i].PTS < c.frames[j].PTS
	})
	result := &DecodedVideo{
		Width:     int(c.video.Width),
		Height:    int(c.video.Height),
		Frames:    c.frames,
		NumFrames: len(c.video.Samples),
		FPS:       c.deriveFPS(),
		Audio:     audio,
	}
	c.frames = nil
	c.fmu.Unlock()

	c.state = StateComplete
	return result, nil
}

// fail transitions to the error state, releasing any collected frames.
// Called with c.mu held.
func (c *Coordinator) fail(err error) error {
	c.state = StateError
	c.err = err
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
	c.fmu.Lock()
	for _, f := range c.frames {
		f.Release()
	}
	c.frames = nil
	c.fmu.Unlock()
	return err
}

// Decode runs a whole-buffer decode: one Append of the complete asset
// followed by Finish.
func Decode(ctx context.Context, data []byte, opts DecodeOptions) (*DecodedVideo, error) {
	c := NewCoordinator(opts)
	if err := c.Append(data); err != nil {
		return nil, err
	}
	return c.Finish(ctx)
}

func mediaToMicros(v, timescale int64) int64 {
	if timescale == 0 {
		return 0
	}
	return v * 1e6 / timescale
}

// microsToMedia rounds to the nearest tick so a timestamp that round-tripped
// through microseconds compares equal to its original media time.
func microsToMedia(us, timescale int64) int64 {
	return (us*timescale + 5e5) / 1e6
}
