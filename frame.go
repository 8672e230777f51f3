// Core frame and sample types used across the vidfx package.
package vidfx

import (
	"sync"
	"sync/atomic"
)

// ImageFrame is one decoded I420 picture. Frames are pool-backed: every
// frame must be released exactly once, on every path including discard.
// Use Clone to keep pixel data beyond the frame's lifetime.
type ImageFrame struct {
	Y, U, V  []byte
	StrideY  int
	StrideUV int
	Width    int
	Height   int

	// PTS and Duration are in microseconds.
	PTS      int64
	Duration int64

	pool     *FramePool
	released atomic.Bool
}

// Release returns the frame's buffers to its pool. Releasing twice is a
// caller defect; the second call is a no-op recorded by the pool.
func (f *ImageFrame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		if f.pool != nil {
			f.pool.doubleReleases.Add(1)
		}
		return
	}
	if f.pool != nil {
		f.pool.put(f)
	}
}

// Released reports whether Release has been called.
func (f *ImageFrame) Released() bool {
	return f.released.Load()
}

// Clone deep-copies the frame into a fresh allocation from the same pool
// (or the heap when the frame is pool-less). The clone has its own
// lifetime and must itself be released.
func (f *ImageFrame) Clone() *ImageFrame {
	return f.CloneInto(f.pool)
}

// CloneInto deep-copies the frame into an allocation from p. A nil pool
// clones onto the heap. Used to move pixel data out of a bounded codec
// pool before the source frame is returned to it.
func (f *ImageFrame) CloneInto(p *FramePool) *ImageFrame {
	var c *ImageFrame
	if p != nil {
		c = p.Get(f.Width, f.Height)
	} else {
		c = NewImageFrame(f.Width, f.Height)
	}
	c.PTS = f.PTS
	c.Duration = f.Duration
	copy(c.Y, f.Y)
	copy(c.U, f.U)
	copy(c.V, f.V)
	return c
}

// NewImageFrame allocates a pool-less I420 frame with tightly packed
// planes.
func NewImageFrame(width, height int) *ImageFrame {
	f := &ImageFrame{}
	initFramePlanes(f, width, height, make([]byte, I420Size(width, height)))
	return f
}

func initFramePlanes(f *ImageFrame, width, height int, buf []byte) {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	f.Y = buf[:ySize]
	f.U = buf[ySize : ySize+uvSize]
	f.V = buf[ySize+uvSize : ySize+2*uvSize]
	f.StrideY = width
	f.StrideUV = width / 2
	f.Width = width
	f.Height = height
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// FramePool recycles I420 frame buffers and tracks release accounting.
// The zero value is ready to use.
type FramePool struct {
	mu   sync.Mutex
	free [][]byte

	outstanding    atomic.Int64
	doubleReleases atomic.Int64
}

// Get returns a frame sized width x height backed by a pooled buffer.
// Recycled buffers are reused only when they fit.
func (p *FramePool) Get(width, height int) *ImageFrame {
	need := I420Size(width, height)

	p.mu.Lock()
	var buf []byte
	for i := len(p.free) - 1; i >= 0; i-- {
		if cap(p.free[i]) >= need {
			buf = p.free[i][:need]
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if buf == nil {
		buf = make([]byte, need)
	}
	f := &ImageFrame{pool: p}
	initFramePlanes(f, width, height, buf)
	p.outstanding.Add(1)
	return f
}

func (p *FramePool) put(f *ImageFrame) {
	p.outstanding.Add(-1)
	buf := f.Y[:0]
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
	f.Y, f.U, f.V = nil, nil, nil
}

// Outstanding returns the number of live frames not yet released.
func (p *FramePool) Outstanding() int64 { return p.outstanding.Load() }

// DoubleReleases returns how many times Release was called on an already
// released frame.
func (p *FramePool) DoubleReleases() int64 { return p.doubleReleases.Load() }

// EncodedSample is one encoded access unit submitted to a decoder.
// Timestamps are in microseconds.
type EncodedSample struct {
	Data     []byte
	PTS      int64
	Duration int64
	Key      bool
}

// EncodedChunk is one encoded access unit emitted by an encoder. Data is
// an Annex-B bitstream for video, a raw codec frame for audio. Timestamps
// are in microseconds.
type EncodedChunk struct {
	Data     []byte
	PTS      int64
	Duration int64
	Key      bool
}

// Clone deep-copies the chunk.
func (c *EncodedChunk) Clone() *EncodedChunk {
	clone := &EncodedChunk{
		PTS:      c.PTS,
		Duration: c.Duration,
		Key:      c.Key,
	}
	if c.Data != nil {
		clone.Data = make([]byte, len(c.Data))
		copy(clone.Data, c.Data)
	}
	return clone
}

// AudioBuffer is one decoded PCM buffer. PTS is in microseconds.
type AudioBuffer struct {
	Data     []byte
	PTS      int64
	Duration int64
}

// DecodedAudio is the ordered decoded output of one audio track.
type DecodedAudio struct {
	Buffers    []*AudioBuffer
	Codec      string
	SampleRate int
	Channels   int
	TimeScale  uint32
}

// DecodedVideo is the result of decoding one asset. Frames are sorted
// ascending by presentation timestamp. NumFrames reports the untrimmed
// sample count of the source track, which can exceed len(Frames) when an
// edit list trims leading frames.
type DecodedVideo struct {
	Width     int
	Height    int
	Frames    []*ImageFrame
	NumFrames int
	FPS       float64
	Audio     *DecodedAudio
}

// ReleaseFrames releases every frame in the result.
func (v *DecodedVideo) ReleaseFrames() {
	for _, f := range v.Frames {
		f.Release()
	}
}
