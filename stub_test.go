package vidfx

import (
	"context"
	"testing"

	"github.com/vidfx/vidfx/mp4"
)

// Test fixtures: in-memory codec units registered against private
// registries, plus helpers that author real MP4 buffers to feed the
// decode path.

var (
	testSPS  = []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40}
	testPPS  = []byte{0x68, 0xeb, 0xe3, 0xcb}
	testAVCC = mustAVCConfig()
)

func mustAVCConfig() []byte {
	cfg, err := NewAVCDecoderConfig([][]byte{testSPS}, [][]byte{testPPS})
	if err != nil {
		panic(err)
	}
	return cfg
}

type videoSampleSpec struct {
	duration uint32
	presOff  int32
	sync     bool
	empty    bool // write a zero-length payload
}

// authorVideoFile writes a one- or two-track MP4. Video samples carry a
// single payload byte identifying their index.
func authorVideoFile(t *testing.T, w, h uint16, samples []videoSampleSpec, editMediaTime int64, audioSamples int) []byte {
	t.Helper()
	mw := mp4.NewWriter()
	vt := mw.AddVideoTrack(w, h, 90000, testAVCC)
	if editMediaTime >= 0 {
		vt.SetEdit(editMediaTime, 1000)
	}
	for i, s := range samples {
		data := []byte{byte(i)}
		if s.empty {
			data = nil
		}
		vt.WriteSample(data, s.duration, s.presOff, s.sync)
	}
	if audioSamples > 0 {
		asc := mp4.AudioSpecificConfig(44100, 2)
		at := mw.AddAudioTrack(2, 44100, 0x40, asc)
		for i := 0; i < audioSamples; i++ {
			at.WriteSample([]byte{0x21, byte(i)}, 1024, 0, true)
		}
	}
	buf, err := mw.Finalize()
	if err != nil {
		t.Fatalf("author: %v", err)
	}
	return buf
}

func uniformSamples(n int, duration uint32) []videoSampleSpec {
	out := make([]videoSampleSpec, n)
	for i := range out {
		out[i] = videoSampleSpec{duration: duration, sync: i%30 == 0}
	}
	return out
}

// stubVideoDecoder buffers submissions and emits frames on Flush in
// reverse submission order, exercising the resequencing path. With
// emitOnSubmit set it emits each frame synchronously inside Submit.
type stubVideoDecoder struct {
	cfg          VideoDecoderConfig
	pool         *FramePool
	emitOnSubmit bool

	pending []*EncodedSample
	closed  bool
}

func registerStubVideoDecoder(reg *Registry, quirks Quirks, emitPool *FramePool, emitOnSubmit bool) {
	reg.RegisterVideoDecoder("stub-h264", quirks,
		func(cfg VideoDecoderConfig) bool { return IsAVCCodec(cfg.Codec) },
		func(cfg VideoDecoderConfig) (VideoDecoder, error) {
			pool := emitPool
			if pool == nil {
				pool = cfg.Pool
			}
			return &stubVideoDecoder{cfg: cfg, pool: pool, emitOnSubmit: emitOnSubmit}, nil
		})
}

func (d *stubVideoDecoder) Submit(s *EncodedSample) error {
	if d.emitOnSubmit {
		d.emit(s)
		return nil
	}
	d.pending = append(d.pending, s)
	return nil
}

func (d *stubVideoDecoder) Flush(ctx context.Context) error {
	for i := len(d.pending) - 1; i >= 0; i-- {
		d.emit(d.pending[i])
	}
	d.pending = nil
	return ctx.Err()
}

func (d *stubVideoDecoder) Close() error {
	d.closed = true
	return nil
}

func (d *stubVideoDecoder) emit(s *EncodedSample) {
	var f *ImageFrame
	if d.pool != nil {
		f = d.pool.Get(d.cfg.Width, d.cfg.Height)
	} else {
		f = NewImageFrame(d.cfg.Width, d.cfg.Height)
	}
	f.PTS = s.PTS
	f.Duration = s.Duration
	if len(s.Data) > 0 {
		f.Y[0] = s.Data[0]
	}
	d.cfg.OnFrame(f)
}

// stubAudioDecoder emits one PCM buffer per submitted sample.
type stubAudioDecoder struct {
	cfg AudioDecoderConfig
}

func registerStubAudioDecoder(reg *Registry) {
	reg.RegisterAudioDecoder("stub-aac",
		func(cfg AudioDecoderConfig) bool { return IsAACCodec(cfg.Codec) },
		func(cfg AudioDecoderConfig) (AudioDecoder, error) {
			return &stubAudioDecoder{cfg: cfg}, nil
		})
}

func (d *stubAudioDecoder) Submit(s *EncodedSample) error {
	pcm := make([]byte, 8)
	copy(pcm, s.Data)
	d.cfg.OnBuffer(&AudioBuffer{Data: pcm, PTS: s.PTS, Duration: s.Duration})
	return nil
}

func (d *stubAudioDecoder) Flush(ctx context.Context) error { return ctx.Err() }
func (d *stubAudioDecoder) Close() error                    { return nil }

// stubVideoEncoder records configuration and submissions, emitting one
// Annex-B chunk per frame.
type stubVideoEncoder struct {
	cfg     VideoEncoderConfig
	records []encodedFrameRecord
}

type encodedFrameRecord struct {
	width, height int
	forceKey      bool
}

func registerStubVideoEncoder(reg *Registry, codecs []string, capture **stubVideoEncoder) {
	reg.RegisterVideoEncoder("stub-h264-enc",
		func(cfg VideoEncoderConfig) bool {
			for _, c := range codecs {
				if cfg.Codec == c {
					return true
				}
			}
			return false
		},
		func(cfg VideoEncoderConfig) (VideoEncoder, error) {
			e := &stubVideoEncoder{cfg: cfg}
			if capture != nil {
				*capture = e
			}
			return e, nil
		})
}

func (e *stubVideoEncoder) Encode(f *ImageFrame, forceKey bool) error {
	e.records = append(e.records, encodedFrameRecord{f.Width, f.Height, forceKey})

	idx := len(e.records) - 1
	start := []byte{0, 0, 0, 1}
	var data []byte
	if forceKey {
		data = append(data, start...)
		data = append(data, testSPS...)
		data = append(data, start...)
		data = append(data, testPPS...)
		data = append(data, start...)
		data = append(data, 0x65, byte(idx))
	} else {
		data = append(data, start...)
		data = append(data, 0x41, byte(idx))
	}
	e.cfg.OnChunk(&EncodedChunk{
		Data:     data,
		PTS:      int64(idx) * 33333,
		Duration: 33333,
		Key:      forceKey,
	})
	return nil
}

func (e *stubVideoEncoder) Flush(ctx context.Context) error { return ctx.Err() }
func (e *stubVideoEncoder) Close() error                    { return nil }

func (e *stubVideoEncoder) Description() []byte { return testAVCC }

// stubAudioEncoder emits one chunk per PCM buffer.
type stubAudioEncoder struct {
	cfg AudioEncoderConfig
}

func registerStubAudioEncoder(reg *Registry) {
	reg.RegisterAudioEncoder("stub-aac-enc",
		func(cfg AudioEncoderConfig) bool { return IsAACCodec(cfg.Codec) },
		func(cfg AudioEncoderConfig) (AudioEncoder, error) {
			return &stubAudioEncoder{cfg: cfg}, nil
		})
}

func (e *stubAudioEncoder) Encode(b *AudioBuffer) error {
	e.cfg.OnChunk(&EncodedChunk{
		Data:     append([]byte(nil), b.Data...),
		PTS:      b.PTS,
		Duration: b.Duration,
	})
	return nil
}

func (e *stubAudioEncoder) Flush(ctx context.Context) error { return ctx.Err() }
func (e *stubAudioEncoder) Close() error                    { return nil }

func (e *stubAudioEncoder) Description() []byte {
	return mp4.AudioSpecificConfig(uint32(e.cfg.SampleRate), uint16(e.cfg.Channels))
}
