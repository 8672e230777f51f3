package vidfx

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/vidfx/vidfx/mp4"
)

func TestDecodeResequencesFrames(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, false)
	pool := &FramePool{}

	buf := authorVideoFile(t, 64, 48, uniformSamples(10, 3000), -1, 0)
	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}

	if v.Width != 64 || v.Height != 48 {
		t.Errorf("dims = %dx%d, want 64x48", v.Width, v.Height)
	}
	if v.NumFrames != 10 || len(v.Frames) != 10 {
		t.Fatalf("NumFrames = %d, len(Frames) = %d, want 10/10", v.NumFrames, len(v.Frames))
	}
	if math.Abs(v.FPS-30) > 0.01 {
		t.Errorf("FPS = %v, want 30", v.FPS)
	}

	// The stub emits in reverse submission order; the result must come
	// back sorted by presentation time.
	for i, f := range v.Frames {
		if i > 0 && f.PTS < v.Frames[i-1].PTS {
			t.Fatalf("frame %d PTS %d < previous %d", i, f.PTS, v.Frames[i-1].PTS)
		}
		if f.Y[0] != byte(i) {
			t.Errorf("frame %d carries payload %d", i, f.Y[0])
		}
	}

	v.ReleaseFrames()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding frames after release: %d", n)
	}
	if n := pool.DoubleReleases(); n != 0 {
		t.Errorf("double releases: %d", n)
	}
}

func TestDecodeTrimsEditListLeadIn(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, false)
	pool := &FramePool{}

	// Five samples at 3000 ticks each; the edit starts at 6000, cutting
	// the first two.
	buf := authorVideoFile(t, 64, 48, uniformSamples(5, 3000), 6000, 0)
	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}

	if len(v.Frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(v.Frames))
	}
	// NumFrames reports the untrimmed sample count.
	if v.NumFrames != 5 {
		t.Errorf("NumFrames = %d, want 5", v.NumFrames)
	}
	if v.Frames[0].Y[0] != 2 {
		t.Errorf("first kept frame is sample %d, want 2", v.Frames[0].Y[0])
	}

	// Trimmed frames were released on the spot.
	if n := pool.Outstanding(); n != 3 {
		t.Errorf("outstanding = %d, want 3", n)
	}
	v.ReleaseFrames()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding after release = %d", n)
	}
	if n := pool.DoubleReleases(); n != 0 {
		t.Errorf("double releases: %d", n)
	}
}

func TestDecodeSkipsZeroSizeSamples(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, false)
	pool := &FramePool{}

	// Sample 1 has a zero-length payload. It must never reach the codec
	// unit; the surrounding samples decode normally.
	samples := uniformSamples(4, 3000)
	samples[1].empty = true
	buf := authorVideoFile(t, 64, 48, samples, -1, 0)

	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(v.Frames))
	}
	if v.NumFrames != 4 {
		t.Errorf("NumFrames = %d, want 4", v.NumFrames)
	}
	for i, want := range []byte{0, 2, 3} {
		if v.Frames[i].Y[0] != want {
			t.Errorf("frame %d carries payload %d, want %d", i, v.Frames[i].Y[0], want)
		}
	}

	v.ReleaseFrames()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding frames after release: %d", n)
	}
}

func TestDecodeEmptySampleTable(t *testing.T) {
	// No codec provider is required: an empty sample table never touches
	// the platform codec.
	reg := NewRegistry()
	buf := authorVideoFile(t, 64, 48, nil, -1, 1)

	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Frames) != 0 || v.NumFrames != 0 {
		t.Errorf("frames = %d, NumFrames = %d, want 0/0", len(v.Frames), v.NumFrames)
	}
	if v.Audio != nil {
		t.Errorf("audio should degrade to nil without a provider")
	}
}

func TestDecodeUnsupportedVideoCodec(t *testing.T) {
	reg := NewRegistry()
	buf := authorVideoFile(t, 64, 48, uniformSamples(3, 3000), -1, 0)

	c := NewCoordinator(DecodeOptions{Registry: reg})
	err := c.Append(buf)
	if !errors.Is(err, ErrUnsupportedCodecConfig) {
		t.Fatalf("err = %v, want ErrUnsupportedCodecConfig", err)
	}
	if c.State() != StateError {
		t.Errorf("state = %s, want Error", c.State())
	}
	// The coordinator stays failed.
	if err := c.Append([]byte{0}); !errors.Is(err, ErrUnsupportedCodecConfig) {
		t.Errorf("append after failure = %v", err)
	}
}

func TestDecodeBoundedPoolQuirk(t *testing.T) {
	// The stub emits from its own pool; the quirk forces the coordinator
	// to copy each frame out and release the original immediately.
	codecPool := &FramePool{}
	reg := NewRegistry()
	registerStubVideoDecoder(reg, QuirkBoundedFramePool, codecPool, false)
	pool := &FramePool{}

	buf := authorVideoFile(t, 64, 48, uniformSamples(4, 3000), -1, 0)
	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg, Pool: pool})
	if err != nil {
		t.Fatal(err)
	}

	if n := codecPool.Outstanding(); n != 0 {
		t.Errorf("codec pool outstanding = %d, want 0", n)
	}
	if n := pool.Outstanding(); n != 4 {
		t.Errorf("coordinator pool outstanding = %d, want 4", n)
	}
	for i, f := range v.Frames {
		if f.Y[0] != byte(i) {
			t.Errorf("frame %d pixel data lost in copy: %d", i, f.Y[0])
		}
	}
	v.ReleaseFrames()
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding after release = %d", n)
	}
}

func TestDecodeAudioTrack(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, false)
	registerStubAudioDecoder(reg)

	buf := authorVideoFile(t, 64, 48, uniformSamples(2, 3000), -1, 4)
	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	a := v.Audio
	if a == nil {
		t.Fatal("no decoded audio")
	}
	if a.SampleRate != 44100 || a.Channels != 2 {
		t.Errorf("audio = %d Hz %d ch", a.SampleRate, a.Channels)
	}
	if a.Codec != "mp4a.40.2" {
		t.Errorf("audio codec = %q", a.Codec)
	}
	if len(a.Buffers) != 4 {
		t.Fatalf("got %d buffers, want 4", len(a.Buffers))
	}
	for i, b := range a.Buffers {
		if i > 0 && b.PTS <= a.Buffers[i-1].PTS {
			t.Errorf("buffer %d PTS %d not increasing", i, b.PTS)
		}
	}
}

func TestDecodeUnsupportedAudioDegrades(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, false)

	buf := authorVideoFile(t, 64, 48, uniformSamples(2, 3000), -1, 2)
	v, err := Decode(context.Background(), buf, DecodeOptions{Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	if v.Audio != nil {
		t.Error("expected video-only result")
	}
	if len(v.Frames) != 2 {
		t.Errorf("got %d frames, want 2", len(v.Frames))
	}
}

func TestDecodeProgressSnapshots(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, true)

	var snaps []*DecodedVideo
	opts := DecodeOptions{
		Registry:         reg,
		ProgressInterval: 2,
		OnProgress:       func(v *DecodedVideo) { snaps = append(snaps, v) },
	}

	buf := authorVideoFile(t, 64, 48, uniformSamples(6, 3000), -1, 0)
	if _, err := Decode(context.Background(), buf, opts); err != nil {
		t.Fatal(err)
	}

	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	for si, s := range snaps {
		want := (si + 1) * 2
		if len(s.Frames) != want || s.NumFrames != want {
			t.Errorf("snapshot %d: %d frames, NumFrames %d, want %d", si, len(s.Frames), s.NumFrames, want)
		}
		for i := 1; i < len(s.Frames); i++ {
			if s.Frames[i].PTS < s.Frames[i-1].PTS {
				t.Errorf("snapshot %d not sorted at %d", si, i)
			}
		}
	}
}

func TestCoordinatorStates(t *testing.T) {
	reg := NewRegistry()
	registerStubVideoDecoder(reg, 0, nil, false)

	c := NewCoordinator(DecodeOptions{Registry: reg})
	if c.State() != StateIdle {
		t.Fatalf("initial state = %s", c.State())
	}

	buf := authorVideoFile(t, 64, 48, uniformSamples(2, 3000), -1, 0)
	if err := c.Append(buf[:8]); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateAwaitingMetadata {
		t.Errorf("state after partial append = %s", c.State())
	}
	if err := c.Append(buf[8:]); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateDecoding {
		t.Errorf("state after full append = %s", c.State())
	}

	v, err := c.Finish(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateComplete {
		t.Errorf("state after finish = %s", c.State())
	}
	if err := c.Append([]byte{0}); err == nil {
		t.Error("append after completion should fail")
	}
	v.ReleaseFrames()
}

func TestFinishWithoutMetadata(t *testing.T) {
	c := NewCoordinator(DecodeOptions{Registry: NewRegistry()})
	if err := c.Append([]byte{0, 0, 0, 16}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Finish(context.Background()); !errors.Is(err, mp4.ErrNoMoov) {
		t.Fatalf("err = %v, want ErrNoMoov", err)
	}
	if c.State() != StateError {
		t.Errorf("state = %s, want Error", c.State())
	}
}

func TestSelectTracks(t *testing.T) {
	video := &mp4.Track{ID: 1, Kind: mp4.TrackVideo}
	audio := &mp4.Track{ID: 2, Kind: mp4.TrackAudio}
	other := &mp4.Track{ID: 3, Kind: mp4.TrackOther}

	v, a, err := SelectTracks([]*mp4.Track{audio, other, video})
	if err != nil {
		t.Fatal(err)
	}
	if v != video || a != audio {
		t.Errorf("selected %v/%v", v, a)
	}

	// A track with an unknown handler is usable as the video fallback.
	v, a, err = SelectTracks([]*mp4.Track{other})
	if err != nil {
		t.Fatal(err)
	}
	if v != other || a != nil {
		t.Errorf("fallback selected %v/%v", v, a)
	}

	if _, _, err := SelectTracks([]*mp4.Track{audio}); !errors.Is(err, ErrNoVideoTrack) {
		t.Errorf("err = %v, want ErrNoVideoTrack", err)
	}
}
