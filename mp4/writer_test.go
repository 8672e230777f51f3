package mp4

import (
	"bytes"
	"errors"
	"testing"
)

// testAVCC is a minimal avcC payload: High profile, one fake SPS/PPS.
var testAVCC = []byte{
	1, 0x64, 0x00, 0x1f, 0xff,
	0xe1, 0x00, 0x04, 0x67, 0x64, 0x00, 0x1f,
	0x01, 0x00, 0x02, 0x68, 0xee,
}

func authorTestFile(t *testing.T, videoSamples, audioSamples int) []byte {
	t.Helper()
	w := NewWriter()

	vt := w.AddVideoTrack(640, 480, 90000, testAVCC)
	for i := 0; i < videoSamples; i++ {
		data := bytes.Repeat([]byte{byte(i + 1)}, 16+i)
		vt.WriteSample(data, 3000, 0, i%30 == 0)
	}

	if audioSamples > 0 {
		asc := AudioSpecificConfig(44100, 2)
		at := w.AddAudioTrack(2, 44100, 0x40, asc)
		for i := 0; i < audioSamples; i++ {
			at.WriteSample(bytes.Repeat([]byte{0xaa}, 8), 1024, 0, true)
		}
	}

	buf, err := w.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return buf
}

func TestWriterDemuxerRoundTrip(t *testing.T) {
	buf := authorTestFile(t, 61, 20)

	d := NewDemuxer()
	// Feed in small chunks to exercise the append model.
	for off := 0; off < len(buf); off += 777 {
		end := off + 777
		if end > len(buf) {
			end = len(buf)
		}
		if err := d.Append(buf[off:end]); err != nil {
			t.Fatalf("Append at %d: %v", off, err)
		}
	}

	tracks, err := d.Tracks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}

	video := tracks[0]
	if video.Kind != TrackVideo {
		t.Fatalf("track 0 kind = %s, want video", video.Kind)
	}
	if video.Width != 640 || video.Height != 480 {
		t.Errorf("video dims = %dx%d, want 640x480", video.Width, video.Height)
	}
	if video.Codec != "avc1.64001f" {
		t.Errorf("video codec = %q, want avc1.64001f", video.Codec)
	}
	if !bytes.Equal(video.CodecConfig, testAVCC) {
		t.Errorf("avcC payload mismatch:\n got %x\nwant %x", video.CodecConfig, testAVCC)
	}
	if len(video.Samples) != 61 {
		t.Fatalf("video sample count = %d, want 61", len(video.Samples))
	}
	for i, s := range video.Samples {
		if s.Duration != 3000 {
			t.Fatalf("sample %d duration = %d, want 3000", i, s.Duration)
		}
		if s.DTS != int64(i)*3000 {
			t.Fatalf("sample %d DTS = %d, want %d", i, s.DTS, int64(i)*3000)
		}
		if s.IsSync != (i%30 == 0) {
			t.Fatalf("sample %d sync = %v", i, s.IsSync)
		}
		data, err := d.SampleData(s)
		if err != nil {
			t.Fatalf("SampleData(%d): %v", i, err)
		}
		want := bytes.Repeat([]byte{byte(i + 1)}, 16+i)
		if !bytes.Equal(data, want) {
			t.Fatalf("sample %d payload mismatch", i)
		}
	}

	audio := tracks[1]
	if audio.Kind != TrackAudio {
		t.Fatalf("track 1 kind = %s, want audio", audio.Kind)
	}
	if audio.SampleRate != 44100 || audio.ChannelCount != 2 {
		t.Errorf("audio = %d Hz %d ch, want 44100/2", audio.SampleRate, audio.ChannelCount)
	}
	if audio.Codec != "mp4a.40.2" {
		t.Errorf("audio codec = %q, want mp4a.40.2", audio.Codec)
	}
	if len(audio.Samples) != 20 {
		t.Errorf("audio sample count = %d, want 20", len(audio.Samples))
	}
	if audio.TimeScale != 44100 {
		t.Errorf("audio timescale = %d, want 44100", audio.TimeScale)
	}
}

func TestWriterInterleavesByTimestamp(t *testing.T) {
	buf := authorTestFile(t, 30, 30)

	d := NewDemuxer()
	if err := d.Append(buf); err != nil {
		t.Fatal(err)
	}
	tracks, err := d.Tracks()
	if err != nil {
		t.Fatal(err)
	}

	// Chunks from both tracks should alternate in file order rather than
	// all of one track preceding the other.
	videoStart := tracks[0].Samples[0].Offset
	videoEnd := tracks[0].Samples[29].Offset
	audioStart := tracks[1].Samples[0].Offset
	audioEnd := tracks[1].Samples[29].Offset
	if videoEnd < audioStart || audioEnd < videoStart {
		t.Errorf("tracks not interleaved: video [%d,%d], audio [%d,%d]",
			videoStart, videoEnd, audioStart, audioEnd)
	}
}

func TestWriterCompositionOffsets(t *testing.T) {
	w := NewWriter()
	vt := w.AddVideoTrack(64, 48, 90000, testAVCC)
	offsets := []int32{6000, 0, 3000, 0}
	for i, po := range offsets {
		vt.WriteSample([]byte{byte(i)}, 3000, po, i == 0)
	}
	buf, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	tracks, _, _, err := parseWholeFile(buf)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range tracks[0].Samples {
		if s.PresentationOffset != offsets[i] {
			t.Errorf("sample %d presentation offset = %d, want %d", i, s.PresentationOffset, offsets[i])
		}
	}
}

func TestWriterEditList(t *testing.T) {
	w := NewWriter()
	vt := w.AddVideoTrack(64, 48, 90000, testAVCC)
	vt.SetEdit(6000, 500)
	vt.WriteSample([]byte{1}, 3000, 0, true)
	buf, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	tracks, _, _, err := parseWholeFile(buf)
	if err != nil {
		t.Fatal(err)
	}
	edits := tracks[0].Edits
	if len(edits) != 1 {
		t.Fatalf("got %d edits, want 1", len(edits))
	}
	if edits[0].MediaTime != 6000 || edits[0].Duration != 500 {
		t.Errorf("edit = {%d %d}, want {6000 500}", edits[0].MediaTime, edits[0].Duration)
	}
}

func TestWriterNoSamples(t *testing.T) {
	w := NewWriter()
	w.AddVideoTrack(64, 48, 90000, testAVCC)
	if _, err := w.Finalize(); !errors.Is(err, ErrNoSamples) {
		t.Fatalf("err = %v, want ErrNoSamples", err)
	}
}

func TestWriterZeroSampleTrackAlongsideData(t *testing.T) {
	w := NewWriter()
	w.AddVideoTrack(64, 48, 90000, testAVCC)
	at := w.AddAudioTrack(2, 44100, 0x40, AudioSpecificConfig(44100, 2))
	at.WriteSample([]byte{1, 2, 3}, 1024, 0, true)
	buf, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	tracks, _, _, err := parseWholeFile(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if n := len(tracks[0].Samples); n != 0 {
		t.Errorf("video sample count = %d, want 0", n)
	}
	if n := len(tracks[1].Samples); n != 1 {
		t.Errorf("audio sample count = %d, want 1", n)
	}
}

// parseWholeFile demuxes an authored file in one append.
func parseWholeFile(buf []byte) ([]*Track, uint32, uint64, error) {
	d := NewDemuxer()
	if err := d.Append(buf); err != nil {
		return nil, 0, 0, err
	}
	tracks, err := d.Tracks()
	if err != nil {
		return nil, 0, 0, err
	}
	return tracks, d.MovieTimeScale(), d.MovieDuration(), nil
}
