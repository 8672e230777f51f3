package mp4

import (
	"errors"
	"fmt"
)

// ErrNoSamples is returned by Finalize when no track received any sample.
var ErrNoSamples = errors.New("mp4: no samples written")

// WriterTrack is the mutable authoring-side counterpart of Track.
type WriterTrack struct {
	id        uint32
	kind      TrackKind
	timescale uint32

	width  uint16
	height uint16

	channelCount uint16
	sampleRate   uint32
	audioOTI     byte

	codecConfig []byte

	hasEdit       bool
	editMediaTime int64
	editDuration  uint64

	samples []writerSample
	mdat    []byte
	dts     int64
}

// SetEdit attaches a single-segment edit list. mediaTime is in track
// timescale units; duration is in movie timescale units.
func (t *WriterTrack) SetEdit(mediaTime int64, duration uint64) {
	t.hasEdit = true
	t.editMediaTime = mediaTime
	t.editDuration = duration
}

type writerSample struct {
	mdatOffset int64
	size       uint32
	duration   uint32
	presOff    int32
	sync       bool
	dts        int64
}

// Writer authors a non-fragmented MP4 file in memory: ftyp, an interleaved
// mdat, then moov. Samples may be added in any track order; within a track
// they must arrive in decode order.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	tracks    []*WriterTrack
	nextID    uint32
	finalized bool
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{nextID: 1}
}

// AddVideoTrack declares an AVC video track. avcC is the
// AVCDecoderConfigurationRecord payload (without box header).
func (w *Writer) AddVideoTrack(width, height uint16, timescale uint32, avcC []byte) *WriterTrack {
	t := &WriterTrack{
		id:          w.nextID,
		kind:        TrackVideo,
		timescale:   timescale,
		width:       width,
		height:      height,
		codecConfig: append([]byte(nil), avcC...),
	}
	w.nextID++
	w.tracks = append(w.tracks, t)
	return t
}

// AddAudioTrack declares an MPEG-4 audio track. asc is the
// AudioSpecificConfig carried inside esds; oti is the object type
// indication (0x40 for AAC).
func (w *Writer) AddAudioTrack(channels uint16, sampleRate uint32, oti byte, asc []byte) *WriterTrack {
	t := &WriterTrack{
		id:           w.nextID,
		kind:         TrackAudio,
		timescale:    sampleRate,
		channelCount: channels,
		sampleRate:   sampleRate,
		audioOTI:     oti,
		codecConfig:  append([]byte(nil), asc...),
	}
	w.nextID++
	w.tracks = append(w.tracks, t)
	return t
}

// WriteSample appends one encoded sample to the track. data is copied.
func (t *WriterTrack) WriteSample(data []byte, duration uint32, presentationOffset int32, sync bool) {
	t.samples = append(t.samples, writerSample{
		mdatOffset: int64(len(t.mdat)),
		size:       uint32(len(data)),
		duration:   duration,
		presOff:    presentationOffset,
		sync:       sync,
		dts:        t.dts,
	})
	t.mdat = append(t.mdat, data...)
	t.dts += int64(duration)
}

// movieTimeScale is the mvhd timescale used for authored files.
const movieTimeScale = 1000

// Finalize lays out and serializes the file. The Writer cannot be reused
// afterwards.
func (w *Writer) Finalize() ([]byte, error) {
	if w.finalized {
		return nil, errors.New("mp4: writer already finalized")
	}
	w.finalized = true

	total := 0
	for _, t := range w.tracks {
		total += len(t.samples)
	}
	if total == 0 {
		return nil, ErrNoSamples
	}
	for _, t := range w.tracks {
		if t.timescale == 0 {
			return nil, fmt.Errorf("mp4: track %d has zero timescale", t.id)
		}
	}

	chunks := w.interleave()

	// ftyp.
	out := &bufWriter{}
	ftyp := out.beginBox(TypeFtyp)
	out.fourcc("isom")
	out.u32(0x200)
	out.fourcc("isom")
	out.fourcc("iso2")
	out.fourcc("avc1")
	out.fourcc("mp41")
	out.endBox(ftyp)

	// mdat, recording the absolute file offset of every chunk.
	mdat := out.beginBox(TypeMdat)
	chunkFileOff := make([]int64, len(chunks))
	for i, c := range chunks {
		chunkFileOff[i] = int64(len(out.buf))
		t := c.track
		first := t.samples[c.firstSample]
		last := t.samples[c.firstSample+c.sampleCount-1]
		out.bytes(t.mdat[first.mdatOffset : last.mdatOffset+int64(last.size)])
	}
	out.endBox(mdat)

	w.writeMoov(out, chunks, chunkFileOff)
	return out.buf, nil
}

// chunkRun is a maximal run of consecutive samples of one track placed
// contiguously in mdat.
type chunkRun struct {
	track       *WriterTrack
	firstSample int
	sampleCount int
}

// interleave orders every track's samples by decode time in seconds and
// groups consecutive same-track samples into chunks.
func (w *Writer) interleave() []chunkRun {
	type cursor struct {
		track *WriterTrack
		next  int
	}
	var cursors []*cursor
	for _, t := range w.tracks {
		if len(t.samples) > 0 {
			cursors = append(cursors, &cursor{track: t})
		}
	}

	var order []*cursor
	for {
		var best *cursor
		var bestTime float64
		for _, c := range cursors {
			if c.next >= len(c.track.samples) {
				continue
			}
			tm := float64(c.track.samples[c.next].dts) / float64(c.track.timescale)
			if best == nil || tm < bestTime {
				best, bestTime = c, tm
			}
		}
		if best == nil {
			break
		}
		order = append(order, best)
		best.next++
	}

	var chunks []chunkRun
	consumed := make(map[*WriterTrack]int)
	for _, c := range order {
		idx := consumed[c.track]
		consumed[c.track] = idx + 1
		if n := len(chunks); n > 0 && chunks[n-1].track == c.track {
			chunks[n-1].sampleCount++
			continue
		}
		chunks = append(chunks, chunkRun{track: c.track, firstSample: idx, sampleCount: 1})
	}
	return chunks
}

func (w *Writer) writeMoov(out *bufWriter, chunks []chunkRun, chunkFileOff []int64) {
	moov := out.beginBox(TypeMoov)

	var movieDur uint64
	for _, t := range w.tracks {
		d := uint64(t.dts) * movieTimeScale / uint64(t.timescale)
		if d > movieDur {
			movieDur = d
		}
	}

	mvhd := out.beginFullBox(TypeMvhd, 0, 0)
	out.u32(0) // creation time
	out.u32(0) // modification time
	out.u32(movieTimeScale)
	out.u32(uint32(movieDur))
	out.u32(0x00010000) // rate
	out.u16(0x0100)     // volume
	out.zeros(10)
	writeUnityMatrix(out)
	out.zeros(24) // predefined
	out.u32(uint32(len(w.tracks)) + 1)
	out.endBox(mvhd)

	for _, t := range w.tracks {
		w.writeTrak(out, t, chunks, chunkFileOff, movieDur)
	}
	out.endBox(moov)
}

func writeUnityMatrix(out *bufWriter) {
	out.u32(0x00010000)
	out.zeros(12)
	out.u32(0x00010000)
	out.zeros(12)
	out.u32(0x40000000)
}

func (w *Writer) writeTrak(out *bufWriter, t *WriterTrack, chunks []chunkRun, chunkFileOff []int64, movieDur uint64) {
	trak := out.beginBox(TypeTrak)

	tkhd := out.beginFullBox(TypeTkhd, 0, 0x7) // enabled | in movie | in preview
	out.u32(0)
	out.u32(0)
	out.u32(t.id)
	out.u32(0)
	out.u32(uint32(movieDur))
	out.zeros(8)
	out.u16(0) // layer
	out.u16(0) // alternate group
	if t.kind == TrackAudio {
		out.u16(0x0100)
	} else {
		out.u16(0)
	}
	out.u16(0)
	writeUnityMatrix(out)
	out.u32(uint32(t.width) << 16)
	out.u32(uint32(t.height) << 16)
	out.endBox(tkhd)

	if t.hasEdit {
		edts := out.beginBox(TypeEdts)
		elst := out.beginFullBox(TypeElst, 1, 0)
		out.u32(1)
		out.u64(t.editDuration)
		out.u64(uint64(t.editMediaTime))
		out.u32(0x00010000) // media rate
		out.endBox(elst)
		out.endBox(edts)
	}

	mdia := out.beginBox(TypeMdia)

	mdhd := out.beginFullBox(TypeMdhd, 0, 0)
	out.u32(0)
	out.u32(0)
	out.u32(t.timescale)
	out.u32(uint32(t.dts))
	out.u16(0x55c4) // language: und
	out.u16(0)
	out.endBox(mdhd)

	hdlr := out.beginFullBox(TypeHdlr, 0, 0)
	out.u32(0)
	if t.kind == TrackAudio {
		out.fourcc("soun")
	} else {
		out.fourcc("vide")
	}
	out.zeros(12)
	if t.kind == TrackAudio {
		out.bytes([]byte("SoundHandler\x00"))
	} else {
		out.bytes([]byte("VideoHandler\x00"))
	}
	out.endBox(hdlr)

	minf := out.beginBox(TypeMinf)
	if t.kind == TrackAudio {
		smhd := out.beginFullBox(TypeSmhd, 0, 0)
		out.u32(0)
		out.endBox(smhd)
	} else {
		vmhd := out.beginFullBox(TypeVmhd, 0, 1)
		out.zeros(8)
		out.endBox(vmhd)
	}

	dinf := out.beginBox(TypeDinf)
	dref := out.beginFullBox(TypeDref, 0, 0)
	out.u32(1)
	url := out.beginFullBox(TypeUrl, 0, 1) // self-contained
	out.endBox(url)
	out.endBox(dref)
	out.endBox(dinf)

	w.writeStbl(out, t, chunks, chunkFileOff)

	out.endBox(minf)
	out.endBox(mdia)
	out.endBox(trak)
}

func (w *Writer) writeStbl(out *bufWriter, t *WriterTrack, chunks []chunkRun, chunkFileOff []int64) {
	stbl := out.beginBox(TypeStbl)

	stsd := out.beginFullBox(TypeStsd, 0, 0)
	out.u32(1)
	if t.kind == TrackAudio {
		writeMp4aEntry(out, t)
	} else {
		writeAvc1Entry(out, t)
	}
	out.endBox(stsd)

	// stts from run-length encoded durations.
	stts := out.beginFullBox(TypeStts, 0, 0)
	countOff := len(out.buf)
	out.u32(0)
	entries := uint32(0)
	i := 0
	for i < len(t.samples) {
		j := i
		for j < len(t.samples) && t.samples[j].duration == t.samples[i].duration {
			j++
		}
		out.u32(uint32(j - i))
		out.u32(t.samples[i].duration)
		entries++
		i = j
	}
	be.PutUint32(out.buf[countOff:], entries)
	out.endBox(stts)

	// ctts only when some sample reorders.
	hasOffsets := false
	for _, s := range t.samples {
		if s.presOff != 0 {
			hasOffsets = true
			break
		}
	}
	if hasOffsets {
		ctts := out.beginFullBox(TypeCtts, 1, 0)
		countOff := len(out.buf)
		out.u32(0)
		entries := uint32(0)
		i := 0
		for i < len(t.samples) {
			j := i
			for j < len(t.samples) && t.samples[j].presOff == t.samples[i].presOff {
				j++
			}
			out.u32(uint32(j - i))
			out.i32(t.samples[i].presOff)
			entries++
			i = j
		}
		be.PutUint32(out.buf[countOff:], entries)
		out.endBox(ctts)
	}

	// stss only when the track has non-sync samples.
	allSync := true
	for _, s := range t.samples {
		if !s.sync {
			allSync = false
			break
		}
	}
	if !allSync {
		stss := out.beginFullBox(TypeStss, 0, 0)
		countOff := len(out.buf)
		out.u32(0)
		n := uint32(0)
		for i, s := range t.samples {
			if s.sync {
				out.u32(uint32(i + 1))
				n++
			}
		}
		be.PutUint32(out.buf[countOff:], n)
		out.endBox(stss)
	}

	// stsc/stco from this track's chunk runs.
	stsc := out.beginFullBox(TypeStsc, 0, 0)
	countOff = len(out.buf)
	out.u32(0)
	entries = 0
	chunkIdx := uint32(0)
	lastPer := uint32(0)
	for _, c := range chunks {
		if c.track != t {
			continue
		}
		chunkIdx++
		if uint32(c.sampleCount) != lastPer {
			out.u32(chunkIdx)
			out.u32(uint32(c.sampleCount))
			out.u32(1) // sample description index
			entries++
			lastPer = uint32(c.sampleCount)
		}
	}
	be.PutUint32(out.buf[countOff:], entries)
	out.endBox(stsc)

	stsz := out.beginFullBox(TypeStsz, 0, 0)
	out.u32(0) // non-uniform
	out.u32(uint32(len(t.samples)))
	for _, s := range t.samples {
		out.u32(s.size)
	}
	out.endBox(stsz)

	stco := out.beginFullBox(TypeStco, 0, 0)
	countOff = len(out.buf)
	out.u32(0)
	n := uint32(0)
	for i, c := range chunks {
		if c.track != t {
			continue
		}
		out.u32(uint32(chunkFileOff[i]))
		n++
	}
	be.PutUint32(out.buf[countOff:], n)
	out.endBox(stco)

	out.endBox(stbl)
}

func writeAvc1Entry(out *bufWriter, t *WriterTrack) {
	avc1 := out.beginBox(TypeAvc1)
	out.zeros(6)
	out.u16(1) // data reference index
	out.zeros(16)
	out.u16(t.width)
	out.u16(t.height)
	out.u32(0x00480000) // 72 dpi horizontal
	out.u32(0x00480000) // 72 dpi vertical
	out.u32(0)
	out.u16(1) // frame count
	out.zeros(32)
	out.u16(0x0018) // depth
	out.u16(0xffff) // predefined -1
	avcC := out.beginBox(TypeAvcC)
	out.bytes(t.codecConfig)
	out.endBox(avcC)
	out.endBox(avc1)
}

func writeMp4aEntry(out *bufWriter, t *WriterTrack) {
	mp4a := out.beginBox(TypeMp4a)
	out.zeros(6)
	out.u16(1) // data reference index
	out.zeros(8)
	out.u16(t.channelCount)
	out.u16(16) // sample size
	out.u32(0)
	out.u32(t.sampleRate << 16)
	writeEsds(out, t.audioOTI, t.codecConfig)
	out.endBox(mp4a)
}

// writeEsds serializes the ES descriptor chain: ES_Descr containing
// DecoderConfigDescr containing DecoderSpecificInfo, then SLConfigDescr.
func writeEsds(out *bufWriter, oti byte, asc []byte) {
	esds := out.beginFullBox(TypeEsds, 0, 0)

	dsiLen := len(asc)
	dcdLen := 13 + 2 + dsiLen // fixed fields + DSI tag/len
	esdLen := 3 + 2 + dcdLen + 3

	out.u8(0x03) // ES_DescrTag
	out.u8(byte(esdLen))
	out.u16(0) // ES_ID
	out.u8(0)  // flags

	out.u8(0x04) // DecoderConfigDescrTag
	out.u8(byte(dcdLen))
	out.u8(oti)
	out.u8(0x15)    // streamType audio, upstream 0, reserved 1
	out.zeros(3)    // buffer size
	out.u32(128000) // max bitrate
	out.u32(128000) // avg bitrate

	out.u8(0x05) // DecSpecificInfoTag
	out.u8(byte(dsiLen))
	out.bytes(asc)

	out.u8(0x06) // SLConfigDescrTag
	out.u8(1)
	out.u8(0x02)

	out.endBox(esds)
}

// AudioSpecificConfig builds the 2-byte AAC-LC configuration for the given
// sample rate and channel count.
func AudioSpecificConfig(sampleRate uint32, channels uint16) []byte {
	freqIndex := byte(15)
	for i, r := range aacSampleRates {
		if r == sampleRate {
			freqIndex = byte(i)
			break
		}
	}
	const objectType = 2 // AAC-LC
	b0 := byte(objectType<<3) | freqIndex>>1
	b1 := freqIndex<<7 | byte(channels)<<3
	return []byte{b0, b1}
}

var aacSampleRates = [...]uint32{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}
