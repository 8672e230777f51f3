package mp4

import (
	"fmt"
)

// TrackKind distinguishes the media categories carried by a track.
type TrackKind int

const (
	TrackOther TrackKind = iota
	TrackVideo
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "other"
	}
}

// EditSegment is one entry of a track's edit list. MediaTime is in media
// timescale units; Duration is in movie timescale units. MediaTime -1
// marks an empty edit.
type EditSegment struct {
	MediaTime int64
	Duration  uint64
}

// Sample is one encoded access unit. Samples are immutable once parsed.
type Sample struct {
	TrackID            uint32
	Offset             int64
	Size               uint32
	Duration           uint32
	DTS                int64
	PresentationOffset int32
	IsSync             bool
}

// PTS returns the composition (presentation) timestamp in track timescale
// units.
func (s Sample) PTS() int64 {
	return s.DTS + int64(s.PresentationOffset)
}

// Track describes one media track parsed from a moov box.
type Track struct {
	ID        uint32
	Kind      TrackKind
	TimeScale uint32
	Duration  uint64

	// Video properties.
	Width  uint16
	Height uint16

	// Audio properties.
	ChannelCount uint16
	SampleRate   uint32

	// Codec is the MIME codec string, e.g. "avc1.64001f" or "mp4a.40.2".
	Codec string

	// CodecConfig is the codec-specific configuration payload: the avcC
	// box contents (after its size/type header) for avc1, or the
	// AudioSpecificConfig extracted from esds for mp4a.
	CodecConfig []byte

	Edits   []EditSegment
	Samples []Sample

	raw trackRaw
}

// trackRaw keeps the raw sample-table payloads until samples are built.
type trackRaw struct {
	handler  [4]byte
	stts     []byte
	ctts     []byte
	cttsVer  uint8
	stsc     []byte
	stsz     []byte
	stco     []byte
	co64     []byte
	stss     []byte
	entryTyp BoxType
}

// SampleCount returns the number of samples declared by the stsz table.
func (t *Track) SampleCount() int {
	return len(t.Samples)
}

var (
	htVide = [4]byte{'v', 'i', 'd', 'e'}
	htSoun = [4]byte{'s', 'o', 'u', 'n'}
)

// ParseMoov parses a complete top-level moov box (header included) and
// returns the tracks with their sample tables fully materialized, plus the
// movie timescale and duration from mvhd.
func ParseMoov(buf []byte) (tracks []*Track, timescale uint32, duration uint64, err error) {
	moov, err := decodeBox(buf, 0, len(buf))
	if err != nil {
		return nil, 0, 0, err
	}
	if moov.Type != TypeMoov {
		return nil, 0, 0, ErrNoMoov
	}

	if mvhd := moov.Child(TypeMvhd); mvhd != nil {
		timescale, duration, err = parseMvhd(mvhd)
		if err != nil {
			return nil, 0, 0, err
		}
	}

	for _, trak := range moov.ChildList(TypeTrak) {
		t, err := parseTrak(trak)
		if err != nil {
			return nil, 0, 0, err
		}
		if err := t.buildSamples(); err != nil {
			return nil, 0, 0, err
		}
		tracks = append(tracks, t)
	}
	return tracks, timescale, duration, nil
}

func parseMvhd(box *Box) (timescale uint32, duration uint64, err error) {
	d := box.Data
	if box.Version == 1 {
		if len(d) < 28 {
			return 0, 0, fmt.Errorf("%w: mvhd v1 payload", ErrShortBox)
		}
		return be.Uint32(d[16:]), be.Uint64(d[20:]), nil
	}
	if len(d) < 16 {
		return 0, 0, fmt.Errorf("%w: mvhd payload", ErrShortBox)
	}
	return be.Uint32(d[8:]), uint64(be.Uint32(d[12:])), nil
}

func parseTrak(trak *Box) (*Track, error) {
	t := &Track{}

	if tkhd := trak.Child(TypeTkhd); tkhd != nil {
		if err := t.parseTkhd(tkhd); err != nil {
			return nil, err
		}
	}
	if edts := trak.Child(TypeEdts); edts != nil {
		if elst := edts.Child(TypeElst); elst != nil {
			if err := t.parseElst(elst); err != nil {
				return nil, err
			}
		}
	}

	mdia := trak.Child(TypeMdia)
	if mdia == nil {
		return nil, fmt.Errorf("%w: trak %d has no mdia", ErrShortBox, t.ID)
	}
	if mdhd := mdia.Child(TypeMdhd); mdhd != nil {
		if err := t.parseMdhd(mdhd); err != nil {
			return nil, err
		}
	}
	if hdlr := mdia.Child(TypeHdlr); hdlr != nil && len(hdlr.Data) >= 8 {
		copy(t.raw.handler[:], hdlr.Data[4:8])
	}

	minf := mdia.Child(TypeMinf)
	if minf == nil {
		return nil, fmt.Errorf("%w: trak %d has no minf", ErrShortBox, t.ID)
	}
	stbl := minf.Child(TypeStbl)
	if stbl == nil {
		return nil, fmt.Errorf("%w: trak %d has no stbl", ErrShortBox, t.ID)
	}
	if err := t.parseStbl(stbl); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Track) parseTkhd(box *Box) error {
	d := box.Data
	if box.Version == 1 {
		if len(d) < 88 {
			return fmt.Errorf("%w: tkhd v1 payload", ErrShortBox)
		}
		t.ID = be.Uint32(d[16:])
		t.Width = uint16(be.Uint32(d[80:]) >> 16)
		t.Height = uint16(be.Uint32(d[84:]) >> 16)
		return nil
	}
	if len(d) < 76 {
		return fmt.Errorf("%w: tkhd payload", ErrShortBox)
	}
	t.ID = be.Uint32(d[8:])
	t.Width = uint16(be.Uint32(d[68:]) >> 16)
	t.Height = uint16(be.Uint32(d[72:]) >> 16)
	return nil
}

func (t *Track) parseMdhd(box *Box) error {
	d := box.Data
	if box.Version == 1 {
		if len(d) < 28 {
			return fmt.Errorf("%w: mdhd v1 payload", ErrShortBox)
		}
		t.TimeScale = be.Uint32(d[16:])
		t.Duration = be.Uint64(d[20:])
		return nil
	}
	if len(d) < 16 {
		return fmt.Errorf("%w: mdhd payload", ErrShortBox)
	}
	t.TimeScale = be.Uint32(d[8:])
	t.Duration = uint64(be.Uint32(d[12:]))
	return nil
}

func (t *Track) parseElst(box *Box) error {
	d := box.Data
	if len(d) < 4 {
		return fmt.Errorf("%w: elst payload", ErrShortBox)
	}
	count := int(be.Uint32(d))
	entrySize := 12
	if box.Version == 1 {
		entrySize = 20
	}
	if len(d) < 4+count*entrySize {
		return fmt.Errorf("%w: elst declares %d entries", ErrShortBox, count)
	}
	ptr := 4
	for i := 0; i < count; i++ {
		var seg EditSegment
		if box.Version == 1 {
			seg.Duration = be.Uint64(d[ptr:])
			seg.MediaTime = int64(be.Uint64(d[ptr+8:]))
		} else {
			seg.Duration = uint64(be.Uint32(d[ptr:]))
			seg.MediaTime = int64(int32(be.Uint32(d[ptr+4:])))
		}
		t.Edits = append(t.Edits, seg)
		ptr += entrySize
	}
	return nil
}

func (t *Track) parseStbl(stbl *Box) error {
	if stsd := stbl.Child(TypeStsd); stsd != nil {
		if err := t.parseStsd(stsd); err != nil {
			return err
		}
	}
	for _, c := range stbl.Children {
		switch c.Type {
		case TypeStts:
			t.raw.stts = c.Data
		case TypeCtts:
			t.raw.ctts = c.Data
			t.raw.cttsVer = c.Version
		case TypeStsc:
			t.raw.stsc = c.Data
		case TypeStsz:
			t.raw.stsz = c.Data
		case TypeStco:
			t.raw.stco = c.Data
		case TypeCo64:
			t.raw.co64 = c.Data
		case TypeStss:
			t.raw.stss = c.Data
		}
	}
	return nil
}

// parseStsd inspects the first sample entry, classifies the track, and
// extracts the codec string plus the codec configuration payload.
func (t *Track) parseStsd(stsd *Box) error {
	d := stsd.Data
	if len(d) < 4 {
		return fmt.Errorf("%w: stsd payload", ErrShortBox)
	}
	entries, err := decodeChildren(d, 4, len(d))
	if err != nil {
		return fmt.Errorf("stsd: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	entry := entries[0]
	t.raw.entryTyp = entry.Type

	switch {
	case t.raw.handler == htVide && entry.Type == TypeAvc1:
		t.Kind = TrackVideo
		return t.parseAvc1(entry)
	case t.raw.handler == htSoun && entry.Type == TypeMp4a:
		t.Kind = TrackAudio
		return t.parseMp4a(entry)
	default:
		t.Kind = TrackOther
		t.Codec = entry.Type.String()
		return nil
	}
}

func (t *Track) parseAvc1(entry *Box) error {
	// VisualSampleEntry: 6 reserved + dref index, 16 predefined/reserved,
	// width/height at 24, then resolution/frame-count/compressor/depth up
	// to offset 78 where child boxes begin.
	const childOffset = 78
	d := entry.Data
	if len(d) < childOffset {
		return fmt.Errorf("%w: avc1 sample entry", ErrShortBox)
	}
	t.Width = be.Uint16(d[24:])
	t.Height = be.Uint16(d[26:])

	children, err := decodeChildren(d, childOffset, len(d))
	if err != nil {
		return fmt.Errorf("avc1: %w", err)
	}
	for _, c := range children {
		if c.Type == TypeAvcC && len(c.Data) >= 4 {
			t.CodecConfig = c.Data
			t.Codec = fmt.Sprintf("avc1.%02x%02x%02x", c.Data[1], c.Data[2], c.Data[3])
			return nil
		}
	}
	return fmt.Errorf("%w: avc1 entry has no avcC", ErrMissingCodecConfig)
}

func (t *Track) parseMp4a(entry *Box) error {
	// AudioSampleEntry: 6 reserved + dref index, 8 reserved, channel
	// count at 16, sample size at 18, sample rate (16.16) at 24, child
	// boxes from 28.
	const childOffset = 28
	d := entry.Data
	if len(d) < childOffset {
		return fmt.Errorf("%w: mp4a sample entry", ErrShortBox)
	}
	t.ChannelCount = be.Uint16(d[16:])
	t.SampleRate = be.Uint32(d[24:]) >> 16

	t.Codec = "mp4a"
	children, err := decodeChildren(d, childOffset, len(d))
	if err != nil {
		return fmt.Errorf("mp4a: %w", err)
	}
	for _, c := range children {
		if c.Type == TypeEsds {
			oti, asc := parseEsds(c.Data)
			if oti != 0 {
				t.Codec = fmt.Sprintf("mp4a.%x", oti)
				if len(asc) > 0 {
					t.CodecConfig = asc
					t.Codec = fmt.Sprintf("mp4a.%x.%d", oti, asc[0]>>3)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("%w: mp4a entry has no esds", ErrMissingCodecConfig)
}

// parseEsds walks the ES descriptor chain and returns the object type
// indication plus the DecoderSpecificInfo payload (the AudioSpecificConfig
// for AAC). Returns oti 0 when the chain is malformed.
func parseEsds(data []byte) (oti byte, asc []byte) {
	ptr, end := 0, len(data)
	if ptr >= end || data[ptr] != 0x03 {
		return 0, nil
	}
	ptr++
	ptr = skipDescLen(data, ptr, end)
	if ptr < 0 || ptr+3 > end {
		return 0, nil
	}
	flags := data[ptr+2]
	ptr += 3
	if flags&0x80 != 0 {
		ptr += 2
	}
	if flags&0x40 != 0 {
		if ptr >= end {
			return 0, nil
		}
		ptr += 1 + int(data[ptr])
	}
	if flags&0x20 != 0 {
		ptr += 2
	}
	if ptr >= end || data[ptr] != 0x04 {
		return 0, nil
	}
	ptr++
	ptr = skipDescLen(data, ptr, end)
	if ptr < 0 || ptr+13 > end {
		return 0, nil
	}
	oti = data[ptr]
	ptr += 13
	if ptr >= end || data[ptr] != 0x05 {
		return oti, nil
	}
	ptr++
	var n int
	ptr, n = readDescLen(data, ptr, end)
	if ptr < 0 || ptr+n > end {
		return oti, nil
	}
	return oti, data[ptr : ptr+n]
}

func skipDescLen(data []byte, ptr, end int) int {
	p, _ := readDescLen(data, ptr, end)
	return p
}

func readDescLen(data []byte, ptr, end int) (next, length int) {
	n := 0
	for ptr < end {
		b := data[ptr]
		ptr++
		n = n<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			return ptr, n
		}
	}
	return -1, 0
}

// buildSamples materializes Track.Samples from the raw sample tables.
func (t *Track) buildSamples() error {
	if t.raw.stsz == nil || t.raw.stts == nil || t.raw.stsc == nil {
		return fmt.Errorf("track %d: %w: missing stsz/stts/stsc", t.ID, ErrShortBox)
	}
	if t.raw.stco == nil && t.raw.co64 == nil {
		return fmt.Errorf("track %d: %w: missing stco/co64", t.ID, ErrShortBox)
	}

	stsz, err := parseStszTable(t.raw.stsz)
	if err != nil {
		return fmt.Errorf("track %d: %w", t.ID, err)
	}
	if len(stsz) == 0 {
		t.Samples = []Sample{}
		return nil
	}

	stts, err := parseCountPairs(t.raw.stts, "stts")
	if err != nil {
		return fmt.Errorf("track %d: %w", t.ID, err)
	}
	stsc, err := parseStscTable(t.raw.stsc)
	if err != nil || len(stsc) == 0 {
		return fmt.Errorf("track %d: %w: empty stsc", t.ID, ErrShortBox)
	}

	var ctts []cttsEntry
	if t.raw.ctts != nil {
		ctts, err = parseCttsTable(t.raw.ctts)
		if err != nil {
			return fmt.Errorf("track %d: %w", t.ID, err)
		}
	}

	var chunkOffsets []int64
	if t.raw.co64 != nil {
		chunkOffsets, err = parseCo64Table(t.raw.co64)
	} else {
		chunkOffsets, err = parseStcoTable(t.raw.stco)
	}
	if err != nil {
		return fmt.Errorf("track %d: %w", t.ID, err)
	}
	if len(chunkOffsets) == 0 {
		return fmt.Errorf("track %d: %w: empty chunk offset table", t.ID, ErrShortBox)
	}

	var syncSet map[uint32]bool
	if t.raw.stss != nil {
		syncs, err := parseUint32Table(t.raw.stss, "stss")
		if err != nil {
			return fmt.Errorf("track %d: %w", t.ID, err)
		}
		syncSet = make(map[uint32]bool, len(syncs))
		for _, n := range syncs {
			syncSet[n] = true
		}
	}

	samples := make([]Sample, len(stsz))

	// Expand stsc into per-chunk sample counts alongside stco.
	sttsIdx, sttsUsed := 0, uint32(0)
	cttsIdx, cttsUsed := 0, uint32(0)
	var dts int64
	sampleIdx := 0

	for chunk := 0; chunk < len(chunkOffsets) && sampleIdx < len(samples); chunk++ {
		perChunk := samplesPerChunk(stsc, uint32(chunk+1))
		offset := chunkOffsets[chunk]
		for i := uint32(0); i < perChunk && sampleIdx < len(samples); i++ {
			dur := uint32(0)
			if sttsIdx < len(stts) {
				dur = stts[sttsIdx].duration
				sttsUsed++
				if sttsUsed >= stts[sttsIdx].count {
					sttsIdx++
					sttsUsed = 0
				}
			}

			var presOff int32
			if cttsIdx < len(ctts) {
				presOff = ctts[cttsIdx].offset
				cttsUsed++
				if cttsUsed >= ctts[cttsIdx].count {
					cttsIdx++
					cttsUsed = 0
				}
			}

			isSync := true
			if syncSet != nil {
				isSync = syncSet[uint32(sampleIdx+1)]
			}

			samples[sampleIdx] = Sample{
				TrackID:            t.ID,
				Offset:             offset,
				Size:               stsz[sampleIdx],
				Duration:           dur,
				DTS:                dts,
				PresentationOffset: presOff,
				IsSync:             isSync,
			}
			offset += int64(stsz[sampleIdx])
			dts += int64(dur)
			sampleIdx++
		}
	}

	if sampleIdx != len(samples) {
		return fmt.Errorf("track %d: %w: sample tables cover %d of %d samples",
			t.ID, ErrInvalidBoxSize, sampleIdx, len(samples))
	}
	t.Samples = samples
	return nil
}

type countPair struct {
	count    uint32
	duration uint32
}

type cttsEntry struct {
	count  uint32
	offset int32
}

type stscEntry struct {
	firstChunk      uint32
	samplesPerChunk uint32
}

// samplesPerChunk resolves the stsc run covering the 1-based chunk index.
func samplesPerChunk(entries []stscEntry, chunk uint32) uint32 {
	per := entries[0].samplesPerChunk
	for _, e := range entries {
		if e.firstChunk > chunk {
			break
		}
		per = e.samplesPerChunk
	}
	return per
}

// maxSampleCount caps sample counts that are declared without any
// per-entry bytes backing them.
const maxSampleCount = 1 << 24

func parseStszTable(d []byte) ([]uint32, error) {
	if len(d) < 8 {
		return nil, fmt.Errorf("%w: stsz payload", ErrShortBox)
	}
	uniform := be.Uint32(d)
	count := be.Uint32(d[4:])
	if uniform != 0 {
		// The uniform branch has no per-entry payload backing the count,
		// so a corrupt table could demand an arbitrarily large allocation.
		if count > maxSampleCount {
			return nil, fmt.Errorf("%w: uniform stsz declares %d samples", ErrInvalidBoxSize, count)
		}
		sizes := make([]uint32, count)
		for i := range sizes {
			sizes[i] = uniform
		}
		return sizes, nil
	}
	n := int(count)
	if len(d) < 8+n*4 {
		return nil, fmt.Errorf("%w: stsz declares %d entries", ErrShortBox, n)
	}
	sizes := make([]uint32, n)
	for i := range sizes {
		sizes[i] = be.Uint32(d[8+i*4:])
	}
	return sizes, nil
}

func parseCountPairs(d []byte, name string) ([]countPair, error) {
	if len(d) < 4 {
		return nil, fmt.Errorf("%w: %s payload", ErrShortBox, name)
	}
	count := int(be.Uint32(d))
	if len(d) < 4+count*8 {
		return nil, fmt.Errorf("%w: %s declares %d entries", ErrShortBox, name, count)
	}
	out := make([]countPair, count)
	for i := range out {
		out[i] = countPair{be.Uint32(d[4+i*8:]), be.Uint32(d[8+i*8:])}
	}
	return out, nil
}

func parseCttsTable(d []byte) ([]cttsEntry, error) {
	pairs, err := parseCountPairs(d, "ctts")
	if err != nil {
		return nil, err
	}
	out := make([]cttsEntry, len(pairs))
	for i, p := range pairs {
		out[i] = cttsEntry{p.count, int32(p.duration)}
	}
	return out, nil
}

func parseStscTable(d []byte) ([]stscEntry, error) {
	if len(d) < 4 {
		return nil, fmt.Errorf("%w: stsc payload", ErrShortBox)
	}
	count := int(be.Uint32(d))
	if len(d) < 4+count*12 {
		return nil, fmt.Errorf("%w: stsc declares %d entries", ErrShortBox, count)
	}
	out := make([]stscEntry, count)
	for i := range out {
		out[i] = stscEntry{be.Uint32(d[4+i*12:]), be.Uint32(d[8+i*12:])}
	}
	return out, nil
}

func parseStcoTable(d []byte) ([]int64, error) {
	vals, err := parseUint32Table(d, "stco")
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out, nil
}

func parseCo64Table(d []byte) ([]int64, error) {
	if len(d) < 4 {
		return nil, fmt.Errorf("%w: co64 payload", ErrShortBox)
	}
	count := int(be.Uint32(d))
	if len(d) < 4+count*8 {
		return nil, fmt.Errorf("%w: co64 declares %d entries", ErrShortBox, count)
	}
	out := make([]int64, count)
	for i := range out {
		out[i] = int64(be.Uint64(d[4+i*8:]))
	}
	return out, nil
}

func parseUint32Table(d []byte, name string) ([]uint32, error) {
	if len(d) < 4 {
		return nil, fmt.Errorf("%w: %s payload", ErrShortBox, name)
	}
	count := int(be.Uint32(d))
	if len(d) < 4+count*4 {
		return nil, fmt.Errorf("%w: %s declares %d entries", ErrShortBox, name, count)
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = be.Uint32(d[4+i*4:])
	}
	return out, nil
}
