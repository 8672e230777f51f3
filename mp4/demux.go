package mp4

import (
	"fmt"
	"sort"
)

// Demuxer incrementally parses a non-fragmented MP4 file delivered as a
// sequence of byte appends. Tracks become available once the complete moov
// box has been appended; sample payloads can be read for any sample whose
// byte range the appended data already covers.
//
// A Demuxer is not safe for concurrent use.
type Demuxer struct {
	buf []byte

	// scan is the offset of the next unparsed top-level box.
	scan int

	tracks    []*Track
	timescale uint32
	duration  uint64
	haveMoov  bool

	err error
}

// NewDemuxer returns an empty Demuxer. Feed it with Append.
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Append adds the next chunk of file bytes and advances top-level parsing
// as far as the data allows. Once the moov box is complete its tracks are
// parsed eagerly. A parse error is sticky: all later calls return it.
func (d *Demuxer) Append(p []byte) error {
	if d.err != nil {
		return d.err
	}
	d.buf = append(d.buf, p...)

	for d.scan < len(d.buf) {
		h, needMore, err := readHeader(d.buf, d.scan, len(d.buf))
		if needMore {
			return nil
		}
		if err != nil {
			d.err = err
			return err
		}
		end := d.scan + int(h.Size)
		if end > len(d.buf) {
			// Top-level box still arriving. mdat payload bytes are
			// consumed lazily via SampleData, so only moov has to be
			// complete before we move past it.
			return nil
		}
		if h.Type == TypeMoov && !d.haveMoov {
			tracks, ts, dur, err := ParseMoov(d.buf[d.scan:end])
			if err != nil {
				d.err = err
				return err
			}
			d.tracks = tracks
			d.timescale = ts
			d.duration = dur
			d.haveMoov = true
		}
		d.scan = end
	}
	return nil
}

// HaveMoov reports whether the moov box has been parsed.
func (d *Demuxer) HaveMoov() bool { return d.haveMoov }

// Tracks returns the parsed tracks, or ErrNoMoov if the moov box has not
// arrived yet.
func (d *Demuxer) Tracks() ([]*Track, error) {
	if d.err != nil {
		return nil, d.err
	}
	if !d.haveMoov {
		return nil, ErrNoMoov
	}
	return d.tracks, nil
}

// MovieTimeScale returns the mvhd timescale, valid once HaveMoov is true.
func (d *Demuxer) MovieTimeScale() uint32 { return d.timescale }

// MovieDuration returns the mvhd duration in movie timescale units.
func (d *Demuxer) MovieDuration() uint64 { return d.duration }

// SampleAvailable reports whether the sample's byte range has been
// appended.
func (d *Demuxer) SampleAvailable(s Sample) bool {
	return s.Offset+int64(s.Size) <= int64(len(d.buf))
}

// SampleData returns the encoded payload of s. The returned slice aliases
// the demuxer's buffer and must not be modified.
func (d *Demuxer) SampleData(s Sample) ([]byte, error) {
	end := s.Offset + int64(s.Size)
	if s.Offset < 0 || end > int64(len(d.buf)) {
		return nil, fmt.Errorf("%w: sample range [%d,%d) beyond %d appended bytes",
			ErrShortBox, s.Offset, end, len(d.buf))
	}
	return d.buf[s.Offset:end], nil
}

// PresentationOrder returns the track's samples sorted by presentation
// timestamp. The sort is stable so samples sharing a timestamp keep their
// decode order.
func PresentationOrder(t *Track) []Sample {
	out := make([]Sample, len(t.Samples))
	copy(out, t.Samples)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PTS() < out[j].PTS()
	})
	return out
}

// TrimmedRange applies the track's edit list and returns the presentation
// time window [start, end) in media timescale units that survives editing.
// A track without edits keeps its full duration.
func TrimmedRange(t *Track, movieTimeScale uint32) (start, end int64) {
	total := int64(t.Duration)
	if len(t.Edits) == 0 || movieTimeScale == 0 || t.TimeScale == 0 {
		return 0, total
	}
	// Only the common single-segment trim is honored; multi-segment edits
	// fall back to the first non-empty segment.
	for _, e := range t.Edits {
		if e.MediaTime < 0 {
			continue
		}
		segLen := int64(e.Duration) * int64(t.TimeScale) / int64(movieTimeScale)
		return e.MediaTime, e.MediaTime + segLen
	}
	return 0, total
}
