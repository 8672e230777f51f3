package vidfx

import (
	"errors"

	"github.com/vidfx/vidfx/mp4"
)

// ErrNoVideoTrack is returned when an asset carries neither a video track
// nor an alternate track usable as one.
var ErrNoVideoTrack = errors.New("vidfx: no usable video track")

// SelectTracks chooses the tracks carried through the pipeline: the first
// video track, falling back to the first "other"-kind track, and the
// first audio track if any. A missing audio track is not an error; a
// missing video track is fatal.
func SelectTracks(tracks []*mp4.Track) (video, audio *mp4.Track, err error) {
	for _, t := range tracks {
		if t.Kind == mp4.TrackVideo {
			video = t
			break
		}
	}
	if video == nil {
		for _, t := range tracks {
			if t.Kind == mp4.TrackOther {
				video = t
				break
			}
		}
	}
	if video == nil {
		return nil, nil, ErrNoVideoTrack
	}

	for _, t := range tracks {
		if t.Kind == mp4.TrackAudio {
			audio = t
			break
		}
	}
	return video, audio, nil
}
