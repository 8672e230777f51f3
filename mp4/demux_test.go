package mp4

import (
	"errors"
	"testing"
)

func TestAppendRejectsHugeDeclaredSize(t *testing.T) {
	buf := make([]byte, 16)
	be.PutUint32(buf, 1)
	copy(buf[4:], "mdat")
	be.PutUint64(buf[8:], 0xFFFFFFFFFFFFFFFF)

	d := NewDemuxer()
	if err := d.Append(buf); !errors.Is(err, ErrInvalidBoxSize) {
		t.Fatalf("Append err = %v, want ErrInvalidBoxSize", err)
	}
	// The error is sticky.
	if err := d.Append(nil); !errors.Is(err, ErrInvalidBoxSize) {
		t.Fatalf("second Append err = %v, want sticky ErrInvalidBoxSize", err)
	}
}
