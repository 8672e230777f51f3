package vidfx

import (
	"image"
	"image/color"
	"testing"
)

func TestRGBAConversionRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 64, B: 200, A: 255})
		}
	}

	f := FrameFromRGBA(img, nil, 500, 33333)
	if f.Width != 8 || f.Height != 8 {
		t.Fatalf("frame = %dx%d", f.Width, f.Height)
	}
	if f.PTS != 500 || f.Duration != 33333 {
		t.Errorf("timing = %d/%d", f.PTS, f.Duration)
	}

	back := f.ToRGBA()
	for _, p := range []struct{ x, y int }{{0, 0}, {3, 5}, {7, 7}} {
		c := back.RGBAAt(p.x, p.y)
		if absInt(int(c.R)-120) > 4 || absInt(int(c.G)-64) > 4 || absInt(int(c.B)-200) > 4 {
			t.Errorf("pixel (%d,%d) = %v, want ~{120 64 200}", p.x, p.y, c)
		}
		if c.A != 255 {
			t.Errorf("alpha = %d", c.A)
		}
	}
}

func TestFrameFromRGBAUsesPool(t *testing.T) {
	pool := &FramePool{}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	f := FrameFromRGBA(img, pool, 0, 0)
	if pool.Outstanding() != 1 {
		t.Errorf("outstanding = %d", pool.Outstanding())
	}
	f.Release()
	if pool.Outstanding() != 0 {
		t.Errorf("outstanding after release = %d", pool.Outstanding())
	}
}

func TestResizeRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	out := ResizeRGBA(img, 8, 4)
	if out.Rect.Dx() != 8 || out.Rect.Dy() != 4 {
		t.Errorf("resized to %dx%d", out.Rect.Dx(), out.Rect.Dy())
	}
	if same := ResizeRGBA(img, 16, 8); same != img {
		t.Error("resize to identical size should pass through")
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
