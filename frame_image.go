package vidfx

import (
	"image"

	"golang.org/x/image/draw"
)

// RGBA interop for effect implementations working in packed RGB space.
// Conversion uses the BT.601 full-range matrix.

// ToRGBA converts the frame to an RGBA image.
func (f *ImageFrame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		yRow := y * f.StrideY
		uvRow := (y / 2) * f.StrideUV
		dstRow := y * img.Stride
		for x := 0; x < f.Width; x++ {
			yv := int(f.Y[yRow+x])
			uv := int(f.U[uvRow+x/2]) - 128
			vv := int(f.V[uvRow+x/2]) - 128

			r := yv + (91881*vv)>>16
			g := yv - (22554*uv+46802*vv)>>16
			b := yv + (116130*uv)>>16

			d := dstRow + x*4
			img.Pix[d] = clampByte(r)
			img.Pix[d+1] = clampByte(g)
			img.Pix[d+2] = clampByte(b)
			img.Pix[d+3] = 0xff
		}
	}
	return img
}

// FrameFromRGBA converts an RGBA image to an I420 frame drawn from pool
// (nil pool allocates). Odd dimensions are truncated to even for the
// chroma planes.
func FrameFromRGBA(img *image.RGBA, pool *FramePool, pts, duration int64) *ImageFrame {
	w := img.Rect.Dx()
	h := img.Rect.Dy()

	var f *ImageFrame
	if pool != nil {
		f = pool.Get(w, h)
	} else {
		f = NewImageFrame(w, h)
	}
	f.PTS = pts
	f.Duration = duration

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			r := int(img.Pix[s])
			g := int(img.Pix[s+1])
			b := int(img.Pix[s+2])

			f.Y[y*f.StrideY+x] = clampByte((19595*r + 38470*g + 7471*b) >> 16)
			if y%2 == 0 && x%2 == 0 {
				u := ((-11059*r - 21709*g + 32768*b) >> 16) + 128
				v := ((32768*r - 27439*g - 5329*b) >> 16) + 128
				f.U[(y/2)*f.StrideUV+x/2] = clampByte(u)
				f.V[(y/2)*f.StrideUV+x/2] = clampByte(v)
			}
		}
	}
	return f
}

// ResizeRGBA scales an RGBA image to the given dimensions with
// Catmull-Rom resampling.
func ResizeRGBA(img *image.RGBA, width, height int) *image.RGBA {
	if img.Rect.Dx() == width && img.Rect.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Rect, draw.Over, nil)
	return dst
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
