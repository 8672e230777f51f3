package vidfx

import "math"

// FitWithin returns the dimensions of src scaled uniformly to fit inside
// maxW x maxH. The scale factor is min(1, maxW/w, maxH/h), so frames
// already inside the bound keep their size; results round to the nearest
// integer.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	scale := math.Min(1, math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h)))
	return int(math.Round(float64(w) * scale)), int(math.Round(float64(h) * scale))
}

// Scaler scales I420 frames to fixed target dimensions using bilinear
// interpolation. Output frames come from the configured pool.
type Scaler struct {
	dstWidth, dstHeight int
	pool                *FramePool
}

// NewScaler creates a scaler producing dstWidth x dstHeight frames. A nil
// pool yields pool-less output frames.
func NewScaler(dstWidth, dstHeight int, pool *FramePool) *Scaler {
	return &Scaler{dstWidth: dstWidth, dstHeight: dstHeight, pool: pool}
}

// Scale scales the frame to the target dimensions, carrying over its
// timing. The input frame is untouched; frames already at the target size
// are returned as-is.
func (s *Scaler) Scale(frame *ImageFrame) *ImageFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}

	var out *ImageFrame
	if s.pool != nil {
		out = s.pool.Get(s.dstWidth, s.dstHeight)
	} else {
		out = NewImageFrame(s.dstWidth, s.dstHeight)
	}
	out.PTS = frame.PTS
	out.Duration = frame.Duration

	scalePlane(frame.Y, frame.StrideY, frame.Width, frame.Height,
		out.Y, out.StrideY, s.dstWidth, s.dstHeight)
	scalePlane(frame.U, frame.StrideUV, frame.Width/2, frame.Height/2,
		out.U, out.StrideUV, s.dstWidth/2, s.dstHeight/2)
	scalePlane(frame.V, frame.StrideUV, frame.Width/2, frame.Height/2,
		out.V, out.StrideUV, s.dstWidth/2, s.dstHeight/2)
	return out
}

// scalePlane scales a single plane using bilinear interpolation with
// 16.16 fixed-point coordinates.
func scalePlane(src []byte, srcStride, srcW, srcH int, dst []byte, dstStride, dstW, dstH int) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		y0 := srcYFP >> 16
		yFrac := srcYFP & 0xFFFF

		y1 := y0 + 1
		if y1 >= srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			x0 := srcXFP >> 16
			xFrac := srcXFP & 0xFFFF

			x1 := x0 + 1
			if x1 >= srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xFrac) + p10*xFrac) >> 16
			bottom := (p01*(0x10000-xFrac) + p11*xFrac) >> 16
			dst[y*dstStride+x] = byte((top*(0x10000-yFrac) + bottom*yFrac) >> 16)
		}
	}
}
