//go:build darwin || linux

// Platform H.264 codec units backed by libvidfx_h264 via purego.

package vidfx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	h264Once    sync.Once
	h264Handle  uintptr
	h264InitErr error
	h264Loaded  bool
)

// libvidfx_h264 function pointers
var (
	h264DecoderCreate    func(width, height int32, avcc uintptr, avccLen int32) uint64
	h264DecoderSubmit    func(decoder uint64, data uintptr, dataLen int32, ptsUs int64, key int32) int32
	h264DecoderNextFrame func(decoder uint64, result uintptr) int32
	h264DecoderFlush     func(decoder uint64) int32
	h264DecoderDestroy   func(decoder uint64)
	h264DecoderAvailable func() int32

	h264EncoderCreate    func(width, height, fps, bitrateKbps, profile int32) uint64
	h264EncoderEncode    func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride int32, ptsUs int64, forceKey int32, outData uintptr, outCapacity int32, outFrameType uintptr) int32
	h264EncoderMaxOutput func(encoder uint64) int32
	h264EncoderGetSPSPPS func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	h264EncoderFlush     func(encoder uint64, outData uintptr, outCapacity int32, outPtsUs, outFrameType uintptr) int32
	h264EncoderDestroy   func(encoder uint64)
	h264EncoderAvailable func() int32

	h264GetError func() uintptr
)

// Constants from vidfx_h264.h
const (
	h264ProfileBaselineIDC = 66
	h264ProfileMainIDC     = 77
	h264ProfileHighIDC     = 100

	h264FrameKey   = 1
	h264FrameDelta = 0
)

// h264FrameResult receives decoder output parameters. It must be
// heap-allocated for purego on arm64: stack output parameters can fail
// when the GC moves the stack during the C call.
type h264FrameResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	PtsUs    int64
	DurUs    int64
}

func loadH264() error {
	h264Once.Do(func() {
		h264InitErr = loadH264Lib()
		if h264InitErr == nil {
			h264Loaded = true
		}
	})
	return h264InitErr
}

func loadH264Lib() error {
	var lastErr error
	for _, path := range codecLibPaths("vidfx_h264") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			h264Handle = handle
			loadH264Symbols()
			return nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libvidfx_h264: %w", lastErr)
	}
	return errors.New("libvidfx_h264 not found in any standard location")
}

func loadH264Symbols() {
	purego.RegisterLibFunc(&h264DecoderCreate, h264Handle, "vidfx_h264_decoder_create")
	purego.RegisterLibFunc(&h264DecoderSubmit, h264Handle, "vidfx_h264_decoder_submit")
	purego.RegisterLibFunc(&h264DecoderNextFrame, h264Handle, "vidfx_h264_decoder_next_frame")
	purego.RegisterLibFunc(&h264DecoderFlush, h264Handle, "vidfx_h264_decoder_flush")
	purego.RegisterLibFunc(&h264DecoderDestroy, h264Handle, "vidfx_h264_decoder_destroy")
	purego.RegisterLibFunc(&h264DecoderAvailable, h264Handle, "vidfx_h264_decoder_available")

	purego.RegisterLibFunc(&h264EncoderCreate, h264Handle, "vidfx_h264_encoder_create")
	purego.RegisterLibFunc(&h264EncoderEncode, h264Handle, "vidfx_h264_encoder_encode")
	purego.RegisterLibFunc(&h264EncoderMaxOutput, h264Handle, "vidfx_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&h264EncoderGetSPSPPS, h264Handle, "vidfx_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&h264EncoderFlush, h264Handle, "vidfx_h264_encoder_flush")
	purego.RegisterLibFunc(&h264EncoderDestroy, h264Handle, "vidfx_h264_encoder_destroy")
	purego.RegisterLibFunc(&h264EncoderAvailable, h264Handle, "vidfx_h264_encoder_available")

	purego.RegisterLibFunc(&h264GetError, h264Handle, "vidfx_h264_get_error")
}

// IsH264DecoderAvailable checks if the platform H.264 decoder is usable.
func IsH264DecoderAvailable() bool {
	if err := loadH264(); err != nil {
		return false
	}
	return h264DecoderAvailable() != 0
}

// IsH264EncoderAvailable checks if the platform H.264 encoder is usable.
func IsH264EncoderAvailable() bool {
	if err := loadH264(); err != nil {
		return false
	}
	return h264EncoderAvailable() != 0
}

func getH264Error() string {
	ptr := h264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

func h264ProfileIDC(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return h264ProfileMainIDC
	case H264ProfileHigh:
		return h264ProfileHighIDC
	default:
		return h264ProfileBaselineIDC
	}
}

func init() {
	defaultRegistry.RegisterVideoDecoder("platform-h264", QuirkBoundedFramePool,
		func(cfg VideoDecoderConfig) bool {
			return IsAVCCodec(cfg.Codec) && cfg.Width > 0 && cfg.Height > 0 && IsH264DecoderAvailable()
		},
		func(cfg VideoDecoderConfig) (VideoDecoder, error) {
			return newPlatformH264Decoder(cfg)
		})

	defaultRegistry.RegisterVideoEncoder("platform-h264",
		func(cfg VideoEncoderConfig) bool {
			profile, _, _, err := ParseAVCCodec(cfg.Codec)
			return err == nil && profile != H264ProfileUnknown &&
				cfg.Width > 0 && cfg.Height > 0 && IsH264EncoderAvailable()
		},
		func(cfg VideoEncoderConfig) (VideoEncoder, error) {
			return newPlatformH264Encoder(cfg)
		})
}

// platformH264Decoder implements VideoDecoder over the shim. Decoded
// pictures live in a bounded native frame pool, hence the provider's
// QuirkBoundedFramePool.
type platformH264Decoder struct {
	cfg    VideoDecoderConfig
	handle uint64
	mu     sync.Mutex
}

func newPlatformH264Decoder(cfg VideoDecoderConfig) (*platformH264Decoder, error) {
	if err := loadH264(); err != nil {
		return nil, err
	}
	var avcc uintptr
	if len(cfg.Description) > 0 {
		avcc = uintptr(unsafe.Pointer(&cfg.Description[0]))
	}
	handle := h264DecoderCreate(int32(cfg.Width), int32(cfg.Height), avcc, int32(len(cfg.Description)))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}
	return &platformH264Decoder{cfg: cfg, handle: handle}, nil
}

func (d *platformH264Decoder) Submit(s *EncodedSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return errors.New("decoder closed")
	}
	if len(s.Data) == 0 {
		return nil
	}
	key := int32(0)
	if s.Key {
		key = 1
	}
	if h264DecoderSubmit(d.handle, uintptr(unsafe.Pointer(&s.Data[0])), int32(len(s.Data)), s.PTS, key) < 0 {
		return fmt.Errorf("decode failed: %s", getH264Error())
	}
	d.drainFrames()
	return nil
}

func (d *platformH264Decoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return errors.New("decoder closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if h264DecoderFlush(d.handle) < 0 {
		return fmt.Errorf("flush failed: %s", getH264Error())
	}
	d.drainFrames()
	return nil
}

// drainFrames pulls every pending picture out of the native pool and
// hands it to the frame callback. Called with d.mu held.
func (d *platformH264Decoder) drainFrames() {
	result := &h264FrameResult{}
	for h264DecoderNextFrame(d.handle, uintptr(unsafe.Pointer(result))) == 1 {
		w := int(result.Width)
		h := int(result.Height)

		var f *ImageFrame
		if d.cfg.Pool != nil {
			f = d.cfg.Pool.Get(w, h)
		} else {
			f = NewImageFrame(w, h)
		}
		f.PTS = result.PtsUs
		f.Duration = result.DurUs

		copyPlane(f.Y, f.StrideY, result.YPtr, int(result.YStride), w, h)
		copyPlane(f.U, f.StrideUV, result.UPtr, int(result.UVStride), w/2, h/2)
		copyPlane(f.V, f.StrideUV, result.VPtr, int(result.UVStride), w/2, h/2)

		if d.cfg.OnFrame != nil {
			d.cfg.OnFrame(f)
		} else {
			f.Release()
		}
	}
}

func copyPlane(dst []byte, dstStride int, src uintptr, srcStride, width, height int) {
	srcData := unsafe.Slice((*byte)(unsafe.Pointer(src)), srcStride*height)
	for y := 0; y < height; y++ {
		copy(dst[y*dstStride:y*dstStride+width], srcData[y*srcStride:y*srcStride+width])
	}
}

func (d *platformH264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		h264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// platformH264Encoder implements VideoEncoder over the shim.
type platformH264Encoder struct {
	cfg    VideoEncoderConfig
	handle uint64
	outBuf []byte
	mu     sync.Mutex

	desc []byte
}

func newPlatformH264Encoder(cfg VideoEncoderConfig) (*platformH264Encoder, error) {
	if err := loadH264(); err != nil {
		return nil, err
	}
	profile, _, _, err := ParseAVCCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	bitrateKbps := cfg.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}

	handle := h264EncoderCreate(int32(cfg.Width), int32(cfg.Height), int32(fps), int32(bitrateKbps), h264ProfileIDC(profile))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := h264EncoderMaxOutput(handle)
	if maxOutput <= 0 {
		maxOutput = int32(cfg.Width * cfg.Height * 3 / 2)
	}

	e := &platformH264Encoder{
		cfg:    cfg,
		handle: handle,
		outBuf: make([]byte, maxOutput),
	}
	e.buildDescription()
	return e, nil
}

func (e *platformH264Encoder) buildDescription() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	var spsLen, ppsLen int32

	h264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&spsLen)),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&ppsLen)),
	)
	if spsLen <= 0 || ppsLen <= 0 {
		return
	}
	sps := make([]byte, spsLen)
	copy(sps, spsOut[:spsLen])
	pps := make([]byte, ppsLen)
	copy(pps, ppsOut[:ppsLen])
	if desc, err := NewAVCDecoderConfig([][]byte{sps}, [][]byte{pps}); err == nil {
		e.desc = desc
	}
}

func (e *platformH264Encoder) Encode(frame *ImageFrame, forceKey bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return errors.New("encoder closed")
	}
	fk := int32(0)
	if forceKey {
		fk = 1
	}
	var frameType int32
	n := h264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Y[0])),
		uintptr(unsafe.Pointer(&frame.U[0])),
		uintptr(unsafe.Pointer(&frame.V[0])),
		int32(frame.StrideY),
		int32(frame.StrideUV),
		frame.PTS,
		fk,
		uintptr(unsafe.Pointer(&e.outBuf[0])),
		int32(len(e.outBuf)),
		uintptr(unsafe.Pointer(&frameType)),
	)
	if n < 0 {
		return fmt.Errorf("encode failed: %s", getH264Error())
	}
	if n > 0 {
		e.emit(e.outBuf[:n], frameType, frame.PTS, frame.Duration)
	}
	return nil
}

func (e *platformH264Encoder) emit(data []byte, frameType int32, pts, dur int64) {
	if e.cfg.OnChunk == nil {
		return
	}
	out := make([]byte, len(data))
	copy(out, data)
	e.cfg.OnChunk(&EncodedChunk{
		Data:     out,
		PTS:      pts,
		Duration: dur,
		Key:      frameType == h264FrameKey,
	})
}

func (e *platformH264Encoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return errors.New("encoder closed")
	}
	var pts int64
	var frameType int32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := h264EncoderFlush(
			e.handle,
			uintptr(unsafe.Pointer(&e.outBuf[0])),
			int32(len(e.outBuf)),
			uintptr(unsafe.Pointer(&pts)),
			uintptr(unsafe.Pointer(&frameType)),
		)
		if n < 0 {
			return fmt.Errorf("flush failed: %s", getH264Error())
		}
		if n == 0 {
			return nil
		}
		e.emit(e.outBuf[:n], frameType, pts, 0)
	}
}

func (e *platformH264Encoder) Description() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.desc == nil && e.handle != 0 {
		e.buildDescription()
	}
	return e.desc
}

func (e *platformH264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		h264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
