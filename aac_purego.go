//go:build darwin || linux

// Platform AAC codec units backed by libvidfx_aac via purego.

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
	aacOnce    sync.Once
	aacHandle  uintptr
	aacInitErr error
)

// libvidfx_aac function pointers
var (
	aacDecoderCreate    func(sampleRate, channels int32, asc uintptr, ascLen int32) uint64
	aacDecoderDecode    func(decoder uint64, data uintptr, dataLen int32, outPCM uintptr, outCapacity int32) int32
	aacDecoderDestroy   func(decoder uint64)
	aacDecoderAvailable func() int32

	aacEncoderCreate    func(sampleRate, channels, bitrateBps int32) uint64
	aacEncoderEncode    func(encoder uint64, pcm uintptr, pcmLen int32, outData uintptr, outCapacity int32) int32
	aacEncoderGetASC    func(encoder uint64, out uintptr, capacity int32, outLen uintptr) int32
	aacEncoderDestroy   func(encoder uint64)
	aacEncoderAvailable func() int32

	aacGetError func() uintptr
)

func loadAAC() error {
	aacOnce.Do(func() {
		aacInitErr = loadAACLib()
	})
	return aacInitErr
}

func loadAACLib() error {
	var lastErr error
	for _, path := range codecLibPaths("vidfx_aac") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			aacHandle = handle
			loadAACSymbols()
			return nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libvidfx_aac: %w", lastErr)
	}
	return errors.New("libvidfx_aac not found in any standard location")
}

func loadAACSymbols() {
	purego.RegisterLibFunc(&aacDecoderCreate, aacHandle, "vidfx_aac_decoder_create")
	purego.RegisterLibFunc(&aacDecoderDecode, aacHandle, "vidfx_aac_decoder_decode")
	purego.RegisterLibFunc(&aacDecoderDestroy, aacHandle, "vidfx_aac_decoder_destroy")
	purego.RegisterLibFunc(&aacDecoderAvailable, aacHandle, "vidfx_aac_decoder_available")

	purego.RegisterLibFunc(&aacEncoderCreate, aacHandle, "vidfx_aac_encoder_create")
	purego.RegisterLibFunc(&aacEncoderEncode, aacHandle, "vidfx_aac_encoder_encode")
	purego.RegisterLibFunc(&aacEncoderGetASC, aacHandle, "vidfx_aac_encoder_get_asc")
	purego.RegisterLibFunc(&aacEncoderDestroy, aacHandle, "vidfx_aac_encoder_destroy")
	purego.RegisterLibFunc(&aacEncoderAvailable, aacHandle, "vidfx_aac_encoder_available")

	purego.RegisterLibFunc(&aacGetError, aacHandle, "vidfx_aac_get_error")
}

// IsAACDecoderAvailable checks if the platform AAC decoder is usable.
func IsAACDecoderAvailable() bool {
	if err := loadAAC(); err != nil {
		return false
	}
	return aacDecoderAvailable() != 0
}

// IsAACEncoderAvailable checks if the platform AAC encoder is usable.
func IsAACEncoderAvailable() bool {
	if err := loadAAC(); err != nil {
		return false
	}
	return aacEncoderAvailable() != 0
}

func getAACError() string {
	ptr := aacGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

func init() {
	defaultRegistry.RegisterAudioDecoder("platform-aac",
		func(cfg AudioDecoderConfig) bool {
			return IsAACCodec(cfg.Codec) && cfg.SampleRate > 0 && cfg.Channels > 0 && IsAACDecoderAvailable()
		},
		func(cfg AudioDecoderConfig) (AudioDecoder, error) {
			return newPlatformAACDecoder(cfg)
		})

	defaultRegistry.RegisterAudioEncoder("platform-aac",
		func(cfg AudioEncoderConfig) bool {
			return IsAACCodec(cfg.Codec) && cfg.SampleRate > 0 && cfg.Channels > 0 && IsAACEncoderAvailable()
		},
		func(cfg AudioEncoderConfig) (AudioEncoder, error) {
			return newPlatformAACEncoder(cfg)
		})
}

type platformAACDecoder struct {
	cfg    AudioDecoderConfig
	handle uint64
	pcmBuf []byte
	mu     sync.Mutex
}

func newPlatformAACDecoder(cfg AudioDecoderConfig) (*platformAACDecoder, error) {
	if err := loadAAC(); err != nil {
		return nil, err
	}
	var asc uintptr
	if len(cfg.Description) > 0 {
		asc = uintptr(unsafe.Pointer(&cfg.Description[0]))
	}
	handle := aacDecoderCreate(int32(cfg.SampleRate), int32(cfg.Channels), asc, int32(len(cfg.Description)))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AAC decoder: %s", getAACError())
	}
	// 2048 samples of headroom per channel at 16 bits.
	return &platformAACDecoder{
		cfg:    cfg,
		handle: handle,
		pcmBuf: make([]byte, 2048*cfg.Channels*2),
	}, nil
}

func (d *platformAACDecoder) Submit(s *EncodedSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return errors.New("decoder closed")
	}
	if len(s.Data) == 0 {
		return nil
	}
	n := aacDecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&s.Data[0])), int32(len(s.Data)),
		uintptr(unsafe.Pointer(&d.pcmBuf[0])), int32(len(d.pcmBuf)),
	)
	if n < 0 {
		return fmt.Errorf("decode failed: %s", getAACError())
	}
	if n > 0 && d.cfg.OnBuffer != nil {
		pcm := make([]byte, n)
		copy(pcm, d.pcmBuf[:n])
		d.cfg.OnBuffer(&AudioBuffer{Data: pcm, PTS: s.PTS, Duration: s.Duration})
	}
	return nil
}

func (d *platformAACDecoder) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (d *platformAACDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		aacDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

type platformAACEncoder struct {
	cfg    AudioEncoderConfig
	handle uint64
	outBuf []byte
	mu     sync.Mutex

	desc []byte
}

func newPlatformAACEncoder(cfg AudioEncoderConfig) (*platformAACEncoder, error) {
	if err := loadAAC(); err != nil {
		return nil, err
	}
	handle := aacEncoderCreate(int32(cfg.SampleRate), int32(cfg.Channels), int32(cfg.BitrateBps))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AAC encoder: %s", getAACError())
	}
	e := &platformAACEncoder{
		cfg:    cfg,
		handle: handle,
		outBuf: make([]byte, 8192),
	}
	e.loadASC()
	return e, nil
}

func (e *platformAACEncoder) loadASC() {
	out := make([]byte, 64)
	var n int32
	if aacEncoderGetASC(e.handle, uintptr(unsafe.Pointer(&out[0])), 64, uintptr(unsafe.Pointer(&n))) == 0 && n > 0 {
		e.desc = make([]byte, n)
		copy(e.desc, out[:n])
	}
}

func (e *platformAACEncoder) Encode(b *AudioBuffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return errors.New("encoder closed")
	}
	if len(b.Data) == 0 {
		return nil
	}
	n := aacEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&b.Data[0])), int32(len(b.Data)),
		uintptr(unsafe.Pointer(&e.outBuf[0])), int32(len(e.outBuf)),
	)
	if n < 0 {
		return fmt.Errorf("encode failed: %s", getAACError())
	}
	if n > 0 && e.cfg.OnChunk != nil {
		data := make([]byte, n)
		copy(data, e.outBuf[:n])
		e.cfg.OnChunk(&EncodedChunk{Data: data, PTS: b.PTS, Duration: b.Duration, Key: true})
	}
	return nil
}

func (e *platformAACEncoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return errors.New("encoder closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Push a null input to drain the final delayed frame.
	n := aacEncoderEncode(e.handle, 0, 0, uintptr(unsafe.Pointer(&e.outBuf[0])), int32(len(e.outBuf)))
	if n < 0 {
		return fmt.Errorf("flush failed: %s", getAACError())
	}
	if n > 0 && e.cfg.OnChunk != nil {
		data := make([]byte, n)
		copy(data, e.outBuf[:n])
		e.cfg.OnChunk(&EncodedChunk{Data: data, Key: true})
	}
	return nil
}

func (e *platformAACEncoder) Description() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}

func (e *platformAACEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		aacEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
