package vidfx

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrProviderNotFound  = errors.New("vidfx: no provider supports configuration")
	ErrCodecNotSupported = errors.New("vidfx: codec not supported by provider")
)

// Quirks is a bitmask of provider compatibility workarounds the pipeline
// must apply.
type Quirks uint32

const (
	// QuirkBoundedFramePool marks decoders backed by a small fixed pool of
	// native frame buffers. Decoding stalls unless every emitted frame is
	// copied and released immediately.
	QuirkBoundedFramePool Quirks = 1 << iota
)

// Has returns true if all specified quirks are set.
func (q Quirks) Has(quirk Quirks) bool { return q&quirk == quirk }

type videoDecoderProvider struct {
	name     string
	quirks   Quirks
	supports func(VideoDecoderConfig) bool
	factory  func(VideoDecoderConfig) (VideoDecoder, error)
}

type videoEncoderProvider struct {
	name     string
	supports func(VideoEncoderConfig) bool
	factory  func(VideoEncoderConfig) (VideoEncoder, error)
}

type audioDecoderProvider struct {
	name     string
	supports func(AudioDecoderConfig) bool
	factory  func(AudioDecoderConfig) (AudioDecoder, error)
}

type audioEncoderProvider struct {
	name     string
	supports func(AudioEncoderConfig) bool
	factory  func(AudioEncoderConfig) (AudioEncoder, error)
}

// Registry holds codec unit providers in registration order. Capability
// probes and unit construction resolve to the first provider whose
// supports predicate accepts the configuration.
type Registry struct {
	mu sync.RWMutex

	videoDecoders []videoDecoderProvider
	videoEncoders []videoEncoderProvider
	audioDecoders []audioDecoderProvider
	audioEncoders []audioEncoderProvider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// defaultRegistry receives the platform providers registered at init.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// RegisterVideoDecoder adds a video decoder provider.
func (r *Registry) RegisterVideoDecoder(name string, quirks Quirks, supports func(VideoDecoderConfig) bool, factory func(VideoDecoderConfig) (VideoDecoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videoDecoders = append(r.videoDecoders, videoDecoderProvider{name, quirks, supports, factory})
}

// RegisterVideoEncoder adds a video encoder provider.
func (r *Registry) RegisterVideoEncoder(name string, supports func(VideoEncoderConfig) bool, factory func(VideoEncoderConfig) (VideoEncoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videoEncoders = append(r.videoEncoders, videoEncoderProvider{name, supports, factory})
}

// RegisterAudioDecoder adds an audio decoder provider.
func (r *Registry) RegisterAudioDecoder(name string, supports func(AudioDecoderConfig) bool, factory func(AudioDecoderConfig) (AudioDecoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioDecoders = append(r.audioDecoders, audioDecoderProvider{name, supports, factory})
}

// RegisterAudioEncoder adds an audio encoder provider.
func (r *Registry) RegisterAudioEncoder(name string, supports func(AudioEncoderConfig) bool, factory func(AudioEncoderConfig) (AudioEncoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioEncoders = append(r.audioEncoders, audioEncoderProvider{name, supports, factory})
}

// SupportsVideoDecode reports whether some provider accepts the
// configuration. The probe constructs nothing.
func (r *Registry) SupportsVideoDecode(cfg VideoDecoderConfig) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.videoDecoders {
		if p.supports(cfg) {
			return true
		}
	}
	return false
}

// SupportsVideoEncode reports whether some provider accepts the
// configuration.
func (r *Registry) SupportsVideoEncode(cfg VideoEncoderConfig) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.videoEncoders {
		if p.supports(cfg) {
			return true
		}
	}
	return false
}

// SupportsAudioDecode reports whether some provider accepts the
// configuration.
func (r *Registry) SupportsAudioDecode(cfg AudioDecoderConfig) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.audioDecoders {
		if p.supports(cfg) {
			return true
		}
	}
	return false
}

// SupportsAudioEncode reports whether some provider accepts the
// configuration.
func (r *Registry) SupportsAudioEncode(cfg AudioEncoderConfig) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.audioEncoders {
		if p.supports(cfg) {
			return true
		}
	}
	return false
}

// NewVideoDecoder constructs a decoder from the first matching provider
// and returns the provider's quirk set alongside it.
func (r *Registry) NewVideoDecoder(cfg VideoDecoderConfig) (VideoDecoder, Quirks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.videoDecoders {
		if p.supports(cfg) {
			dec, err := p.factory(cfg)
			if err != nil {
				return nil, 0, fmt.Errorf("provider %s: %w", p.name, err)
			}
			return dec, p.quirks, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: video decode %s %dx%d", ErrProviderNotFound, cfg.Codec, cfg.Width, cfg.Height)
}

// NewVideoEncoder constructs an encoder from the first matching provider.
func (r *Registry) NewVideoEncoder(cfg VideoEncoderConfig) (VideoEncoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.videoEncoders {
		if p.supports(cfg) {
			enc, err := p.factory(cfg)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.name, err)
			}
			return enc, nil
		}
	}
	return nil, fmt.Errorf("%w: video encode %s %dx%d", ErrProviderNotFound, cfg.Codec, cfg.Width, cfg.Height)
}

// NewAudioDecoder constructs a decoder from the first matching provider.
func (r *Registry) NewAudioDecoder(cfg AudioDecoderConfig) (AudioDecoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.audioDecoders {
		if p.supports(cfg) {
			dec, err := p.factory(cfg)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.name, err)
			}
			return dec, nil
		}
	}
	return nil, fmt.Errorf("%w: audio decode %s", ErrProviderNotFound, cfg.Codec)
}

// NewAudioEncoder constructs an encoder from the first matching provider.
func (r *Registry) NewAudioEncoder(cfg AudioEncoderConfig) (AudioEncoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.audioEncoders {
		if p.supports(cfg) {
			enc, err := p.factory(cfg)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.name, err)
			}
			return enc, nil
		}
	}
	return nil, fmt.Errorf("%w: audio encode %s", ErrProviderNotFound, cfg.Codec)
}
