package vidfx

import (
	"errors"
	"fmt"
)

// ErrNoSupportedEncoderCodec is returned when no codec in the preference
// list is supported for the requested configuration. There is no silent
// fallback: an asset the platform cannot encode at the requested
// resolution must fail rather than be degraded.
var ErrNoSupportedEncoderCodec = errors.New("vidfx: no supported encoder codec")

// encoderCodecPreference is probed in order, highest quality first:
// High, Main, then Constrained Baseline, all at level 5.2.
var encoderCodecPreference = []string{
	"avc1.640034",
	"avc1.4d0034",
	"avc1.42c034",
}

// NegotiateVideoCodec returns the first codec from the preference list
// that the registry supports with the given configuration. The Codec
// field of cfg is ignored; every probe shares the remaining fields.
// Negotiation is deterministic: identical configurations resolve to the
// same codec.
func NegotiateVideoCodec(reg *Registry, cfg VideoEncoderConfig) (string, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	for _, codec := range encoderCodecPreference {
		probe := cfg
		probe.Codec = codec
		if reg.SupportsVideoEncode(probe) {
			return codec, nil
		}
	}
	return "", fmt.Errorf("%w: %dx%d", ErrNoSupportedEncoderCodec, cfg.Width, cfg.Height)
}
