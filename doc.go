// Package vidfx implements a linear MP4 transcoding pipeline: demux an
// AVC/AAC asset, decode it through platform codec units, hand the frames
// to an (external) effect stage, and re-encode the result into a fresh
// MP4 buffer.
//
// Key pieces include:
//   - Coordinator: streaming decode with presentation-order resequencing,
//     edit-list trimming, and progressive partial results
//   - Export: codec negotiation, downscale-to-bound, bitrate policy,
//     fixed GOP, and container authoring
//   - FrameSource: the lazy frame-sequence boundary for effect pipelines
//   - Registry: pluggable codec unit providers with capability probes
//
// # Architecture
//
//	Decode: bytes -> mp4.Demuxer -> Coordinator -> DecodedVideo
//	Encode: FrameSource -> VideoEncoder -> mp4.Writer -> []byte
//
// # Native Libraries
//
// Platform codec units load libvidfx_* shim libraries via purego
// (CGO_ENABLED=0). Set VIDFX_LIB_PATH to the directory containing them.
// When a library is absent its providers simply report no support;
// alternative providers can be registered on a Registry.
//
// # Supported Codecs
//
// Video: H.264 (avc1 sample entries). Audio: AAC (mp4a.40.x).
// Availability depends on which native libraries are present at runtime.
package vidfx
