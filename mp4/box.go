// Package mp4 implements reading and writing of the ISO Base Media File
// Format (MP4) subset needed for linear AVC/AAC transcoding: box structure,
// track and sample-table extraction, edit lists, and non-fragmented file
// authoring.
package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var be = binary.BigEndian

// BoxType is a 4-byte box type identifier.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

func newBoxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// Known box types.
var (
	TypeFtyp = newBoxType("ftyp")
	TypeFree = newBoxType("free")
	TypeMoov = newBoxType("moov")
	TypeMvhd = newBoxType("mvhd")
	TypeTrak = newBoxType("trak")
	TypeTkhd = newBoxType("tkhd")
	TypeEdts = newBoxType("edts")
	TypeElst = newBoxType("elst")
	TypeMdia = newBoxType("mdia")
	TypeMdhd = newBoxType("mdhd")
	TypeHdlr = newBoxType("hdlr")
	TypeMinf = newBoxType("minf")
	TypeVmhd = newBoxType("vmhd")
	TypeSmhd = newBoxType("smhd")
	TypeDinf = newBoxType("dinf")
	TypeDref = newBoxType("dref")
	TypeUrl  = newBoxType("url ")
	TypeStbl = newBoxType("stbl")
	TypeStsd = newBoxType("stsd")
	TypeStts = newBoxType("stts")
	TypeCtts = newBoxType("ctts")
	TypeStsc = newBoxType("stsc")
	TypeStsz = newBoxType("stsz")
	TypeStco = newBoxType("stco")
	TypeCo64 = newBoxType("co64")
	TypeStss = newBoxType("stss")
	TypeUdta = newBoxType("udta")
	TypeMdat = newBoxType("mdat")
	TypeAvc1 = newBoxType("avc1")
	TypeAvcC = newBoxType("avcC")
	TypeMp4a = newBoxType("mp4a")
	TypeEsds = newBoxType("esds")
)

// containerBoxes is the set of pure container boxes whose payload is a
// sequence of child boxes.
var containerBoxes = map[BoxType]bool{
	TypeMoov: true, TypeTrak: true, TypeEdts: true, TypeMdia: true,
	TypeMinf: true, TypeDinf: true, TypeStbl: true, TypeUdta: true,
}

// fullBoxes is the set of box types carrying a version+flags word after
// the size/type header.
var fullBoxes = map[BoxType]bool{
	TypeMvhd: true, TypeTkhd: true, TypeElst: true, TypeMdhd: true,
	TypeHdlr: true, TypeVmhd: true, TypeSmhd: true, TypeDref: true,
	TypeUrl: true, TypeStsd: true, TypeStts: true, TypeCtts: true,
	TypeStsc: true, TypeStsz: true, TypeStco: true, TypeCo64: true,
	TypeStss: true, TypeEsds: true,
}

// Parse errors. All parse failures wrap one of these sentinels.
var (
	ErrShortBox           = errors.New("mp4: truncated box")
	ErrInvalidBoxSize     = errors.New("mp4: invalid declared box size")
	ErrMissingCodecConfig = errors.New("mp4: missing codec configuration box")
	ErrNoMoov             = errors.New("mp4: moov box not found")
)

// Header holds a parsed box header.
type Header struct {
	Type       BoxType
	Size       uint64 // total box size including header
	HeaderSize int    // bytes consumed by size/type(/version+flags)
	Version    uint8
	Flags      uint32
}

// ContentLen returns the payload length after the header.
func (h Header) ContentLen() int {
	return int(h.Size) - h.HeaderSize
}

// maxBoxSize bounds a declared box size so downstream int conversions
// and buffer arithmetic cannot overflow. 1 TiB is far beyond anything
// the append model could buffer.
const maxBoxSize = 1 << 40

// readHeader parses a box header from buf[start:end].
// needMore is true when the failure is only due to insufficient bytes,
// so a streaming caller can wait for the next append.
func readHeader(buf []byte, start, end int) (h Header, needMore bool, err error) {
	if end-start < 8 {
		return Header{}, true, fmt.Errorf("%w: need 8 header bytes, have %d", ErrShortBox, end-start)
	}

	size := uint64(be.Uint32(buf[start:]))
	var t BoxType
	copy(t[:], buf[start+4:])
	ptr := start + 8

	switch size {
	case 0:
		// "Box extends to end of file" is not meaningful for the append
		// model; treat as malformed.
		return Header{}, false, fmt.Errorf("%w: box %s declares size 0", ErrInvalidBoxSize, t)
	case 1:
		if end-start < 16 {
			return Header{}, true, fmt.Errorf("%w: need 16 bytes for extended size", ErrShortBox)
		}
		size = be.Uint64(buf[ptr:])
		ptr += 8
	}
	if size > maxBoxSize {
		return Header{}, false, fmt.Errorf("%w: box %s declares %d bytes", ErrInvalidBoxSize, t, size)
	}

	var version uint8
	var flags uint32
	if fullBoxes[t] {
		if end-ptr < 4 {
			return Header{}, true, fmt.Errorf("%w: box %s missing version/flags", ErrShortBox, t)
		}
		vf := be.Uint32(buf[ptr:])
		version = uint8(vf >> 24)
		flags = vf & 0x00ffffff
		ptr += 4
	}

	hdrSize := ptr - start
	if size < uint64(hdrSize) {
		return Header{}, false, fmt.Errorf("%w: box %s size %d smaller than header", ErrInvalidBoxSize, t, size)
	}
	return Header{Type: t, Size: size, HeaderSize: hdrSize, Version: version, Flags: flags}, false, nil
}

// Box is one parsed box. Container boxes carry Children; leaf boxes keep
// their raw payload (after version/flags for full boxes) in Data.
type Box struct {
	Header
	Children []*Box
	Data     []byte
}

// Child returns the first child of the given type, or nil.
func (b *Box) Child(t BoxType) *Box {
	for _, c := range b.Children {
		if c.Type == t {
			return c
		}
	}
	return nil
}

// ChildList returns all children of the given type.
func (b *Box) ChildList(t BoxType) []*Box {
	var out []*Box
	for _, c := range b.Children {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// decodeBox decodes one box (and, for containers, its subtree) from
// buf[start:end]. The box must be complete within the range.
func decodeBox(buf []byte, start, end int) (*Box, error) {
	h, _, err := readHeader(buf, start, end)
	if err != nil {
		return nil, err
	}
	if int(h.Size) > end-start {
		return nil, fmt.Errorf("%w: box %s declares %d bytes, %d available", ErrShortBox, h.Type, h.Size, end-start)
	}

	box := &Box{Header: h}
	bodyStart := start + h.HeaderSize
	bodyEnd := start + int(h.Size)

	if containerBoxes[h.Type] {
		ptr := bodyStart
		for bodyEnd-ptr >= 8 {
			child, err := decodeBox(buf, ptr, bodyEnd)
			if err != nil {
				return nil, fmt.Errorf("in %s: %w", h.Type, err)
			}
			box.Children = append(box.Children, child)
			ptr += int(child.Size)
		}
		if ptr != bodyEnd {
			return nil, fmt.Errorf("%w: %d trailing bytes in container %s", ErrInvalidBoxSize, bodyEnd-ptr, h.Type)
		}
		return box, nil
	}

	box.Data = buf[bodyStart:bodyEnd]
	return box, nil
}

// decodeChildren decodes a run of sibling boxes from buf[start:end].
// Used for sample entries whose payload ends with a box sequence.
func decodeChildren(buf []byte, start, end int) ([]*Box, error) {
	var out []*Box
	ptr := start
	for end-ptr >= 8 {
		child, err := decodeBox(buf, ptr, end)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
		ptr += int(child.Size)
	}
	return out, nil
}

// --- write-side helpers ---

// bufWriter accumulates big-endian box output. Box sizes are patched in
// after the content length is known.
type bufWriter struct {
	buf []byte
}

func (w *bufWriter) bytes(b []byte)  { w.buf = append(w.buf, b...) }
func (w *bufWriter) u8(v uint8)      { w.buf = append(w.buf, v) }
func (w *bufWriter) u16(v uint16)    { w.buf = be.AppendUint16(w.buf, v) }
func (w *bufWriter) u32(v uint32)    { w.buf = be.AppendUint32(w.buf, v) }
func (w *bufWriter) u64(v uint64)    { w.buf = be.AppendUint64(w.buf, v) }
func (w *bufWriter) i32(v int32)     { w.buf = be.AppendUint32(w.buf, uint32(v)) }
func (w *bufWriter) zeros(n int)     { w.buf = append(w.buf, make([]byte, n)...) }
func (w *bufWriter) fourcc(s string) { w.buf = append(w.buf, s[:4]...) }

// beginBox writes a placeholder size plus the type and returns the patch
// offset to pass to endBox.
func (w *bufWriter) beginBox(t BoxType) int {
	off := len(w.buf)
	w.u32(0)
	w.buf = append(w.buf, t[:]...)
	return off
}

// beginFullBox is beginBox plus a version/flags word.
func (w *bufWriter) beginFullBox(t BoxType, version uint8, flags uint32) int {
	off := w.beginBox(t)
	w.u32(uint32(version)<<24 | flags&0x00ffffff)
	return off
}

func (w *bufWriter) endBox(off int) {
	be.PutUint32(w.buf[off:], uint32(len(w.buf)-off))
}
