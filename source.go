package vidfx

import (
	"context"
	"io"
)

// FrameSource is a lazy, possibly asynchronous sequence of frames in
// presentation order. Next returns io.EOF after the last frame. The
// sequence must be finite. Ownership of each returned frame transfers to
// the caller, who must release it.
type FrameSource interface {
	Next(ctx context.Context) (*ImageFrame, error)
}

type sliceSource struct {
	frames []*ImageFrame
	next   int
}

// FramesFromSlice adapts an in-memory frame sequence to a FrameSource.
func FramesFromSlice(frames []*ImageFrame) FrameSource {
	return &sliceSource{frames: frames}
}

func (s *sliceSource) Next(ctx context.Context) (*ImageFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

type chanSource struct {
	ch <-chan *ImageFrame
}

// FramesFromChan adapts a channel-fed frame sequence, e.g. an effect
// stage producing frames asynchronously, to a FrameSource. The producer
// signals the end of the sequence by closing the channel.
func FramesFromChan(ch <-chan *ImageFrame) FrameSource {
	return &chanSource{ch: ch}
}

func (s *chanSource) Next(ctx context.Context) (*ImageFrame, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MapSource returns a source applying fn to every frame of src. fn owns
// the input frame and must either return it or release it and return a
// replacement of its own.
func MapSource(src FrameSource, fn func(*ImageFrame) *ImageFrame) FrameSource {
	return &mapSource{src: src, fn: fn}
}

type mapSource struct {
	src FrameSource
	fn  func(*ImageFrame) *ImageFrame
}

func (s *mapSource) Next(ctx context.Context) (*ImageFrame, error) {
	f, err := s.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.fn(f), nil
}
