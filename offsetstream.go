// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"errors"
	"io"
	"os"
)

// errors
var (
	// ErrInvalidWhence is returned for a seek with an unknown whence value.
	ErrInvalidWhence = errors.New("offset stream: invalid whence")

	// ErrNegativePosition is returned when a seek resolves to a position
	// before the start of the stream.
	ErrNegativePosition = errors.New("offset stream: negative position")
)

// An OffsetStream is a view over a seekable byte source that rebases all
// positions so that offset 0 falls on the base offset of the underlying
// source. Parsers for nested formats read through an OffsetStream and never
// learn where inside a host file their data lives.
type OffsetStream struct {
	r    io.ReaderAt
	f    *os.File
	base int64
	size int64 // size of the underlying source, not of the view
	pos  int64
}

// NewOffsetStream returns a stream over the backing bytes of md, rebased at
// offset. The meta directory must have been opened with its file.
func NewOffsetStream(md *MetaDirectory, offset int64) *OffsetStream {
	return &OffsetStream{
		r:    md.ReaderAt(),
		f:    md.File(),
		base: offset,
		size: md.Size(),
	}
}

// Read reads up to len(p) bytes at the current position.
func (s *OffsetStream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes at the rebased position off.
func (s *OffsetStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativePosition
	}
	if s.base+off >= s.size {
		return 0, io.EOF
	}
	if max := s.size - s.base - off; int64(len(p)) > max {
		n, err := s.r.ReadAt(p[:max], s.base+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.r.ReadAt(p, s.base+off)
}

// Seek sets the position for the next Read.
func (s *OffsetStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.Size() + offset
	default:
		return 0, ErrInvalidWhence
	}
	if abs < 0 {
		return 0, ErrNegativePosition
	}
	s.pos = abs
	return abs, nil
}

// Tell reports the current rebased position.
func (s *OffsetStream) Tell() int64 {
	return s.pos
}

// Size reports the number of bytes visible through the view.
func (s *OffsetStream) Size() int64 {
	return s.size - s.base
}

// File exposes the underlying file for parsers that want to map it
// themselves. It may be nil when the stream is not file backed.
func (s *OffsetStream) File() *os.File {
	return s.f
}
