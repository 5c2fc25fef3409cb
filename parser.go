// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"io"
)

// A Signature pairs a magic byte string with the offset inside the file at
// which it must appear.
type Signature struct {
	Offset int64
	Magic  []byte
}

// EmitFunc is called by a parser for every child meta directory it
// produces. The child's bytes have been written and its info prepared by
// the time emit is called.
type EmitFunc func(*MetaDirectory) error

// Parser is the contract every format parser implements. A parser is
// constructed against a meta directory and an offset and reads through an
// OffsetStream, so position 0 is always the start of its own region.
type Parser interface {
	// Parse validates and decodes the format. A ParserError reject means
	// the bytes are not in this format; any other error is fatal.
	Parse() error

	// CalculateUnpackedSize assigns the number of bytes the parser claims.
	// It runs after a successful Parse.
	CalculateUnpackedSize()

	// UnpackedSize reports the claimed byte count.
	UnpackedSize() int64

	// Unpack produces zero or more child meta directories, handing each one
	// to emit.
	Unpack(to *MetaDirectory, emit EmitFunc) error

	// Labels reports the labels this parser attaches to the file.
	Labels() []string

	// Metadata reports format specific metadata for the info record.
	Metadata() map[string]interface{}

	// Stream exposes the parser's offset stream.
	Stream() *OffsetStream
}

// InfoWriter is implemented by parsers that need full control over what
// gets written into the info record, instead of the default of recording
// the parser name, labels and metadata.
type InfoWriter interface {
	WriteInfo(to *MetaDirectory)
}

// base carries the state shared by all parsers. Concrete parsers embed it
// and override what they need.
type base struct {
	infile       *OffsetStream
	offset       int64
	unpackedSize int64
}

func newBase(from *MetaDirectory, offset int64) base {
	return base{
		infile: NewOffsetStream(from, offset),
		offset: offset,
	}
}

// CalculateUnpackedSize defaults to the current stream position.
func (b *base) CalculateUnpackedSize() {
	b.unpackedSize = b.infile.Tell()
}

// UnpackedSize reports the claimed byte count.
func (b *base) UnpackedSize() int64 {
	return b.unpackedSize
}

// Unpack produces no children by default.
func (b *base) Unpack(to *MetaDirectory, emit EmitFunc) error {
	return nil
}

// Labels reports no labels by default.
func (b *base) Labels() []string {
	return nil
}

// Metadata reports no metadata by default.
func (b *base) Metadata() map[string]interface{} {
	return nil
}

// Stream exposes the parser's offset stream.
func (b *base) Stream() *OffsetStream {
	return b.infile
}

// parseFromOffset rewinds the stream, parses and computes the claimed
// size. A claim of zero bytes is a reject.
func parseFromOffset(p Parser) error {
	if _, err := p.Stream().Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := p.Parse(); err != nil {
		return err
	}
	p.CalculateUnpackedSize()
	return checkCondition(p.UnpackedSize() > 0, "parser resulted in zero length file")
}

// writeInfo records the parse result into the info record of to. Parsers
// implementing InfoWriter take over completely.
func writeInfo(p Parser, name string, to *MetaDirectory) {
	if w, ok := p.(InfoWriter); ok {
		w.WriteInfo(to)
		return
	}
	to.Info().RecordParser(name)
	to.Info().AddLabels(p.Labels()...)
	to.Info().MergeMetadata(p.Metadata())
}
