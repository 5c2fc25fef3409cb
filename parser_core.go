// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bufio"
)

// Core parser names recorded in info records.
const (
	ExtractedParserName    = "extractedparser"
	SynthesizingParserName = "synthesizingparser"
	ExtractingParserName   = "extractingparser"
	PaddingParserName      = "padding"
)

// An ExtractedParser is the placeholder parser attached to a meta
// directory created from a carved region whose content is still opaque.
// Unpacking commits the info early and hands the node itself back, so the
// dispatcher re-scans it with featureless parsers.
type ExtractedParser struct {
	base
}

// ExtractedParserWithSize constructs the placeholder over a known region
// size.
func ExtractedParserWithSize(from *MetaDirectory, offset, size int64) *ExtractedParser {
	p := &ExtractedParser{base: newBase(from, offset)}
	p.unpackedSize = size
	return p
}

// Parse accepts unconditionally; the region was already carved.
func (p *ExtractedParser) Parse() error {
	return nil
}

// CalculateUnpackedSize keeps the size given at construction.
func (p *ExtractedParser) CalculateUnpackedSize() {}

// Unpack commits the info record and yields the node itself for a fresh
// scan.
func (p *ExtractedParser) Unpack(to *MetaDirectory, emit EmitFunc) error {
	if err := to.WriteAhead(); err != nil {
		return err
	}
	return emit(to)
}

// A SynthesizingParser marks a reconstructed residual blob. Like
// ExtractedParser, but the node is stamped with the synthesized label so
// downstream consumers know the bytes never existed as a file inside the
// parent.
type SynthesizingParser struct {
	base
}

// SynthesizingParserWithSize constructs the parser over a known region
// size.
func SynthesizingParserWithSize(from *MetaDirectory, offset, size int64) *SynthesizingParser {
	p := &SynthesizingParser{base: newBase(from, offset)}
	p.unpackedSize = size
	return p
}

// Parse accepts unconditionally.
func (p *SynthesizingParser) Parse() error {
	return nil
}

// CalculateUnpackedSize keeps the size given at construction.
func (p *SynthesizingParser) CalculateUnpackedSize() {}

// Labels stamps the synthesized label.
func (p *SynthesizingParser) Labels() []string {
	return []string{"synthesized"}
}

// Unpack commits the info record and yields the node itself for a fresh
// scan.
func (p *SynthesizingParser) Unpack(to *MetaDirectory, emit EmitFunc) error {
	if err := to.WriteAhead(); err != nil {
		return err
	}
	return emit(to)
}

// An ExtractPart describes one adjacent sub file of a container parent:
// its region and the parser that claimed it.
type ExtractPart struct {
	Offset int64
	Length int64
	Parser string
}

// An ExtractingParser represents a parent that is purely a container of
// adjacent sub files. It claims no bytes of its own.
type ExtractingParser struct {
	base
	parts []ExtractPart
}

// ExtractingParserWithParts constructs the container parser; the claimed
// size is the sum of all part lengths.
func ExtractingParserWithParts(from *MetaDirectory, parts []ExtractPart) *ExtractingParser {
	p := &ExtractingParser{base: newBase(from, 0), parts: parts}
	for _, part := range parts {
		p.unpackedSize += part.Length
	}
	return p
}

// Parse accepts unconditionally.
func (p *ExtractingParser) Parse() error {
	return nil
}

// CalculateUnpackedSize keeps the sum of the part lengths.
func (p *ExtractingParser) CalculateUnpackedSize() {}

// Parts returns the container's part list.
func (p *ExtractingParser) Parts() []ExtractPart {
	return p.parts
}

// paddingByte values recognized as padding runs.
var paddingBytes = []byte{0x00, 0xff}

// A PaddingParser recognizes a run of a single padding byte to the end of
// the stream.
type PaddingParser struct {
	base
	isPadding bool
}

// PaddingParserInfo registers the padding parser: featureless only.
var PaddingParserInfo = &ParserInfo{
	Name:              PaddingParserName,
	ScanIfFeatureless: true,
	New: func(from *MetaDirectory, offset int64) Parser {
		return &PaddingParser{base: newBase(from, offset)}
	},
}

// Parse reads one byte, classifies it, then consumes the maximal matching
// run.
func (p *PaddingParser) Parse() error {
	br := bufio.NewReader(p.infile)
	first, err := br.ReadByte()
	if err != nil {
		return rejectf("empty stream")
	}
	valid := false
	for _, b := range paddingBytes {
		if first == b {
			valid = true
			break
		}
	}
	var size int64
	if valid {
		size = 1
		for {
			c, err := br.ReadByte()
			if err != nil || c != first {
				p.isPadding = err != nil
				break
			}
			size++
		}
	}
	p.unpackedSize = size
	return nil
}

// CalculateUnpackedSize keeps the run length computed by Parse.
func (p *PaddingParser) CalculateUnpackedSize() {}

// WriteInfo only stamps the padding label; padding carries no parser
// record or metadata.
func (p *PaddingParser) WriteInfo(to *MetaDirectory) {
	if p.isPadding {
		to.Info().AddLabels("padding")
	}
}
