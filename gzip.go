// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"compress/gzip"
	"io"
)

// GzipParserInfo registers the gzip member parser.
var GzipParserInfo = &ParserInfo{
	Name:       "gzip",
	Extensions: []string{".gz", ".tgz"},
	Signatures: []Signature{
		{Offset: 0, Magic: []byte{0x1f, 0x8b}},
	},
	New: func(from *MetaDirectory, offset int64) Parser {
		return &GzipParser{base: newBase(from, offset)}
	},
}

// A GzipParser decodes a single gzip member and unpacks its payload. Only
// the first member is claimed; a following member or trailing data is
// carved separately.
type GzipParser struct {
	base
	buf     []byte
	name    string
	comment string
}

// Parse decodes the member and computes the exact compressed length. The
// region is read through a bytes reader so the deflate decoder consumes
// byte by byte and the leftover count is the claimed size.
func (p *GzipParser) Parse() error {
	buf := make([]byte, p.infile.Size())
	n, err := p.infile.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	br := bytes.NewReader(buf)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return rejectf("invalid gzip header: %v", err)
	}
	zr.Multistream(false)
	p.name = zr.Name
	p.comment = zr.Comment
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return rejectf("invalid gzip data: %v", err)
	}
	if err := zr.Close(); err != nil {
		return rejectf("invalid gzip checksum: %v", err)
	}
	p.unpackedSize = int64(len(buf) - br.Len())
	p.buf = buf[:p.unpackedSize]
	return nil
}

// CalculateUnpackedSize keeps the member length computed by Parse.
func (p *GzipParser) CalculateUnpackedSize() {}

// Unpack decompresses the payload into one child file, named after the
// embedded original name when the header carries one.
func (p *GzipParser) Unpack(to *MetaDirectory, emit EmitFunc) error {
	name := p.name
	if name == "" {
		name = "unpacked-from-gzip"
	}
	child, err := to.UnpackRegularFile(name, func(_ *MetaDirectory, w io.Writer) error {
		zr, err := gzip.NewReader(bytes.NewReader(p.buf))
		if err != nil {
			return err
		}
		zr.Multistream(false)
		if _, err := io.Copy(w, zr); err != nil {
			return err
		}
		return zr.Close()
	})
	if err != nil {
		return err
	}
	return emit(child)
}

// Labels marks gzip members.
func (p *GzipParser) Labels() []string {
	return []string{"gzip", "compressed"}
}

// Metadata records the optional header fields.
func (p *GzipParser) Metadata() map[string]interface{} {
	m := map[string]interface{}{}
	if p.name != "" {
		m["name"] = p.name
	}
	if p.comment != "" {
		m["comment"] = p.comment
	}
	return m
}
