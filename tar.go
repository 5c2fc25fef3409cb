// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"archive/tar"
	"io"
)

// TarParserInfo registers the tar archive parser. The magic covers both
// the POSIX ustar and the old GNU variant.
var TarParserInfo = &ParserInfo{
	Name:       "tar",
	Extensions: []string{".tar"},
	Signatures: []Signature{
		{Offset: 257, Magic: []byte("ustar")},
	},
	New: func(from *MetaDirectory, offset int64) Parser {
		return &TarParser{base: newBase(from, offset)}
	},
}

// A TarParser walks a tar archive and unpacks every member. Regular
// members land in the relative or absolute unpack tree depending on the
// shape of their archived path; link members are recorded, never
// followed.
type TarParser struct {
	base
	names []string
}

// Parse validates the archive by walking every header and payload. The
// claimed size is the byte count the walk consumed, which includes the
// end of archive trailer but not the padding to the blocking factor; the
// remainder is carved as padding by the dispatcher.
func (p *TarParser) Parse() error {
	cr := &countingReader{r: p.infile}
	tr := tar.NewReader(cr)
	entries := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rejectf("invalid tar entry: %v", err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return rejectf("invalid tar member %s: %v", hdr.Name, err)
		}
		p.names = append(p.names, hdr.Name)
		entries++
	}
	if entries == 0 {
		return rejectf("empty tar archive")
	}
	p.unpackedSize = cr.n
	return nil
}

// CalculateUnpackedSize keeps the consumed byte count from Parse.
func (p *TarParser) CalculateUnpackedSize() {}

// Unpack extracts every member into to.
func (p *TarParser) Unpack(to *MetaDirectory, emit EmitFunc) error {
	if _, err := p.infile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	tr := tar.NewReader(p.infile)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			child, err := to.UnpackRegularFile(hdr.Name,
				func(_ *MetaDirectory, w io.Writer) error {
					_, err := io.Copy(w, tr)
					return err
				})
			if err != nil {
				return err
			}
			if err := emit(child); err != nil {
				return err
			}
		case tar.TypeSymlink:
			to.Info().AddSymlink(hdr.Name, hdr.Linkname)
		case tar.TypeLink:
			to.Info().AddHardlink(hdr.Name, hdr.Linkname)
		}
	}
}

// Labels marks tar archives.
func (p *TarParser) Labels() []string {
	return []string{"tar", "archive"}
}

// Metadata records the member names in archive order.
func (p *TarParser) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"entries": p.names,
	}
}
