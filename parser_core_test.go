// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"testing"
)

func TestPaddingParser(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		wantSize  int64
		wantWhole bool
		reject    bool
	}{
		{"all zero", bytes.Repeat([]byte{0x00}, 64), 64, true, false},
		{"all ff", bytes.Repeat([]byte{0xff}, 32), 32, true, false},
		{"single byte", []byte{0x00}, 1, true, false},
		{"partial run", append(bytes.Repeat([]byte{0x00}, 10), 'x'), 10, false, false},
		{"mixed padding bytes", []byte{0x00, 0xff, 0x00}, 1, false, false},
		{"no padding", []byte("hello"), 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, md := openTestRoot(t, tt.data)
			p := PaddingParserInfo.New(md, 0)
			err := parseFromOffset(p)
			if tt.reject {
				if !isReject(err) {
					t.Fatalf("err = %v, want reject", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.UnpackedSize() != tt.wantSize {
				t.Errorf("unpacked size = %d, want %d", p.UnpackedSize(), tt.wantSize)
			}
			pad := p.(*PaddingParser)
			if pad.isPadding != tt.wantWhole {
				t.Errorf("isPadding = %v, want %v", pad.isPadding, tt.wantWhole)
			}
		})
	}
}

func TestSynthesizingParserLabels(t *testing.T) {
	_, md := openTestRoot(t, []byte("some residue"))
	p := SynthesizingParserWithSize(md, 0, 12)
	if err := parseFromOffset(p); err != nil {
		t.Fatal(err)
	}
	writeInfo(p, SynthesizingParserName, md)
	if !md.Info().HasLabel("synthesized") {
		t.Errorf("labels = %v, want synthesized", md.Info().Labels())
	}
	if md.Info().UnpackParser() != SynthesizingParserName {
		t.Errorf("unpack parser = %q", md.Info().UnpackParser())
	}
}

func TestExtractedParserReemitsNode(t *testing.T) {
	_, md := openTestRoot(t, []byte("opaque bytes"))
	p := ExtractedParserWithSize(md, 0, 12)
	var emitted []*MetaDirectory
	err := p.Unpack(md, func(c *MetaDirectory) error {
		emitted = append(emitted, c)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 || emitted[0] != md {
		t.Fatalf("emitted = %v, want the node itself", emitted)
	}
	// Unpack must have written the info ahead of the hand off.
	got, err := md.store.MetaDirectoryByName(md.Name())
	if err != nil {
		t.Fatal(err)
	}
	if got.Info() == nil {
		t.Error("info not committed by write ahead")
	}
}

func TestExtractingParserSumsParts(t *testing.T) {
	_, md := openTestRoot(t, []byte("0123456789"))
	p := ExtractingParserWithParts(md, []ExtractPart{
		{Offset: 0, Length: 4, Parser: "gzip"},
		{Offset: 4, Length: 6, Parser: SynthesizingParserName},
	})
	if p.UnpackedSize() != 10 {
		t.Errorf("unpacked size = %d, want 10", p.UnpackedSize())
	}
	if len(p.Parts()) != 2 {
		t.Errorf("parts = %d, want 2", len(p.Parts()))
	}
}
