// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"io"

	"golang.org/x/text/encoding/unicode"
)

// qtTranslationMagic opens every compiled Qt translation catalog.
var qtTranslationMagic = []byte{
	0x3c, 0xb8, 0x64, 0x18, 0xca, 0xef, 0x9c, 0x95,
	0xcd, 0x21, 0x1c, 0xbf, 0x60, 0xa1, 0xbd, 0xdd,
}

// Qt translation section tags.
const (
	qtTagContexts     = 0x2f
	qtTagHashes       = 0x42
	qtTagMessages     = 0x69
	qtTagNumerusRules = 0x88
	qtTagDependencies = 0x96
	qtTagLanguage     = 0xa7
)

// Message record tags inside the messages section.
const (
	qtMsgEnd         = 0x01
	qtMsgTranslation = 0x03
)

// QtTranslationParserInfo registers the Qt translation catalog parser.
var QtTranslationParserInfo = &ParserInfo{
	Name:       "qt_translation",
	Extensions: []string{".qm"},
	Signatures: []Signature{
		{Offset: 0, Magic: qtTranslationMagic},
	},
	New: func(from *MetaDirectory, offset int64) Parser {
		return &QtTranslationParser{base: newBase(from, offset)}
	},
}

// A QtTranslationParser validates a compiled Qt translation catalog,
// including that every translation payload decodes as UTF-16BE.
type QtTranslationParser struct {
	base
	messages int
}

// Parse walks the section blocks after the magic and validates the
// messages section.
func (p *QtTranslationParser) Parse() error {
	buf := make([]byte, p.infile.Size())
	n, err := p.infile.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	if len(buf) < len(qtTranslationMagic) {
		return rejectf("file too small for translation magic")
	}
	for i, b := range qtTranslationMagic {
		if buf[i] != b {
			return rejectf("invalid translation magic")
		}
	}

	pos := len(qtTranslationMagic)
	sections := 0
	for pos+5 <= len(buf) {
		tag := buf[pos]
		length := int(be32(buf[pos+1 : pos+5]))
		end := pos + 5 + length
		if end > len(buf) {
			return rejectf("truncated section 0x%x", tag)
		}
		switch tag {
		case qtTagMessages:
			if err := p.validateMessages(buf[pos+5 : end]); err != nil {
				return err
			}
		case qtTagContexts, qtTagHashes, qtTagNumerusRules,
			qtTagDependencies, qtTagLanguage:
			// opaque sections, length checked above
		default:
			// trailing data starts here
			if sections == 0 {
				return rejectf("unknown section 0x%x", tag)
			}
			p.unpackedSize = int64(pos)
			return nil
		}
		sections++
		pos = end
	}
	if sections == 0 {
		return rejectf("no translation sections")
	}
	p.unpackedSize = int64(pos)
	return nil
}

// validateMessages walks the tagged message records and checks that every
// translation payload is well formed UTF-16BE.
func (p *QtTranslationParser) validateMessages(b []byte) error {
	dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	pos := 0
	for pos < len(b) {
		tag := b[pos]
		pos++
		if tag == qtMsgEnd {
			p.messages++
			continue
		}
		if pos+4 > len(b) {
			return rejectf("truncated message record")
		}
		length := int(be32(b[pos : pos+4]))
		pos += 4
		// 0xffffffff marks a null payload.
		if uint32(length) == 0xffffffff {
			continue
		}
		if pos+length > len(b) {
			return rejectf("truncated message payload")
		}
		if tag == qtMsgTranslation {
			if length%2 != 0 {
				return rejectf("odd translation payload length")
			}
			if _, err := dec.Bytes(b[pos : pos+length]); err != nil {
				return rejectf("translation not UTF-16BE: %v", err)
			}
		}
		pos += length
	}
	return nil
}

// CalculateUnpackedSize keeps the section walk length from Parse.
func (p *QtTranslationParser) CalculateUnpackedSize() {}

// Labels marks translation catalogs.
func (p *QtTranslationParser) Labels() []string {
	return []string{"qt", "translation", "resource"}
}

// Metadata records the message count.
func (p *QtTranslationParser) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"messages": p.messages,
	}
}
