// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"encoding/binary"
	"testing"

	"golang.org/x/text/encoding/unicode"
)

func qtSection(tag byte, payload []byte) []byte {
	out := []byte{tag}
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

func qtMessage(t *testing.T, translation string) []byte {
	t.Helper()
	enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := enc.Bytes([]byte(translation))
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte{qtMsgTranslation}
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(encoded)))
	msg = append(msg, encoded...)
	return append(msg, qtMsgEnd)
}

func makeQtTranslation(t *testing.T, translations ...string) []byte {
	t.Helper()
	data := append([]byte{}, qtTranslationMagic...)
	data = append(data, qtSection(qtTagLanguage, []byte("nl_NL"))...)
	var messages []byte
	for _, tr := range translations {
		messages = append(messages, qtMessage(t, tr)...)
	}
	return append(data, qtSection(qtTagMessages, messages)...)
}

func TestQtTranslationParser(t *testing.T) {
	data := makeQtTranslation(t, "hallo wereld", "tot ziens")
	_, md := openTestRoot(t, data)
	p := QtTranslationParserInfo.New(md, 0)
	if err := parseFromOffset(p); err != nil {
		t.Fatal(err)
	}
	if p.UnpackedSize() != int64(len(data)) {
		t.Errorf("unpacked size = %d, want %d", p.UnpackedSize(), len(data))
	}
	labels := p.Labels()
	if len(labels) != 3 || labels[0] != "qt" {
		t.Errorf("labels = %v", labels)
	}
	if got := p.Metadata()["messages"]; got != 2 {
		t.Errorf("messages = %v, want 2", got)
	}
}

func TestQtTranslationParserRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", append([]byte{0x00}, qtTranslationMagic[1:]...)},
		{"no sections", qtTranslationMagic},
		{"truncated section", append(append([]byte{}, qtTranslationMagic...),
			qtTagMessages, 0x00, 0x00, 0x10, 0x00)},
		{"odd translation length", func() []byte {
			data := append([]byte{}, qtTranslationMagic...)
			msg := []byte{qtMsgTranslation, 0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c'}
			return append(data, qtSection(qtTagMessages, msg)...)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, md := openTestRoot(t, tt.data)
			p := QtTranslationParserInfo.New(md, 0)
			if err := parseFromOffset(p); !isReject(err) {
				t.Errorf("err = %v, want reject", err)
			}
		})
	}
}
