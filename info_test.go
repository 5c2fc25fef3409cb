// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"testing"
)

func TestInfoRoundTrip(t *testing.T) {
	info := NewInfo()
	info.AddLabels("elf", "static")
	info.RecordParser("elf")
	info.MergeMetadata(map[string]interface{}{
		"bits":   64,
		"endian": "little",
		"nested": map[string]interface{}{"name": "foo"},
	})
	info.AddExtractedFile("unpacked-0x0-gzip", "ab12")
	info.AddRelativeFile("lib/libfoo.so", "cd34")
	info.AddSymlink("usr/bin/vi", "/usr/bin/vim")

	data, err := info.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalInfo(data)
	if err != nil {
		t.Fatal(err)
	}

	// Serialize, deserialize must be a fixed point.
	again, err := got.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("round trip is not a fixed point")
	}

	if got.Version() != InfoVersion {
		t.Errorf("version = %d, want %d", got.Version(), InfoVersion)
	}
	if !got.HasLabel("elf") || !got.HasLabel("static") {
		t.Errorf("labels = %v", got.Labels())
	}
	if got.UnpackParser() != "elf" {
		t.Errorf("unpack parser = %q", got.UnpackParser())
	}
	if got.ExtractedFiles()["unpacked-0x0-gzip"] != "ab12" {
		t.Errorf("extracted files = %v", got.ExtractedFiles())
	}
	if got.RelativeFiles()["lib/libfoo.so"] != "cd34" {
		t.Errorf("relative files = %v", got.RelativeFiles())
	}
	if got.Symlinks()["usr/bin/vi"] != "/usr/bin/vim" {
		t.Errorf("symlinks = %v", got.Symlinks())
	}
}

func TestInfoLabelsDeduplicated(t *testing.T) {
	info := NewInfo()
	info.AddLabels("elf")
	info.AddLabels("elf", "android")
	if got := info.Labels(); len(got) != 2 {
		t.Errorf("labels = %v, want [elf android]", got)
	}
}

func TestInfoKeepsUnknownFields(t *testing.T) {
	info := NewInfo()
	info.SetField("future_field", "kept")
	data, err := info.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalInfo(data)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := got.Field("future_field")
	if !ok || v != "kept" {
		t.Errorf("future_field = %v, %v", v, ok)
	}
}

func TestUnmarshalInfoCorrupt(t *testing.T) {
	if _, err := UnmarshalInfo([]byte{0xff, 0x00, 0x01}); err != ErrCorruptInfo {
		t.Errorf("err = %v, want ErrCorruptInfo", err)
	}
}
