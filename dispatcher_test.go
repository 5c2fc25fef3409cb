// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func makeGzip(t *testing.T, name string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	if _, err := zw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(DefaultRegistry(), DefaultConfig(), nil)
}

func TestDispatcherEmptyFile(t *testing.T) {
	store, md := newTestRoot(t, nil)
	children, err := newTestDispatcher().Process(md)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Errorf("children = %d, want 0", len(children))
	}
	got, _ := store.MetaDirectoryByName(RootName)
	if !got.Info().HasLabel("empty") {
		t.Errorf("labels = %v, want empty", got.Info().Labels())
	}
}

func TestDispatcherPaddingFile(t *testing.T) {
	store, md := newTestRoot(t, bytes.Repeat([]byte{0xff}, 512))
	children, err := newTestDispatcher().Process(md)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Errorf("children = %d, want 0", len(children))
	}
	got, _ := store.MetaDirectoryByName(RootName)
	if !got.Info().HasLabel("padding") {
		t.Errorf("labels = %v, want padding", got.Info().Labels())
	}
}

func TestDispatcherWholeFileGzip(t *testing.T) {
	payload := []byte("hello world, this is the payload")
	store, md := newTestRoot(t, makeGzip(t, "hello.txt", payload))
	children, err := newTestDispatcher().Process(md)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1", len(children))
	}

	got, _ := store.MetaDirectoryByName(RootName)
	if got.Info().UnpackParser() != "gzip" {
		t.Errorf("unpack parser = %q, want gzip", got.Info().UnpackParser())
	}
	if !got.Info().HasLabel("gzip") || !got.Info().HasLabel("compressed") {
		t.Errorf("labels = %v", got.Info().Labels())
	}
	childName, ok := got.Info().RelativeFiles()["hello.txt"]
	if !ok {
		t.Fatalf("relative files = %v", got.Info().RelativeFiles())
	}
	if childName != children[0].Name() {
		t.Errorf("map points at %q, emitted %q", childName, children[0].Name())
	}
	data, err := os.ReadFile(children[0].FilePath())
	if err != nil || !bytes.Equal(data, payload) {
		t.Errorf("child bytes = %q, %v", data, err)
	}
}

func TestDispatcherCarvesConcatenation(t *testing.T) {
	gz1 := makeGzip(t, "first.txt", []byte("the first payload of the scan"))
	gz2 := makeGzip(t, "second.txt", []byte("and a different second payload"))
	gap := bytes.Repeat([]byte{0x00}, 64)
	data := append(append(append([]byte{}, gz1...), gap...), gz2...)

	store, md := newTestRoot(t, data)
	children, err := newTestDispatcher().Process(md)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := store.MetaDirectoryByName(RootName)
	if got.Info().UnpackParser() != ExtractingParserName {
		t.Errorf("unpack parser = %q, want %q",
			got.Info().UnpackParser(), ExtractingParserName)
	}
	extracted := got.Info().ExtractedFiles()
	if len(extracted) != 3 {
		t.Fatalf("extracted files = %v, want 3 entries", extracted)
	}

	gapName := fmt.Sprintf("synthesized-0x%x", len(gz1))
	synthName, ok := extracted[gapName]
	if !ok {
		t.Fatalf("no synthesized entry %q in %v", gapName, extracted)
	}
	synth, err := store.MetaDirectoryByName(synthName)
	if err != nil {
		t.Fatal(err)
	}
	if !synth.Info().HasLabel("synthesized") {
		t.Errorf("synthesized labels = %v", synth.Info().Labels())
	}

	// Two payload children plus the synthesized node for re-scanning.
	if len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}

	// Re-scanning the synthesized gap labels it as padding.
	if _, err := newTestDispatcher().Process(synth); err != nil {
		t.Fatal(err)
	}
	synth, _ = store.MetaDirectoryByName(synthName)
	if !synth.Info().HasLabel("padding") || !synth.Info().HasLabel("synthesized") {
		t.Errorf("labels after re-scan = %v", synth.Info().Labels())
	}
}

func TestDispatcherScriptDetection(t *testing.T) {
	store, md := newTestRoot(t, []byte("#!/usr/bin/env python\nprint('hi')\n"))
	if _, err := newTestDispatcher().Process(md); err != nil {
		t.Fatal(err)
	}
	got, _ := store.MetaDirectoryByName(RootName)
	for _, label := range []string{"script", "python"} {
		if !got.Info().HasLabel(label) {
			t.Errorf("labels = %v, want %s", got.Info().Labels(), label)
		}
	}
}

func TestDispatcherSniffsUnclaimedFiles(t *testing.T) {
	// A PNG header with noise: no registered parser claims it.
	data := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
		[]byte("not really a png body")...)
	store, md := newTestRoot(t, data)
	if _, err := newTestDispatcher().Process(md); err != nil {
		t.Fatal(err)
	}
	got, _ := store.MetaDirectoryByName(RootName)
	if mime := got.Info().Metadata()["mime_type"]; mime != "image/png" {
		t.Errorf("mime_type = %v, want image/png", mime)
	}
}

func TestDispatcherIdempotent(t *testing.T) {
	gz := makeGzip(t, "a.txt", []byte("idempotence payload with some length"))
	data := append(append([]byte{}, gz...), bytes.Repeat([]byte{0xff}, 32)...)

	dir := t.TempDir()
	input := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(input, data, 0o644); err != nil {
		t.Fatal(err)
	}

	scanOnce := func(root string) map[string][]byte {
		store, err := NewStore(root, nil)
		if err != nil {
			t.Fatal(err)
		}
		md, err := store.NewRootMetaDirectory(input)
		if err != nil {
			t.Fatal(err)
		}
		disp := newTestDispatcher()
		queue := []*MetaDirectory{md}
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			children, err := disp.Process(next)
			if err != nil {
				t.Fatal(err)
			}
			queue = append(queue, children...)
		}
		records := map[string][]byte{}
		entries, _ := os.ReadDir(root)
		for _, e := range entries {
			raw, err := os.ReadFile(filepath.Join(root, e.Name(), infoFile))
			if err != nil {
				t.Fatalf("%s: %v", e.Name(), err)
			}
			records[e.Name()] = raw
		}
		return records
	}

	first := scanOnce(filepath.Join(dir, "store1"))
	second := scanOnce(filepath.Join(dir, "store2"))
	if len(first) != len(second) {
		t.Fatalf("store sizes differ: %d vs %d", len(first), len(second))
	}
	for name, raw := range first {
		if !bytes.Equal(raw, second[name]) {
			t.Errorf("info record for %s differs between runs", name)
		}
	}
}
