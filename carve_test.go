// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestRoot writes data as an input file and registers it as the root
// of a fresh store.
func newTestRoot(t *testing.T, data []byte) (*Store, *MetaDirectory) {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(input, data, 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(filepath.Join(dir, "store"), nil)
	if err != nil {
		t.Fatal(err)
	}
	md, err := store.NewRootMetaDirectory(input)
	if err != nil {
		t.Fatal(err)
	}
	return store, md
}

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// openTestRoot additionally enters a full read write scope on the root.
func openTestRoot(t *testing.T, data []byte) (*Store, *MetaDirectory) {
	t.Helper()
	store, md := newTestRoot(t, data)
	if err := md.Open(true, true); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if md.isOpen {
			md.Close(false)
		}
	})
	return store, md
}
