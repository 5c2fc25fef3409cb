// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootMetaDirectory(t *testing.T) {
	data := []byte("the root input")
	store, md := newTestRoot(t, data)

	if md.Name() != RootName {
		t.Errorf("name = %q, want %q", md.Name(), RootName)
	}
	sum := sha256.Sum256(data)
	if md.Identity() != hex.EncodeToString(sum[:]) {
		t.Errorf("identity = %q", md.Identity())
	}
	if err := md.VerifyIdentity(); err != nil {
		t.Errorf("verify identity: %v", err)
	}

	// The root info is committed at registration.
	got, err := store.MetaDirectoryByName(RootName)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Info().HasLabel("root") {
		t.Errorf("labels = %v, want root", got.Info().Labels())
	}
	if got.Identity() != md.Identity() {
		t.Errorf("reloaded identity = %q", got.Identity())
	}
}

func TestOpenCloseCommitSemantics(t *testing.T) {
	store, md := newTestRoot(t, []byte("data"))

	// Abandoned scope: nothing written.
	if err := md.Open(false, true); err != nil {
		t.Fatal(err)
	}
	md.Info().AddLabels("abandoned")
	if err := md.Close(false); err != nil {
		t.Fatal(err)
	}
	got, _ := store.MetaDirectoryByName(RootName)
	if got.Info().HasLabel("abandoned") {
		t.Error("abandoned scope leaked a commit")
	}

	// Committed scope: visible after close.
	if err := md.Open(false, true); err != nil {
		t.Fatal(err)
	}
	md.Info().AddLabels("committed")
	if err := md.Close(true); err != nil {
		t.Fatal(err)
	}
	got, _ = store.MetaDirectoryByName(RootName)
	if !got.Info().HasLabel("committed") {
		t.Error("committed label lost")
	}
}

func TestWriteAhead(t *testing.T) {
	store, md := newTestRoot(t, []byte("data"))
	if err := md.Open(false, true); err != nil {
		t.Fatal(err)
	}
	defer md.Close(false)

	md.Info().AddLabels("early")
	if err := md.WriteAhead(); err != nil {
		t.Fatal(err)
	}
	// Visible while the scope is still open.
	got, _ := store.MetaDirectoryByName(RootName)
	if !got.Info().HasLabel("early") {
		t.Error("write ahead not visible")
	}
}

func TestUnpackRegularFile(t *testing.T) {
	store, md := openTestRoot(t, []byte("parent"))

	payload := []byte("the child payload")
	child, err := md.UnpackRegularFile("lib/child.bin",
		func(_ *MetaDirectory, w io.Writer) error {
			_, err := w.Write(payload)
			return err
		})
	if err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(payload)
	wantHash := hex.EncodeToString(sum[:])
	if child.Identity() != wantHash {
		t.Errorf("child identity = %q, want %q", child.Identity(), wantHash)
	}
	if child.Name() != wantHash {
		t.Errorf("child directory = %q, want hash name", child.Name())
	}

	// The bytes live in the parent's rel tree under the logical path.
	target := filepath.Join(md.Dir(), relDir, "lib", "child.bin")
	got, err := os.ReadFile(target)
	if err != nil || string(got) != string(payload) {
		t.Errorf("rel tree content = %q, %v", got, err)
	}

	// The parent's children map points at the child node.
	if md.Info().RelativeFiles()["lib/child.bin"] != wantHash {
		t.Errorf("relative files = %v", md.Info().RelativeFiles())
	}

	// The child has a committed minimal info record.
	reloaded, err := store.MetaDirectoryByName(wantHash)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Info() == nil {
		t.Fatal("child info missing")
	}
	if err := reloaded.VerifyIdentity(); err != nil {
		t.Errorf("child verify: %v", err)
	}
}

func TestUnpackRegularFileAbsolutePath(t *testing.T) {
	_, md := openTestRoot(t, []byte("parent"))
	child, err := md.UnpackRegularFile("/usr/bin/tool",
		func(_ *MetaDirectory, w io.Writer) error {
			_, err := w.Write([]byte("tool bytes"))
			return err
		})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(md.Dir(), absDir, "usr", "bin", "tool")); err != nil {
		t.Errorf("abs tree: %v", err)
	}
	if md.Info().AbsoluteFiles()["/usr/bin/tool"] != child.Name() {
		t.Errorf("absolute files = %v", md.Info().AbsoluteFiles())
	}
}

func TestUnpackRegularFileErrorScope(t *testing.T) {
	store, md := openTestRoot(t, []byte("parent"))
	boom := errors.New("boom")
	_, err := md.UnpackRegularFile("bad.bin",
		func(_ *MetaDirectory, w io.Writer) error {
			w.Write([]byte("partial"))
			return boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	// Neither the temp directory nor the partial file survive.
	entries, _ := os.ReadDir(store.Root())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpDirPrefix) {
			t.Errorf("stale temp dir %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(md.Dir(), relDir, "bad.bin")); !os.IsNotExist(err) {
		t.Error("partial file survived the failed scope")
	}
}

func TestUnpackRegularFileDuplicateMerges(t *testing.T) {
	_, md := openTestRoot(t, []byte("parent"))
	write := func(name string) *MetaDirectory {
		child, err := md.UnpackRegularFile(name,
			func(_ *MetaDirectory, w io.Writer) error {
				_, err := w.Write([]byte("identical bytes"))
				return err
			})
		if err != nil {
			t.Fatal(err)
		}
		return child
	}
	a := write("first/copy.bin")
	b := write("second/copy.bin")
	if a.Name() != b.Name() {
		t.Errorf("duplicates not merged: %q vs %q", a.Name(), b.Name())
	}
	rel := md.Info().RelativeFiles()
	if rel["first/copy.bin"] != a.Name() || rel["second/copy.bin"] != a.Name() {
		t.Errorf("relative files = %v", rel)
	}
}

func TestSanitizeArchivePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		bad  bool
	}{
		{"plain.txt", "plain.txt", false},
		{"/abs/path", "abs/path", false},
		{"a/../b", "b", false},
		{"..", "", true},
		{"../escape", "", true},
		{"a/../../escape", "", true},
		{`win\style\path`, "win/style/path", false},
	}
	for _, tt := range tests {
		got, err := sanitizeArchivePath(tt.in)
		if tt.bad {
			if err == nil {
				t.Errorf("sanitize(%q): want error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("sanitize(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}
