// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHashSetCheckAndInsert(t *testing.T) {
	set := newHashSet()
	assert.True(t, set.checkAndInsert("aa"))
	assert.False(t, set.checkAndInsert("aa"))
	assert.True(t, set.checkAndInsert("bb"))
}

func TestWorkQueueDrains(t *testing.T) {
	q := newWorkQueue()
	q.put(&MetaDirectory{name: "a"})
	q.put(&MetaDirectory{name: "b"})

	md, ok := q.get()
	require.True(t, ok)
	assert.Equal(t, "a", md.name)
	q.done()

	md, ok = q.get()
	require.True(t, ok)
	assert.Equal(t, "b", md.name)
	q.done()

	// Drained: every further get reports closed.
	_, ok = q.get()
	assert.False(t, ok)
}

func TestWorkQueueTerminate(t *testing.T) {
	q := newWorkQueue()
	q.put(&MetaDirectory{name: "a"})
	q.terminate()
	_, ok := q.get()
	assert.False(t, ok)
}

func writeInput(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestScanDeduplicatesIdenticalInputs(t *testing.T) {
	dir := t.TempDir()
	content := makeGzip(t, "dup.txt", []byte("the same content in every copy"))
	var inputs []string
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		inputs = append(inputs, writeInput(t, dir, name, content))
	}

	store, err := Scan(context.Background(), DefaultConfig(),
		filepath.Join(dir, "store"), inputs, nil)
	require.NoError(t, err)

	// One meta directory for the shared content: the parse ran once.
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	rootDirs := 0
	for _, e := range entries {
		if e.Name() == RootName || e.Name() == RootName+"-1" ||
			e.Name() == RootName+"-2" {
			rootDirs++
		}
	}
	assert.Equal(t, 1, rootDirs, "duplicate inputs must share one meta directory")
}

func TestScanRecursesNestedFormats(t *testing.T) {
	// A file inside a tar inside a gzip: three levels of unpacking.
	inner := []byte("#!/usr/bin/env python\nprint('nested')\n")
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "scripts/run.py", Mode: 0o755, Size: int64(len(inner)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(inner)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	data := makeGzip(t, "bundle.tar", tarBuf.Bytes())

	dir := t.TempDir()
	input := writeInput(t, dir, "bundle.tar.gz", data)
	store, err := Scan(context.Background(), DefaultConfig(),
		filepath.Join(dir, "store"), []string{input}, nil)
	require.NoError(t, err)

	root, err := store.MetaDirectoryByName(RootName)
	require.NoError(t, err)
	assert.Equal(t, "gzip", root.Info().UnpackParser())

	tarName := root.Info().RelativeFiles()["bundle.tar"]
	require.NotEmpty(t, tarName)
	tarMD, err := store.MetaDirectoryByName(tarName)
	require.NoError(t, err)
	assert.Equal(t, "tar", tarMD.Info().UnpackParser())

	scriptName := tarMD.Info().RelativeFiles()["scripts/run.py"]
	require.NotEmpty(t, scriptName)
	scriptMD, err := store.MetaDirectoryByName(scriptName)
	require.NoError(t, err)
	assert.True(t, scriptMD.Info().HasLabel("script"))
	assert.True(t, scriptMD.Info().HasLabel("python"))
	assert.Equal(t, inner, mustReadFile(t, scriptMD.FilePath()))
}

func TestScanStoreInvariants(t *testing.T) {
	gz1 := makeGzip(t, "one.txt", []byte("first distinct payload here"))
	gap := bytes.Repeat([]byte{0x00}, 128)
	gz2 := makeGzip(t, "two.txt", []byte("second distinct payload there"))
	data := append(append(append([]byte{}, gz1...), gap...), gz2...)

	dir := t.TempDir()
	input := writeInput(t, dir, "blob.bin", data)
	store, err := Scan(context.Background(), DefaultConfig(),
		filepath.Join(dir, "store"), []string{input}, nil)
	require.NoError(t, err)

	mds, err := store.MetaDirectories()
	require.NoError(t, err)
	require.NotEmpty(t, mds)

	seen := map[string]bool{}
	for _, md := range mds {
		// Every committed record parses and carries the base keys.
		require.NotNil(t, md.Info(), md.Name())
		assert.NotNil(t, md.Info().Metadata(), md.Name())

		// Content hash integrity and uniqueness.
		if md.Identity() != "" {
			assert.NoError(t, md.VerifyIdentity(), md.Name())
			assert.False(t, seen[md.Identity()], "duplicate identity %s", md.Identity())
			seen[md.Identity()] = true
		}

		// Parent child consistency.
		for _, child := range md.Info().ChildPaths() {
			_, err := store.MetaDirectoryByName(child)
			assert.NoError(t, err, "child %s of %s", child, md.Name())
		}
	}
}

func TestSchedulerCancellation(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "input.bin",
		makeGzip(t, "x.txt", []byte("cancelled before processing")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Scan(ctx, DefaultConfig(), filepath.Join(dir, "store"),
		[]string{input}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
