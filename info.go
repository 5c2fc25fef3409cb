// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// InfoVersion is the schema version written into every info record.
const InfoVersion = 1

// Well known info record keys. The schema is descriptive, not normative:
// parsers may introduce new keys and readers keep unknown keys intact.
const (
	keyVersion       = "version"
	keyLabels        = "labels"
	keyMetadata      = "metadata"
	keyUnpackParser  = "unpack_parser"
	keyFilePath      = "file_path"
	keyTLSH          = "tlsh"
	keyExtracted     = "extracted_files"
	keyRelativeFiles = "unpacked_relative_files"
	keyAbsoluteFiles = "unpacked_absolute_files"
	keySymlinks      = "unpacked_symlinks"
	keyHardlinks     = "unpacked_hardlinks"
)

// The info codec is CBOR: self describing, nested maps, native byte
// strings. Canonical sort keeps records byte identical across runs.
var (
	infoEncMode = func() cbor.EncMode {
		em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
		if err != nil {
			panic(err)
		}
		return em
	}()

	infoDecMode = func() cbor.DecMode {
		dm, err := cbor.DecOptions{
			DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		}.DecMode()
		if err != nil {
			panic(err)
		}
		return dm
	}()
)

// An Info is the structured document describing one discovered file: its
// labels, format specific metadata, the parser that claimed the bytes and
// the maps naming its children.
type Info struct {
	fields map[string]interface{}
}

// NewInfo returns an empty versioned info record.
func NewInfo() *Info {
	return &Info{fields: map[string]interface{}{
		keyVersion:  int64(InfoVersion),
		keyLabels:   []interface{}{},
		keyMetadata: map[string]interface{}{},
	}}
}

// UnmarshalInfo decodes an info record, keeping unknown keys.
func UnmarshalInfo(data []byte) (*Info, error) {
	var fields map[string]interface{}
	if err := infoDecMode.Unmarshal(data, &fields); err != nil {
		return nil, ErrCorruptInfo
	}
	if fields == nil {
		return nil, ErrCorruptInfo
	}
	if _, ok := fields[keyLabels]; !ok {
		fields[keyLabels] = []interface{}{}
	}
	if _, ok := fields[keyMetadata]; !ok {
		fields[keyMetadata] = map[string]interface{}{}
	}
	return &Info{fields: fields}, nil
}

// Marshal encodes the record canonically.
func (i *Info) Marshal() ([]byte, error) {
	return infoEncMode.Marshal(i.fields)
}

// Labels returns the label set in insertion order.
func (i *Info) Labels() []string {
	raw, _ := i.fields[keyLabels].([]interface{})
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasLabel reports whether label is present.
func (i *Info) HasLabel(label string) bool {
	for _, l := range i.Labels() {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabels appends labels, dropping duplicates.
func (i *Info) AddLabels(labels ...string) {
	raw, _ := i.fields[keyLabels].([]interface{})
	for _, l := range labels {
		if !i.HasLabel(l) {
			raw = append(raw, l)
			i.fields[keyLabels] = raw
		}
	}
}

// RecordParser stamps the name of the parser that claimed the bytes.
func (i *Info) RecordParser(name string) {
	i.fields[keyUnpackParser] = name
}

// UnpackParser reports the recorded parser name, empty if none.
func (i *Info) UnpackParser() string {
	s, _ := i.fields[keyUnpackParser].(string)
	return s
}

// Metadata returns the format specific metadata mapping.
func (i *Info) Metadata() map[string]interface{} {
	m, _ := i.fields[keyMetadata].(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
		i.fields[keyMetadata] = m
	}
	return m
}

// MergeMetadata merges m into the metadata mapping.
func (i *Info) MergeMetadata(m map[string]interface{}) {
	meta := i.Metadata()
	for k, v := range m {
		meta[k] = v
	}
}

// SetField sets a top level field.
func (i *Info) SetField(key string, value interface{}) {
	i.fields[key] = value
}

// Field returns a top level field.
func (i *Info) Field(key string) (interface{}, bool) {
	v, ok := i.fields[key]
	return v, ok
}

// Version reports the schema version of the record.
func (i *Info) Version() int64 {
	switch v := i.fields[keyVersion].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	}
	return 0
}

func (i *Info) childMap(key string) map[string]interface{} {
	m, _ := i.fields[key].(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
		i.fields[key] = m
	}
	return m
}

func (i *Info) childEntries(key string) map[string]string {
	out := map[string]string{}
	for k, v := range i.childMap(key) {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// AddExtractedFile records a carved or extracted child under its logical
// name, pointing at the store relative path of the child's meta directory.
func (i *Info) AddExtractedFile(name, storePath string) {
	i.childMap(keyExtracted)[name] = storePath
}

// AddRelativeFile records a child unpacked under an in-archive relative
// path.
func (i *Info) AddRelativeFile(name, storePath string) {
	i.childMap(keyRelativeFiles)[name] = storePath
}

// AddAbsoluteFile records a child unpacked under an absolute logical path.
func (i *Info) AddAbsoluteFile(name, storePath string) {
	i.childMap(keyAbsoluteFiles)[name] = storePath
}

// AddSymlink records a symbolic link entry. Links are never followed.
func (i *Info) AddSymlink(name, target string) {
	i.childMap(keySymlinks)[name] = target
}

// AddHardlink records a hard link entry.
func (i *Info) AddHardlink(name, target string) {
	i.childMap(keyHardlinks)[name] = target
}

// ExtractedFiles returns the extracted children map.
func (i *Info) ExtractedFiles() map[string]string {
	return i.childEntries(keyExtracted)
}

// RelativeFiles returns the relative children map.
func (i *Info) RelativeFiles() map[string]string {
	return i.childEntries(keyRelativeFiles)
}

// AbsoluteFiles returns the absolute children map.
func (i *Info) AbsoluteFiles() map[string]string {
	return i.childEntries(keyAbsoluteFiles)
}

// Symlinks returns the symlink map.
func (i *Info) Symlinks() map[string]string {
	return i.childEntries(keySymlinks)
}

// ChildPaths returns the store relative meta directory paths of every
// child recorded in the extracted, relative and absolute children maps.
// Symlink and hardlink entries name link targets and are not included.
func (i *Info) ChildPaths() []string {
	var out []string
	for _, key := range []string{keyExtracted, keyRelativeFiles, keyAbsoluteFiles} {
		for _, v := range i.childEntries(key) {
			out = append(out, v)
		}
	}
	return out
}
