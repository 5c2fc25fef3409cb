// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/saferwall/carve/log"
)

// Store layout names.
const (
	// RootName is the well known directory name of the root input.
	RootName = "root"

	pathnameFile = "pathname"
	infoFile     = "info.cbor"
	blobFile     = "file"
	relDir       = "rel"
	absDir       = "abs"
	mdLinkSuffix = ".md"
	tmpDirPrefix = ".md-"
)

// A Store is the on disk forest of meta directories under a single root.
type Store struct {
	root   string
	locks  sync.Map // meta directory name -> *sync.Mutex
	logger *log.Helper
}

// NewStore creates the store root if needed and returns a handle to it.
func NewStore(root string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StoreError{Path: root, Err: err}
	}
	return &Store{root: root, logger: log.NewHelper(logger)}, nil
}

// OpenStore returns a handle to an existing store root.
func OpenStore(root string, logger log.Logger) (*Store, error) {
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return nil, ErrStoreNotFound
	}
	return NewStore(root, logger)
}

// Root returns the store root path.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) lock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// A MetaDirectory is the durable node representing one discovered file: its
// backing bytes, content hash identity, info record and child links.
type MetaDirectory struct {
	store    *Store
	name     string // directory name under the store root
	pathname string // logical name the parent used
	filePath string // path of the backing bytes
	identity string // sha256 hex of the backing bytes

	info      *Info
	f         *os.File
	data      mmap.MMap
	size      int64
	isOpen    bool
	fileOpen  bool
	infoWrite bool
}

// NewRootMetaDirectory registers the initial input file under the well
// known root name. The input is not copied; the backing bytes stay at
// input.
func (s *Store) NewRootMetaDirectory(input string) (*MetaDirectory, error) {
	return s.newRootNamed(input, RootName)
}

func (s *Store) newRootNamed(input, name string) (*MetaDirectory, error) {
	abs, err := filepath.Abs(input)
	if err != nil {
		return nil, &StoreError{Path: input, Err: err}
	}
	hash, _, err := hashFile(abs)
	if err != nil {
		return nil, &StoreError{Path: input, Err: err}
	}
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StoreError{Path: dir, Err: err}
	}
	md := &MetaDirectory{
		store:    s,
		name:     name,
		pathname: filepath.Base(abs),
		filePath: abs,
		identity: hash,
	}
	if err := os.WriteFile(filepath.Join(dir, pathnameFile),
		[]byte(md.pathname), 0o644); err != nil {
		return nil, &StoreError{Path: dir, Err: err}
	}
	info := NewInfo()
	info.AddLabels("root")
	info.SetField(keyFilePath, abs)
	info.SetField("sha256", hash)
	if err := writeInfoRecord(dir, info); err != nil {
		return nil, err
	}
	return md, nil
}

// MetaDirectoryByName returns a handle to an existing node by its
// directory name under the store root.
func (s *Store) MetaDirectoryByName(name string) (*MetaDirectory, error) {
	dir := filepath.Join(s.root, name)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, ErrStoreNotFound
	}
	md := &MetaDirectory{store: s, name: name}
	if pn, err := os.ReadFile(filepath.Join(dir, pathnameFile)); err == nil {
		md.pathname = string(pn)
	}
	raw, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, &StoreError{Path: dir, Err: err}
	}
	info, err := UnmarshalInfo(raw)
	if err != nil {
		return nil, err
	}
	md.info = info
	if fp, ok := info.Field(keyFilePath); ok {
		if p, ok := fp.(string); ok {
			if filepath.IsAbs(p) {
				md.filePath = p
			} else {
				md.filePath = filepath.Join(s.root, p)
			}
		}
	}
	if h, ok := info.Field("sha256"); ok {
		md.identity, _ = h.(string)
	}
	if md.identity == "" && !strings.HasPrefix(name, RootName) {
		md.identity = name
	}
	return md, nil
}

// MetaDirectories lists every committed node in the store.
func (s *Store) MetaDirectories() ([]*MetaDirectory, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &StoreError{Path: s.root, Err: err}
	}
	var out []*MetaDirectory
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tmpDirPrefix) {
			continue
		}
		md, err := s.MetaDirectoryByName(e.Name())
		if err != nil {
			s.logger.Warnf("skipping %s: %v", e.Name(), err)
			continue
		}
		out = append(out, md)
	}
	return out, nil
}

// Dir returns the absolute path of the node's directory.
func (md *MetaDirectory) Dir() string {
	return filepath.Join(md.store.root, md.name)
}

// Name returns the directory name under the store root, which doubles as
// the store relative path of the node.
func (md *MetaDirectory) Name() string {
	return md.name
}

// Pathname returns the logical name the parent used for this file.
func (md *MetaDirectory) Pathname() string {
	return md.pathname
}

// FilePath returns the canonical path of the backing bytes.
func (md *MetaDirectory) FilePath() string {
	return md.filePath
}

// Identity returns the sha256 hex digest of the backing bytes.
func (md *MetaDirectory) Identity() string {
	return md.identity
}

// Info returns the in memory info record, as loaded by Open or, for
// handles it returns, by MetaDirectoryByName. Nil before either loads it.
func (md *MetaDirectory) Info() *Info {
	return md.info
}

// Size reports the backing file size. Only valid when opened with the
// file.
func (md *MetaDirectory) Size() int64 {
	return md.size
}

// File exposes the open backing file, nil outside an open-file scope.
func (md *MetaDirectory) File() *os.File {
	return md.f
}

// Bytes exposes the memory mapped backing bytes, nil for an empty file or
// outside an open-file scope.
func (md *MetaDirectory) Bytes() []byte {
	return md.data
}

// ReaderAt reads from the mapped backing bytes.
func (md *MetaDirectory) ReaderAt() io.ReaderAt {
	return bytes.NewReader(md.data)
}

// Open enters a scope on the node. openFile maps the backing bytes read
// only; infoWrite marks the scope as owning the info record, which is then
// committed by Close. The scope holds the node's lock until Close.
func (md *MetaDirectory) Open(openFile, infoWrite bool) error {
	md.store.lock(md.name).Lock()
	md.isOpen = true
	md.infoWrite = infoWrite

	raw, err := os.ReadFile(filepath.Join(md.Dir(), infoFile))
	switch {
	case err == nil:
		info, uerr := UnmarshalInfo(raw)
		if uerr != nil {
			md.release()
			return uerr
		}
		md.info = info
	case os.IsNotExist(err):
		md.info = NewInfo()
	default:
		md.release()
		return &StoreError{Path: md.Dir(), Err: err}
	}

	if openFile {
		f, err := os.Open(md.filePath)
		if err != nil {
			md.release()
			return &StoreError{Path: md.filePath, Err: err}
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			md.release()
			return &StoreError{Path: md.filePath, Err: err}
		}
		md.f = f
		md.size = fi.Size()
		md.fileOpen = true
		if md.size > 0 {
			data, err := mmap.Map(f, mmap.RDONLY, 0)
			if err != nil {
				f.Close()
				md.fileOpen = false
				md.release()
				return &StoreError{Path: md.filePath, Err: err}
			}
			md.data = data
		}
	}
	return nil
}

// WriteAhead commits the info record immediately and keeps the scope open.
// Required before the node is enqueued for another worker.
func (md *MetaDirectory) WriteAhead() error {
	if !md.isOpen {
		return ErrNotOpen
	}
	return writeInfoRecord(md.Dir(), md.info)
}

// Close exits the scope. With commit true and an info-write scope the info
// record is committed atomically; with commit false nothing is written.
func (md *MetaDirectory) Close(commit bool) error {
	if !md.isOpen {
		return ErrNotOpen
	}
	var err error
	if md.infoWrite && commit {
		err = writeInfoRecord(md.Dir(), md.info)
	}
	if md.data != nil {
		if uerr := md.data.Unmap(); err == nil {
			err = uerr
		}
		md.data = nil
	}
	if md.fileOpen {
		if cerr := md.f.Close(); err == nil {
			err = cerr
		}
		md.f = nil
		md.fileOpen = false
	}
	md.release()
	return err
}

func (md *MetaDirectory) release() {
	md.isOpen = false
	md.infoWrite = false
	md.store.lock(md.name).Unlock()
}

// VerifyIdentity recomputes the content hash and checks it against the
// node's identity.
func (md *MetaDirectory) VerifyIdentity() error {
	hash, _, err := hashFile(md.filePath)
	if err != nil {
		return &StoreError{Path: md.filePath, Err: err}
	}
	if hash != md.identity {
		return ErrHashMismatch
	}
	return nil
}

// UnpackRegularFile creates a child node for a file a parser unpacks under
// the logical path name. The child's bytes are written through w inside
// fn; when fn returns, the writer is closed, the bytes are hashed, the
// child directory is renamed to its content hash name, merging with an
// existing node on collision, and a minimal info record is written. When
// fn fails, neither the child directory nor the written file survive.
func (md *MetaDirectory) UnpackRegularFile(logical string,
	fn func(child *MetaDirectory, w io.Writer) error) (*MetaDirectory, error) {

	if !md.isOpen {
		return nil, ErrNotOpen
	}
	sub := relDir
	if path.IsAbs(logical) {
		sub = absDir
	}
	cleaned, err := sanitizeArchivePath(logical)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(md.Dir(), sub, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, &StoreError{Path: target, Err: err}
	}
	w, err := os.Create(target)
	if err != nil {
		return nil, &StoreError{Path: target, Err: err}
	}
	tmp, err := os.MkdirTemp(md.store.root, tmpDirPrefix)
	if err != nil {
		w.Close()
		os.Remove(target)
		return nil, &StoreError{Path: md.store.root, Err: err}
	}
	child := &MetaDirectory{
		store:    md.store,
		name:     filepath.Base(tmp),
		pathname: path.Base(cleaned),
		filePath: target,
	}
	if err := os.WriteFile(filepath.Join(tmp, pathnameFile),
		[]byte(child.pathname), 0o644); err != nil {
		w.Close()
		os.Remove(target)
		os.RemoveAll(tmp)
		return nil, &StoreError{Path: tmp, Err: err}
	}

	if err := fn(child, w); err != nil {
		w.Close()
		os.Remove(target)
		os.RemoveAll(tmp)
		return nil, err
	}
	if err := w.Close(); err != nil {
		os.Remove(target)
		os.RemoveAll(tmp)
		return nil, &StoreError{Path: target, Err: err}
	}

	hash, size, err := hashFile(target)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, &StoreError{Path: target, Err: err}
	}
	relTarget, _ := filepath.Rel(md.store.root, target)
	if err := md.store.finalize(child, tmp, hash, relTarget); err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	child.size = size
	md.linkChild(target, child)
	if sub == absDir {
		md.info.AddAbsoluteFile(logical, child.name)
	} else {
		md.info.AddRelativeFile(logical, child.name)
	}
	return child, nil
}

// unpackCarved creates a child node for a byte region carved out of this
// node. The carved blob lives inside the child's own directory.
func (md *MetaDirectory) unpackCarved(logical string, data []byte) (*MetaDirectory, error) {
	if !md.isOpen {
		return nil, ErrNotOpen
	}
	tmp, err := os.MkdirTemp(md.store.root, tmpDirPrefix)
	if err != nil {
		return nil, &StoreError{Path: md.store.root, Err: err}
	}
	if err := os.WriteFile(filepath.Join(tmp, blobFile), data, 0o644); err != nil {
		os.RemoveAll(tmp)
		return nil, &StoreError{Path: tmp, Err: err}
	}
	if err := os.WriteFile(filepath.Join(tmp, pathnameFile),
		[]byte(logical), 0o644); err != nil {
		os.RemoveAll(tmp)
		return nil, &StoreError{Path: tmp, Err: err}
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	child := &MetaDirectory{
		store:    md.store,
		name:     filepath.Base(tmp),
		pathname: logical,
	}
	if err := md.store.finalize(child, tmp, hash, path.Join(hash, blobFile)); err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	child.size = int64(len(data))
	return child, nil
}

// finalize renames a temporary child directory to its content hash name,
// merging with the canonical node when the hash is already present, and
// writes the minimal info record for new nodes.
func (s *Store) finalize(child *MetaDirectory, tmp, hash, relFilePath string) error {
	final := filepath.Join(s.root, hash)
	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(final); err == nil {
		// Same content seen before: drop the duplicate and point the
		// handle at the canonical node.
		os.RemoveAll(tmp)
		canonical, err := s.MetaDirectoryByName(hash)
		if err != nil {
			return err
		}
		*child = *canonical
		return nil
	}
	if err := os.Rename(tmp, final); err != nil {
		return &StoreError{Path: final, Err: err}
	}
	child.name = hash
	child.identity = hash
	info := NewInfo()
	info.SetField(keyFilePath, relFilePath)
	info.SetField("sha256", hash)
	if err := writeInfoRecord(final, info); err != nil {
		return err
	}
	child.filePath = filepath.Join(s.root, filepath.FromSlash(relFilePath))
	return nil
}

// linkChild drops a marker link next to an unpacked file pointing into the
// child's meta directory. Best effort: stores on filesystems without
// symlink support simply lack the links.
func (md *MetaDirectory) linkChild(target string, child *MetaDirectory) {
	rel, err := filepath.Rel(filepath.Dir(target), child.Dir())
	if err != nil {
		return
	}
	if err := os.Symlink(rel, target+mdLinkSuffix); err != nil && !os.IsExist(err) {
		md.store.logger.Debugf("link for %s: %v", target, err)
	}
}

// writeInfoRecord commits an info record atomically: write to a temp file,
// then rename over the final name.
func writeInfoRecord(dir string, info *Info) error {
	data, err := info.Marshal()
	if err != nil {
		return &StoreError{Path: dir, Err: err}
	}
	tmp := filepath.Join(dir, infoFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StoreError{Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, filepath.Join(dir, infoFile)); err != nil {
		return &StoreError{Path: dir, Err: err}
	}
	return nil
}

// hashFile computes the sha256 hex digest and size of the file at p.
func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// sanitizeArchivePath normalizes a logical archive path to a safe slash
// form: no drive letters, no parent escapes, no leading slashes.
func sanitizeArchivePath(logical string) (string, error) {
	p := strings.ReplaceAll(logical, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &StoreError{Path: logical, Err: errPathDenied}
	}
	return clean, nil
}
