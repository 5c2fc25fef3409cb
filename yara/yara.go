// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package yara turns finished carve stores into textual scan rules. It
// harvests symbols and strings from the metadata of supported binaries,
// applies quality filters and emits one rule per binary plus aggregate
// rules across package versions.
package yara

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saferwall/carve"
	"github.com/saferwall/carve/log"
)

// An Emitter walks finished stores and writes rule files into the
// configured rule directory.
type Emitter struct {
	cfg    *carve.Config
	lq     *lqSets
	logger *log.Helper

	// Now and NewUUID are injectable so rule output can be seeded in
	// tests.
	Now     func() time.Time
	NewUUID func() string

	// Tags is prepended to the per format tag of every rule.
	Tags []string

	// GenerateIdentifierFiles additionally dumps the per package
	// identifier sets into .func/.var/.strings side files.
	GenerateIdentifierFiles bool

	// IgnoredSuffixes skips binaries by file suffix. Defaults to object
	// files, regular and GHC specific.
	IgnoredSuffixes []string

	mu        sync.Mutex
	processed map[string]bool
}

// NewEmitter returns an emitter over the given configuration and optional
// denylist corpus.
func NewEmitter(cfg *carve.Config, lq *LowQuality, logger log.Logger) *Emitter {
	if cfg == nil {
		cfg = carve.DefaultConfig()
	}
	if logger == nil {
		logger = log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError))
	}
	return &Emitter{
		cfg:             cfg,
		lq:              newLQSets(lq),
		logger:          log.NewHelper(logger),
		Now:             time.Now,
		NewUUID:         uuid.NewString,
		IgnoredSuffixes: []string{".o", ".p_o"},
		processed:       map[string]bool{},
	}
}

// EmitStore walks one finished store and writes a rule file for every
// supported binary in it, a package index rule including them, and the
// optional identifier side files. Stores whose root content was already
// handled by this emitter are skipped.
func (e *Emitter) EmitStore(store *carve.Store) error {
	mds, err := store.MetaDirectories()
	if err != nil {
		return err
	}

	packageName := ""
	rootHash := ""
	for _, md := range mds {
		if md.Info() != nil && md.Info().HasLabel("root") {
			packageName = md.Pathname()
			rootHash = md.Identity()
			break
		}
	}

	e.mu.Lock()
	if e.processed[rootHash] {
		e.mu.Unlock()
		e.logger.Infof("store for %s already processed", packageName)
		return nil
	}
	e.processed[rootHash] = true
	e.mu.Unlock()

	binaryDir := filepath.Join(e.cfg.YaraDirectory, "binary")
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}

	perPackage := NewIdentifiers()
	var ruleFiles []string
	for _, md := range mds {
		info := md.Info()
		if info == nil {
			continue
		}
		var ids Identifiers
		var tag string
		switch {
		case info.HasLabel("elf"):
			if e.cfg.IgnoreOCaml && info.HasLabel("ocaml") {
				continue
			}
			ids = e.elfIdentifiers(info)
			tag = "elf"
		case info.HasLabel("dex"):
			ids = e.dexIdentifiers(info)
			tag = "dex"
		default:
			continue
		}
		if e.ignoredSuffix(md.Pathname()) {
			continue
		}
		mergeInto(perPackage, ids)
		ids = e.applyExtractedThresholds(ids)
		if ids.Empty() {
			continue
		}
		if ids.Total() > e.cfg.MaxIdentifiers {
			// The intended behavior of max_identifiers is unclear; leave
			// a hint instead of truncating.
			e.logger.Infof("%s: %d identifiers exceed max_identifiers %d",
				md.Pathname(), ids.Total(), e.cfg.MaxIdentifiers)
		}

		metadata := map[string]string{
			"name":    md.Pathname(),
			"sha256":  md.Identity(),
			"package": packageName,
		}
		if t, ok := info.Field("tlsh"); ok {
			if s, ok := t.(string); ok {
				metadata["tlsh"] = s
			}
		}
		if th, ok := info.Metadata()["telfhash"].(string); ok {
			metadata["telfhash"] = th
		}

		name, err := e.writeRule(binaryDir, metadata, ids,
			append(append([]string{}, e.Tags...), tag), nil)
		if err != nil {
			return err
		}
		ruleFiles = append(ruleFiles, name)
	}

	if len(ruleFiles) == 0 {
		return nil
	}
	if err := e.writePackageIndex(packageName, ruleFiles); err != nil {
		return err
	}
	if e.GenerateIdentifierFiles {
		return e.writeIdentifierFiles(packageName, perPackage)
	}
	return nil
}

func (e *Emitter) ignoredSuffix(name string) bool {
	suffix := strings.ToLower(filepath.Ext(name))
	for _, s := range e.IgnoredSuffixes {
		if suffix == s {
			return true
		}
	}
	return false
}

// applyExtractedThresholds clears every group that did not yield enough
// identifiers to be worth matching on.
func (e *Emitter) applyExtractedThresholds(ids Identifiers) Identifiers {
	h := e.cfg.Heuristics
	if len(ids.Strings) < h.StringsExtracted {
		ids.Strings = map[string]bool{}
	}
	if len(ids.Functions) < h.FunctionsExtracted {
		ids.Functions = map[string]bool{}
	}
	if len(ids.Variables) < h.VariablesExtracted {
		ids.Variables = map[string]bool{}
	}
	return ids
}

func mergeInto(dst, src Identifiers) {
	for s := range src.Strings {
		dst.Strings[s] = true
	}
	for s := range src.Functions {
		dst.Functions[s] = true
	}
	for s := range src.Variables {
		dst.Variables[s] = true
	}
}

// writePackageIndex writes the wrapper rule file including every per
// binary rule of the package.
func (e *Emitter) writePackageIndex(packageName string, ruleFiles []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "/*\nRules for %s\n*/\n", packageName)
	sort.Strings(ruleFiles)
	last := ""
	for _, f := range ruleFiles {
		if f == last {
			continue
		}
		last = f
		fmt.Fprintf(&b, "include \"./binary/%s\"\n", f)
	}
	return os.WriteFile(
		filepath.Join(e.cfg.YaraDirectory, packageName+RuleExt),
		[]byte(b.String()), 0o644)
}

func (e *Emitter) writeIdentifierFiles(packageName string, ids Identifiers) error {
	for _, group := range []struct {
		ext string
		set map[string]bool
	}{
		{".func", ids.Functions},
		{".var", ids.Variables},
		{".strings", ids.Strings},
	} {
		if len(group.set) == 0 {
			continue
		}
		var b strings.Builder
		for _, s := range sortedSet(group.set) {
			b.WriteString(s)
			b.WriteByte('\n')
		}
		path := filepath.Join(e.cfg.YaraDirectory, packageName+group.ext)
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return err
		}
	}
	return nil
}
