// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package carve is a recursive unpacking and identification engine. It
// takes an arbitrary input file, discovers every recognizable format
// nested inside it, extracts contained sub files into a persistent on
// disk store and records labels and structured metadata for every
// discovered artifact.
package carve

import (
	"context"
	"fmt"

	"github.com/saferwall/carve/log"
)

// Scan unpacks every input file into a store rooted at storeRoot and
// blocks until the work queue drains. The returned store holds one meta
// directory per distinct discovered file.
func Scan(ctx context.Context, cfg *Config, storeRoot string,
	inputs []string, logger log.Logger) (*Store, error) {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	store, err := NewStore(storeRoot, logger)
	if err != nil {
		return nil, err
	}
	var roots []*MetaDirectory
	seen := map[string]bool{}
	for _, input := range inputs {
		hash, _, err := hashFile(input)
		if err != nil {
			return nil, &StoreError{Path: input, Err: err}
		}
		if seen[hash] {
			// Identical inputs share one meta directory.
			continue
		}
		seen[hash] = true
		name := RootName
		if len(roots) > 0 {
			name = fmt.Sprintf("%s-%d", RootName, len(roots))
		}
		md, err := store.newRootNamed(input, name)
		if err != nil {
			return nil, err
		}
		roots = append(roots, md)
	}

	disp := NewDispatcher(DefaultRegistry(), cfg, logger)
	sched := NewScheduler(disp, cfg.Threads, logger)
	if err := sched.Run(ctx, roots...); err != nil {
		return nil, err
	}
	return store, nil
}
