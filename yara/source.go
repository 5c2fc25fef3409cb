// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package yara

import "os"

// VersionIdentifiers is the identifier harvest of one version of a
// package.
type VersionIdentifiers struct {
	Version string
	Ids     Identifiers
}

// EmitAggregate writes two rules across every version of a package: a
// union rule containing every identifier seen in any version, and an
// intersection rule containing only identifiers seen in all of them. The
// union rule's thresholds are computed against the smallest version, so a
// short version can still satisfy them.
func (e *Emitter) EmitAggregate(packageName string,
	versions []VersionIdentifiers, metadata map[string]string) error {

	if len(versions) == 0 {
		return nil
	}

	union := NewIdentifiers()
	intersection := NewIdentifiers()
	mergeInto(intersection, versions[0].Ids)
	minAcross := groupThresholds{
		strings:   len(versions[0].Ids.Strings),
		functions: len(versions[0].Ids.Functions),
		variables: len(versions[0].Ids.Variables),
	}
	for _, v := range versions {
		mergeInto(union, v.Ids)
		intersection = intersect(intersection, v.Ids)
		minAcross.strings = minOf(minAcross.strings, len(v.Ids.Strings))
		minAcross.functions = minOf(minAcross.functions, len(v.Ids.Functions))
		minAcross.variables = minOf(minAcross.variables, len(v.Ids.Variables))
	}

	if err := os.MkdirAll(e.cfg.YaraDirectory, 0o755); err != nil {
		return err
	}

	if !union.Empty() {
		meta := copyMeta(metadata)
		meta["name"] = packageName + "-union"
		meta["package"] = packageName
		if _, err := e.writeRule(e.cfg.YaraDirectory, meta, union,
			e.Tags, &minAcross); err != nil {
			return err
		}
	}
	if !intersection.Empty() {
		meta := copyMeta(metadata)
		meta["name"] = packageName + "-intersection"
		meta["package"] = packageName
		if _, err := e.writeRule(e.cfg.YaraDirectory, meta, intersection,
			e.Tags, nil); err != nil {
			return err
		}
	}
	return nil
}

func intersect(a, b Identifiers) Identifiers {
	out := NewIdentifiers()
	for s := range a.Strings {
		if b.Strings[s] {
			out.Strings[s] = true
		}
	}
	for s := range a.Functions {
		if b.Functions[s] {
			out.Functions[s] = true
		}
	}
	for s := range a.Variables {
		if b.Variables[s] {
			out.Variables[s] = true
		}
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func minOf(a, b int) int {
	if a < b {
		return a
	}
	return b
}
