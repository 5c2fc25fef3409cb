// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package yara

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saferwall/carve"
)

// escapeString rewrites the characters YARA needs escaped inside quoted
// strings.
var escapeString = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\t", `\t`,
	"\n", `\n`,
)

// escapeName rewrites characters not allowed in rule identifiers.
var escapeName = strings.NewReplacer(
	".", "_",
	"-", "_",
)

// Identifiers holds the harvested identifier groups of one binary.
type Identifiers struct {
	Strings   map[string]bool
	Functions map[string]bool
	Variables map[string]bool
}

// NewIdentifiers returns empty identifier groups.
func NewIdentifiers() Identifiers {
	return Identifiers{
		Strings:   map[string]bool{},
		Functions: map[string]bool{},
		Variables: map[string]bool{},
	}
}

// Empty reports whether no group holds anything.
func (ids Identifiers) Empty() bool {
	return len(ids.Strings) == 0 && len(ids.Functions) == 0 &&
		len(ids.Variables) == 0
}

// Total counts every harvested identifier.
func (ids Identifiers) Total() int {
	return len(ids.Strings) + len(ids.Functions) + len(ids.Variables)
}

// A LowQualityGroup is one denylist of identifiers too common to be
// useful in rules.
type LowQualityGroup struct {
	Functions []string `yaml:"functions"`
	Variables []string `yaml:"variables"`
	Strings   []string `yaml:"strings"`
}

// LowQuality is the denylist corpus for every supported format.
type LowQuality struct {
	ELF LowQualityGroup `yaml:"elf"`
	Dex LowQualityGroup `yaml:"dex"`
}

// LoadLowQuality reads a denylist corpus. A missing path yields an empty
// denylist.
func LoadLowQuality(path string) (*LowQuality, error) {
	lq := &LowQuality{}
	if path == "" {
		return lq, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, lq); err != nil {
		return nil, err
	}
	return lq, nil
}

func toSet(entries []string) map[string]bool {
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e] = true
	}
	return set
}

// lqSets is the denylist in lookup form.
type lqSets struct {
	elfFunctions map[string]bool
	elfVariables map[string]bool
	elfStrings   map[string]bool
	dexFunctions map[string]bool
	dexVariables map[string]bool
	dexStrings   map[string]bool
}

func newLQSets(lq *LowQuality) *lqSets {
	if lq == nil {
		lq = &LowQuality{}
	}
	return &lqSets{
		elfFunctions: toSet(lq.ELF.Functions),
		elfVariables: toSet(lq.ELF.Variables),
		elfStrings:   toSet(lq.ELF.Strings),
		dexFunctions: toSet(lq.Dex.Functions),
		dexVariables: toSet(lq.Dex.Variables),
		dexStrings:   toSet(lq.Dex.Strings),
	}
}

// stringValues coerces a metadata entry into its string elements,
// covering both in-memory and decoded representations.
func stringValues(v interface{}) []string {
	var out []string
	switch vv := v.(type) {
	case []string:
		out = vv
	case []interface{}:
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func mapValues(v interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	if vv, ok := v.([]interface{}); ok {
		for _, e := range vv {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// keepString applies the shared string filters: length bounds and the
// whitespace-only drop.
func (e *Emitter) keepString(s string) bool {
	if len(s) < e.cfg.StringMinCutoff || len(s) > e.cfg.StringMaxCutoff {
		return false
	}
	return strings.TrimSpace(s) != ""
}

// elfIdentifiers harvests strings, function and variable names from the
// metadata of an ELF meta directory.
func (e *Emitter) elfIdentifiers(info *carve.Info) Identifiers {
	ids := NewIdentifiers()
	meta := info.Metadata()

	for _, s := range stringValues(meta["strings"]) {
		if !e.keepString(s) {
			continue
		}
		esc := escapeString.Replace(s)
		if e.lq.elfStrings[esc] {
			continue
		}
		ids.Strings[esc] = true
	}

	for _, sym := range mapValues(meta["symbols"]) {
		name, _ := sym["name"].(string)
		if idx, ok := intValue(sym["section_index"]); ok && idx == 0 {
			continue
		}
		if binding, _ := sym["binding"].(string); e.cfg.IgnoreWeakSymbols &&
			binding == "weak" {
			continue
		}
		if len(name) < e.cfg.IdentifierCutoff {
			continue
		}
		// Strip symbol versioning: default version first, then any
		// version.
		if idx := strings.LastIndex(name, "@@"); idx >= 0 {
			name = name[:idx]
		} else if idx := strings.LastIndex(name, "@"); idx >= 0 {
			name = name[:idx]
		}
		switch sym["type"] {
		case "func":
			if !e.lq.elfFunctions[name] {
				ids.Functions[name] = true
			}
		case "object":
			if !e.lq.elfVariables[name] {
				ids.Variables[name] = true
			}
		}
	}
	return ids
}

// dexIdentifiers harvests method names, field names and per method string
// tables from the metadata of a Dex meta directory.
func (e *Emitter) dexIdentifiers(info *carve.Info) Identifiers {
	ids := NewIdentifiers()
	meta := info.Metadata()

	for _, class := range mapValues(meta["classes"]) {
		for _, method := range mapValues(class["methods"]) {
			name, _ := method["name"].(string)
			if len(name) >= e.cfg.IdentifierCutoff &&
				strings.TrimSpace(name) != "" &&
				name != "<init>" && name != "<clinit>" &&
				!strings.HasPrefix(name, "access$") &&
				!e.lq.dexFunctions[name] {
				ids.Functions[name] = true
			}
			for _, s := range stringValues(method["strings"]) {
				if !e.keepString(s) {
					continue
				}
				esc := escapeString.Replace(s)
				if e.lq.dexStrings[esc] {
					continue
				}
				ids.Strings[esc] = true
			}
		}
		for _, field := range mapValues(class["fields"]) {
			name, _ := field["name"].(string)
			if len(name) >= e.cfg.IdentifierCutoff &&
				strings.TrimSpace(name) != "" &&
				!e.lq.dexVariables[name] {
				ids.Variables[name] = true
			}
		}
	}
	return ids
}
