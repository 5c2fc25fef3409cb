// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package yara

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RuleExt is the suffix of every emitted rule file.
const RuleExt = ".yara"

// groupThresholds overrides the identifier count a group's condition
// threshold is computed from. Zero means the group's own size. Aggregate
// union rules use this to scale thresholds down to the smallest version.
type groupThresholds struct {
	strings   int
	functions int
	variables int
}

// condition renders the required-match expression for one group.
func condition(count, baseCount, minPresent, matched, percentage int, kind string) string {
	base := count
	if baseCount > 0 && baseCount < base {
		base = baseCount
	}
	if count >= minPresent {
		n := base / percentage
		if n < matched {
			n = matched
		}
		return fmt.Sprintf("%d of ($%s*)", n, kind)
	}
	return fmt.Sprintf("any of ($%s*)", kind)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// writeRule renders one rule file into dir and returns its file name. The
// file name follows <name>-<sha256>.yara; a missing hash shortens it to
// <name>.yara.
func (e *Emitter) writeRule(dir string, metadata map[string]string,
	ids Identifiers, tags []string, base *groupThresholds) (string, error) {

	ruleUUID := e.NewUUID()
	date := e.Now().UTC().Format("2006-01-02T15:04:05")

	name := metadata["name"]
	fileName := name + RuleExt
	if metadata["sha256"] != "" {
		fileName = fmt.Sprintf("%s-%s%s", name, metadata["sha256"], RuleExt)
	}

	var b strings.Builder
	if len(tags) == 0 {
		fmt.Fprintf(&b, "rule rule_%s\n", escapeName.Replace(ruleUUID))
	} else {
		fmt.Fprintf(&b, "rule rule_%s: %s\n",
			escapeName.Replace(ruleUUID), strings.Join(tags, " "))
	}
	b.WriteString("{\n    meta:\n")
	fmt.Fprintf(&b, "        description = \"Rule for %s in %s\"\n",
		name, metadata["package"])
	b.WriteString("        author = \"Generated by carve\"\n")
	fmt.Fprintf(&b, "        date = \"%s\"\n", date)
	fmt.Fprintf(&b, "        uuid = \"%s\"\n", ruleUUID)
	for _, k := range sortedKeys(metadata) {
		fmt.Fprintf(&b, "        %s = \"%s\"\n", k, metadata[k])
	}

	b.WriteString("\n    strings:\n")
	writeGroup(&b, "strings", "string", ids.Strings, e.cfg.Fullword)
	writeGroup(&b, "functions", "function", ids.Functions, e.cfg.Fullword)
	writeGroup(&b, "variables", "variable", ids.Variables, e.cfg.Fullword)

	b.WriteString("\n    condition:\n")
	h := e.cfg.Heuristics
	var groups []string
	if len(ids.Strings) > 0 {
		groups = append(groups, condition(len(ids.Strings), baseOf(base).strings,
			h.StringsMinimumPresent, h.StringsMatched, h.StringsPercentage,
			"string"))
	}
	if len(ids.Functions) > 0 {
		groups = append(groups, condition(len(ids.Functions), baseOf(base).functions,
			h.FunctionsMinimumPresent, h.FunctionsMatched, h.FunctionsPercentage,
			"function"))
	}
	if len(ids.Variables) > 0 {
		groups = append(groups, condition(len(ids.Variables), baseOf(base).variables,
			h.VariablesMinimumPresent, h.VariablesMatched, h.VariablesPercentage,
			"variable"))
	}
	sep := " " + e.cfg.Operator + "\n        "
	b.WriteString("        " + strings.Join(groups, sep) + "\n")
	b.WriteString("\n}\n")

	if err := os.WriteFile(filepath.Join(dir, fileName),
		[]byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return fileName, nil
}

func baseOf(base *groupThresholds) groupThresholds {
	if base == nil {
		return groupThresholds{}
	}
	return *base
}

func writeGroup(b *strings.Builder, comment, kind string,
	set map[string]bool, fullword bool) {

	if len(set) == 0 {
		return
	}
	fmt.Fprintf(b, "\n        // Extracted %s\n\n", comment)
	counter := 1
	for _, s := range sortedSet(set) {
		if fullword {
			fmt.Fprintf(b, "        $%s%d = \"%s\" fullword\n", kind, counter, s)
		} else {
			fmt.Fprintf(b, "        $%s%d = \"%s\"\n", kind, counter, s)
		}
		counter++
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
