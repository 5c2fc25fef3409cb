// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"io"
	"strings"
)

// ScriptParserInfo registers the shebang script parser. Scripts have no
// magic beyond the shebang line, so the parser is featureless only.
var ScriptParserInfo = &ParserInfo{
	Name:              "script",
	ScanIfFeatureless: true,
	New: func(from *MetaDirectory, offset int64) Parser {
		return &ScriptParser{base: newBase(from, offset)}
	},
}

// interpreterLabels maps a substring of the shebang line to the label of
// the interpreter it names. Order matters: /bash must win over /sh.
var interpreterLabels = []struct {
	needle string
	label  string
}{
	{"python", "python"},
	{"perl", "perl"},
	{"/bash", "bash"},
	{"/sh", "shell"},
}

// A ScriptParser labels text files that start with a shebang line naming
// a known interpreter.
type ScriptParser struct {
	base
	interpreter string
}

// Parse checks the shebang line and that the whole file is text.
func (p *ScriptParser) Parse() error {
	buf := make([]byte, p.infile.Size())
	n, err := p.infile.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	if !bytes.HasPrefix(buf, []byte("#!")) {
		return rejectf("no shebang line")
	}
	if bytes.IndexByte(buf, 0x00) >= 0 {
		return rejectf("not a text file")
	}
	line := buf
	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		line = buf[:idx]
	}
	for _, i := range interpreterLabels {
		if strings.Contains(string(line), i.needle) {
			p.interpreter = i.label
			break
		}
	}
	if p.interpreter == "" {
		return rejectf("could not determine script interpreter")
	}
	p.unpackedSize = int64(len(buf))
	return nil
}

// CalculateUnpackedSize keeps the whole file claim from Parse.
func (p *ScriptParser) CalculateUnpackedSize() {}

// Labels marks the file as a script of the detected interpreter.
func (p *ScriptParser) Labels() []string {
	return []string{"script", p.interpreter}
}
