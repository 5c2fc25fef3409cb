// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"io"
	"unicode"
)

// A countingReader counts the bytes a decoder actually consumed from the
// wrapped reader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// maxInt64 returns the larger of x or y.
func maxInt64(x, y int64) int64 {
	if x < y {
		return y
	}
	return x
}

// isPrintableString reports whether s consists only of printable runes.
func isPrintableString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// be32 reads a big endian uint32 from b.
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
