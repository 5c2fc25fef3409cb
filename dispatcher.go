// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"fmt"
	"os"
	"sort"

	"github.com/glaslos/tlsh"
	"github.com/h2non/filetype"

	"github.com/saferwall/carve/log"
)

// tlshMinSize is the smallest input the similarity digest accepts.
const tlshMinSize = 50

// A parsedRegion is one successful parse found while scanning: the byte
// range a parser claimed and the parser that claimed it.
type parsedRegion struct {
	offset int64
	length int64
	order  int
	name   string
	parser Parser
}

// A Dispatcher turns one meta directory into a committed info record plus
// zero or more new meta directories for the work queue.
type Dispatcher struct {
	reg    *Registry
	cfg    *Config
	logger *log.Helper
}

// NewDispatcher returns a dispatcher over the given registry.
func NewDispatcher(reg *Registry, cfg *Config, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError))
	}
	return &Dispatcher{reg: reg, cfg: cfg, logger: log.NewHelper(logger)}
}

// Process scans the bytes of md, runs the matching parsers, carves
// unrecognized regions and commits the info record. The returned meta
// directories are the children to enqueue; the caller must only enqueue
// them after Process has returned, so the parent's commit happens before
// any hand off.
func (d *Dispatcher) Process(md *MetaDirectory) ([]*MetaDirectory, error) {
	if err := md.Open(true, true); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if cerr := md.Close(committed); cerr != nil {
			d.logger.Errorf("closing %s: %v", md.Name(), cerr)
		}
	}()

	// Empty input short circuits: no parsers are tried.
	if md.Size() == 0 {
		md.Info().AddLabels("empty")
		committed = true
		return nil, nil
	}

	data := md.Bytes()
	if md.Size() >= tlshMinSize {
		if t, err := tlsh.HashBytes(data); err == nil {
			md.Info().SetField(keyTLSH, t.String())
		}
	}

	var children []*MetaDirectory
	collect := func(c *MetaDirectory) error {
		children = append(children, c)
		return nil
	}

	regions, err := d.signaturePass(md, data)
	if err != nil {
		return nil, err
	}
	regions = resolveOverlaps(regions, md.Size())

	switch {
	case len(regions) == 1 && regions[0].offset == 0 &&
		regions[0].length == md.Size():
		// One parse spans the whole file: no carving, the parser writes
		// its result straight into md.
		r := regions[0]
		writeInfo(r.parser, r.name, md)
		if err := r.parser.Unpack(md, collect); err != nil {
			d.logger.Errorf("unpack %s on %s: %v", r.name, md.Name(), err)
			return nil, err
		}

	case len(regions) > 0:
		kids, err := d.carve(md, data, regions)
		if err != nil {
			return nil, err
		}
		children = append(children, kids...)

	default:
		if err := d.fallbackPass(md, collect); err != nil {
			return nil, err
		}
	}

	committed = true
	return children, nil
}

// signaturePass tries every signature candidate in the stream. Rejects are
// discarded silently; any other parser error is fatal to this node.
func (d *Dispatcher) signaturePass(md *MetaDirectory, data []byte) ([]parsedRegion, error) {
	var regions []parsedRegion
	for _, hit := range d.reg.scanSignatures(data) {
		p := hit.info.New(md, hit.offset)
		if err := parseFromOffset(p); err != nil {
			if isReject(err) {
				d.logger.Debugf("%s at 0x%x on %s: %v",
					hit.info.Name, hit.offset, md.Name(), err)
				continue
			}
			return nil, fmt.Errorf("parser %s at 0x%x: %w",
				hit.info.Name, hit.offset, err)
		}
		if hit.offset+p.UnpackedSize() > md.Size() {
			d.logger.Debugf("%s at 0x%x on %s: claim past end of file",
				hit.info.Name, hit.offset, md.Name())
			continue
		}
		regions = append(regions, parsedRegion{
			offset: hit.offset,
			length: p.UnpackedSize(),
			order:  hit.order,
			name:   hit.info.Name,
			parser: p,
		})
	}
	return regions, nil
}

// resolveOverlaps orders parses by offset ascending, then claimed length
// descending, then registration order, and drops every parse overlapping
// an earlier kept one.
func resolveOverlaps(regions []parsedRegion, size int64) []parsedRegion {
	sort.SliceStable(regions, func(i, j int) bool {
		if regions[i].offset != regions[j].offset {
			return regions[i].offset < regions[j].offset
		}
		if regions[i].length != regions[j].length {
			return regions[i].length > regions[j].length
		}
		return regions[i].order < regions[j].order
	})
	var kept []parsedRegion
	var end int64
	for _, r := range regions {
		if r.offset < end || r.offset+r.length > size {
			continue
		}
		kept = append(kept, r)
		end = r.offset + r.length
	}
	return kept
}

// carve partitions the parent into claimed regions and gaps. Claimed
// regions become extracted children carrying their parser's result; gaps
// become synthesized children that are scanned again from scratch. The
// parent itself gets the container treatment.
func (d *Dispatcher) carve(md *MetaDirectory, data []byte,
	regions []parsedRegion) ([]*MetaDirectory, error) {

	var children []*MetaDirectory
	emit := func(c *MetaDirectory) error {
		children = append(children, c)
		return nil
	}

	var parts []ExtractPart
	var cursor int64
	for _, r := range regions {
		if r.offset > cursor {
			if err := d.synthesize(md, data, cursor, r.offset-cursor, emit); err != nil {
				return nil, err
			}
			parts = append(parts, ExtractPart{
				Offset: cursor,
				Length: r.offset - cursor,
				Parser: SynthesizingParserName,
			})
		}
		name := fmt.Sprintf("unpacked-0x%x-%s", r.offset, r.name)
		child, err := md.unpackCarved(name, data[r.offset:r.offset+r.length])
		if err != nil {
			return nil, err
		}
		if err := child.Open(false, true); err != nil {
			return nil, err
		}
		writeInfo(r.parser, r.name, child)
		uerr := r.parser.Unpack(child, emit)
		if cerr := child.Close(uerr == nil); cerr != nil && uerr == nil {
			uerr = cerr
		}
		if uerr != nil {
			d.logger.Errorf("unpack %s on %s: %v", r.name, md.Name(), uerr)
			return nil, uerr
		}
		md.Info().AddExtractedFile(name, child.Name())
		parts = append(parts, ExtractPart{
			Offset: r.offset,
			Length: r.length,
			Parser: r.name,
		})
		cursor = r.offset + r.length
	}
	if cursor < md.Size() {
		if err := d.synthesize(md, data, cursor, md.Size()-cursor, emit); err != nil {
			return nil, err
		}
		parts = append(parts, ExtractPart{
			Offset: cursor,
			Length: md.Size() - cursor,
			Parser: SynthesizingParserName,
		})
	}

	ep := ExtractingParserWithParts(md, parts)
	writeInfo(ep, ExtractingParserName, md)
	return children, nil
}

// synthesize turns a gap region into a synthesized child that featureless
// parsers attempt on the next pass.
func (d *Dispatcher) synthesize(md *MetaDirectory, data []byte,
	offset, length int64, emit EmitFunc) error {

	name := fmt.Sprintf("synthesized-0x%x", offset)
	child, err := md.unpackCarved(name, data[offset:offset+length])
	if err != nil {
		return err
	}
	if err := child.Open(false, true); err != nil {
		return err
	}
	sp := SynthesizingParserWithSize(md, offset, length)
	writeInfo(sp, SynthesizingParserName, child)
	uerr := sp.Unpack(child, emit)
	if cerr := child.Close(uerr == nil); cerr != nil && uerr == nil {
		uerr = cerr
	}
	if uerr != nil {
		return uerr
	}
	md.Info().AddExtractedFile(name, child.Name())
	return nil
}

// fallbackPass runs when no signature claimed anything: first parsers
// matching the file's suffix, then the featureless parsers in registration
// order. The first parser claiming the entire file wins; shorter claims
// are rejected. When nothing claims the file, its content type is sniffed
// and recorded.
func (d *Dispatcher) fallbackPass(md *MetaDirectory, collect EmitFunc) error {
	candidates := d.reg.ByExtension(md.Pathname())
	candidates = append(candidates, d.reg.Featureless()...)

	tried := map[*ParserInfo]bool{}
	for _, info := range candidates {
		if tried[info] {
			continue
		}
		tried[info] = true
		p := info.New(md, 0)
		if err := parseFromOffset(p); err != nil {
			if isReject(err) {
				d.logger.Debugf("%s on %s: %v", info.Name, md.Name(), err)
				continue
			}
			return fmt.Errorf("parser %s: %w", info.Name, err)
		}
		if p.UnpackedSize() != md.Size() {
			// A featureless or extension parse must claim the whole file.
			d.logger.Debugf("%s on %s: partial claim 0x%x of 0x%x",
				info.Name, md.Name(), p.UnpackedSize(), md.Size())
			continue
		}
		writeInfo(p, info.Name, md)
		if err := p.Unpack(md, collect); err != nil {
			d.logger.Errorf("unpack %s on %s: %v", info.Name, md.Name(), err)
			return err
		}
		return nil
	}

	if t, err := filetype.Match(md.Bytes()); err == nil && t != filetype.Unknown {
		md.Info().MergeMetadata(map[string]interface{}{
			"mime_type": t.MIME.Value,
		})
	}
	return nil
}
