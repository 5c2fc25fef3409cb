// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"sort"
	"strings"
)

// ELFParserInfo registers the ELF executable parser.
var ELFParserInfo = &ParserInfo{
	Name: "elf",
	Signatures: []Signature{
		{Offset: 0, Magic: []byte{0x7f, 'E', 'L', 'F'}},
	},
	New: func(from *MetaDirectory, offset int64) Parser {
		return &ELFParser{base: newBase(from, offset)}
	},
}

// minStringLength is the shortest .rodata entry harvested into the
// strings metadata.
const minStringLength = 2

// An ELFParser decodes ELF headers, symbols and security relevant
// structures, and labels kernel modules, OAT files and OCaml binaries.
type ELFParser struct {
	base
	labels   []string
	metadata map[string]interface{}
}

// Parse decodes the file and computes the claimed size as the furthest
// end of any header table, program segment or section body.
func (p *ELFParser) Parse() error {
	sr := io.NewSectionReader(p.infile, 0, p.infile.Size())
	f, err := elf.NewFile(sr)
	if err != nil {
		return rejectf("invalid elf: %v", err)
	}
	defer f.Close()

	size, err := p.layoutSize(f)
	if err != nil {
		return err
	}
	if size > p.infile.Size() {
		return rejectf("elf structures extend past end of file")
	}
	p.unpackedSize = size
	p.extractMetadataAndLabels(f)
	return nil
}

// layoutSize walks the raw header for the table offsets debug/elf does
// not expose, then takes the maximum end offset over every structure.
func (p *ELFParser) layoutSize(f *elf.File) (int64, error) {
	hdr := make([]byte, 64)
	n, err := p.infile.ReadAt(hdr, 0)
	if err != nil && err != io.EOF {
		return 0, err
	}
	need := 64
	if f.Class == elf.ELFCLASS32 {
		need = 52
	}
	if n < need {
		return 0, rejectf("short elf header")
	}
	var order binary.ByteOrder = binary.LittleEndian
	if f.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	var phoff, shoff int64
	var phentsize, phnum, shentsize, shnum int64
	if f.Class == elf.ELFCLASS64 {
		phoff = int64(order.Uint64(hdr[32:]))
		shoff = int64(order.Uint64(hdr[40:]))
		phentsize = int64(order.Uint16(hdr[54:]))
		phnum = int64(order.Uint16(hdr[56:]))
		shentsize = int64(order.Uint16(hdr[58:]))
		shnum = int64(order.Uint16(hdr[60:]))
	} else {
		phoff = int64(order.Uint32(hdr[28:]))
		shoff = int64(order.Uint32(hdr[32:]))
		phentsize = int64(order.Uint16(hdr[42:]))
		phnum = int64(order.Uint16(hdr[44:]))
		shentsize = int64(order.Uint16(hdr[46:]))
		shnum = int64(order.Uint16(hdr[48:]))
	}

	size := int64(need)
	size = maxInt64(size, phoff+phnum*phentsize)
	size = maxInt64(size, shoff+shnum*shentsize)
	for _, prog := range f.Progs {
		size = maxInt64(size, int64(prog.Off+prog.Filesz))
	}
	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_NOBITS || sec.Type == elf.SHT_NULL {
			continue
		}
		size = maxInt64(size, int64(sec.Offset+sec.FileSize))
	}
	return size, nil
}

func (p *ELFParser) extractMetadataAndLabels(f *elf.File) {
	labels := []string{"elf"}
	metadata := map[string]interface{}{}

	if f.Class == elf.ELFCLASS64 {
		metadata["bits"] = 64
	} else {
		metadata["bits"] = 32
	}
	if f.Data == elf.ELFDATA2MSB {
		metadata["endian"] = "big"
	} else {
		metadata["endian"] = "little"
	}
	metadata["version"] = int(f.Version)

	switch f.Type {
	case elf.ET_REL:
		metadata["type"] = "relocatable"
	case elf.ET_EXEC:
		metadata["type"] = "executable"
	case elf.ET_DYN:
		metadata["type"] = "shared"
	case elf.ET_CORE:
		metadata["type"] = "core"
	case elf.ET_NONE:
		metadata["type"] = nil
	default:
		metadata["type"] = "processor specific"
	}

	metadata["machine"] = int(f.Machine)
	metadata["machine_name"] = f.Machine.String()
	metadata["abi"] = int(f.OSABI)
	metadata["abi_name"] = f.OSABI.String()

	var sectionNames []string
	for _, sec := range f.Sections {
		if sec.Name != "" {
			sectionNames = append(sectionNames, sec.Name)
		}
	}
	sort.Strings(sectionNames)
	metadata["section_names"] = sectionNames

	var security []string

	// RELRO mitigates GOT overwrite attacks; full RELRO additionally
	// needs every binding resolved at load time.
	seenRelro := false
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_GNU_RELRO:
			security = append(security, "relro")
			seenRelro = true
		case elf.PT_GNU_STACK:
			if prog.Flags&elf.PF_X == 0 {
				security = append(security, "nx")
			}
		}
	}

	bindNow := false
	if vals, err := f.DynValue(elf.DT_FLAGS); err == nil {
		for _, v := range vals {
			if elf.DynFlag(v)&elf.DF_BIND_NOW != 0 {
				bindNow = true
			}
		}
	}
	if vals, err := f.DynValue(elf.DT_FLAGS_1); err == nil {
		for _, v := range vals {
			if elf.DynFlag1(v)&elf.DF_1_NOW != 0 {
				bindNow = true
			}
			if elf.DynFlag1(v)&elf.DF_1_PIE != 0 {
				security = append(security, "pie")
			}
		}
	}
	if vals, err := f.DynValue(elf.DT_BIND_NOW); err == nil && len(vals) > 0 {
		bindNow = true
	}
	if seenRelro {
		if bindNow {
			security = append(security, "full relro")
		} else {
			security = append(security, "partial relro")
		}
	}

	// Symbols from both the static and the dynamic table.
	var symbols []interface{}
	seenFortify := false
	isOCaml := false
	isOat := false
	collect := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Name == "" {
				continue
			}
			symbols = append(symbols, map[string]interface{}{
				"name":          sym.Name,
				"type":          symTypeName(elf.ST_TYPE(sym.Info)),
				"binding":       symBindName(elf.ST_BIND(sym.Info)),
				"visibility":    symVisibilityName(elf.ST_VISIBILITY(sym.Other)),
				"section_index": int(sym.Section),
				"size":          int64(sym.Size),
			})
			switch {
			case sym.Name == "__stack_chk_fail" ||
				sym.Name == "__stack_smash_handler":
				security = append(security, "stack smashing protector")
			case strings.HasSuffix(sym.Name, "_chk") && !seenFortify:
				security = append(security, "fortify")
				seenFortify = true
			}
			if strings.HasPrefix(sym.Name, "caml") {
				isOCaml = true
			}
			if sym.Name == "oatdata" {
				isOat = true
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		collect(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		collect(syms)
	}
	metadata["symbols"] = symbols
	metadata["security"] = security

	// Harvest read only strings.
	var strs []string
	for _, sec := range f.Sections {
		if sec.Name != ".rodata" && !strings.HasPrefix(sec.Name, ".rodata.") {
			continue
		}
		if sec.Type == elf.SHT_NOBITS {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		for _, chunk := range bytes.Split(data, []byte{0x00}) {
			s := string(chunk)
			if len(s) >= minStringLength && isPrintableString(s) {
				strs = append(strs, s)
			}
		}
	}
	metadata["strings"] = strs

	// Kernel modules carry a .modinfo section with key=value records.
	if sec := f.Section(".modinfo"); sec != nil {
		labels = append(labels, "linuxkernelmodule")
		module := map[string]interface{}{}
		if data, err := sec.Data(); err == nil {
			for _, entry := range bytes.Split(data, []byte{0x00}) {
				k, v, ok := strings.Cut(string(entry), "=")
				if !ok {
					continue
				}
				switch k {
				case "name", "license", "version", "author", "description",
					"vermagic", "depends":
					module[k] = v
				}
			}
		}
		metadata["linux_kernel_module"] = module
	} else if f.Section("__ksymtab_strings") != nil {
		labels = append(labels, "linuxkernelmodule")
	}

	for _, sec := range f.Sections {
		if strings.HasPrefix(sec.Name, ".oat") {
			isOat = true
		}
		if strings.HasPrefix(sec.Name, ".ocaml") {
			isOCaml = true
		}
	}
	if isOat {
		labels = append(labels, "oat", "android")
	}
	if isOCaml {
		labels = append(labels, "ocaml")
	}

	if libs, err := f.ImportedLibraries(); err == nil && len(libs) > 0 {
		metadata["needed"] = libs
	}
	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		metadata["soname"] = sonames[0]
	}
	if comment := f.Section(".comment"); comment != nil {
		if data, err := comment.Data(); err == nil {
			c := strings.Trim(string(data), "\x00")
			if isPrintableString(c) {
				metadata["comment"] = c
			}
		}
	}

	// Statically linked binaries have no dynamic segment.
	hasDynamic := false
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_DYNAMIC {
			hasDynamic = true
			break
		}
	}
	if !hasDynamic {
		labels = append(labels, "static")
	} else {
		metadata["dynamic"] = true
	}

	p.labels = labels
	p.metadata = metadata
}

// CalculateUnpackedSize keeps the layout size from Parse.
func (p *ELFParser) CalculateUnpackedSize() {}

// Labels reports the labels computed during Parse.
func (p *ELFParser) Labels() []string {
	return p.labels
}

// Metadata reports the metadata computed during Parse.
func (p *ELFParser) Metadata() map[string]interface{} {
	return p.metadata
}

func symTypeName(t elf.SymType) string {
	switch t {
	case elf.STT_NOTYPE:
		return "notype"
	case elf.STT_OBJECT:
		return "object"
	case elf.STT_FUNC:
		return "func"
	case elf.STT_SECTION:
		return "section"
	case elf.STT_FILE:
		return "file"
	case elf.STT_COMMON:
		return "common"
	case elf.STT_TLS:
		return "tls"
	}
	return "unknown"
}

func symBindName(b elf.SymBind) string {
	switch b {
	case elf.STB_LOCAL:
		return "local"
	case elf.STB_GLOBAL:
		return "global"
	case elf.STB_WEAK:
		return "weak"
	}
	return "unknown"
}

func symVisibilityName(v elf.SymVis) string {
	switch v {
	case elf.STV_DEFAULT:
		return "default"
	case elf.STV_INTERNAL:
		return "internal"
	case elf.STV_HIDDEN:
		return "hidden"
	case elf.STV_PROTECTED:
		return "protected"
	}
	return "unknown"
}
