package symbols

import (
	"debug/elf"
	"fmt"
)

// ELFProvider looks up symbol records in an on-disk ELF binary,
// distinguishing static symbols from dynamic ones, and PLT stubs from
// bound GOT entries, per spec §4.3's Lookup contract. This is the one
// standard-library-only piece of the resolution pipeline: no
// third-party ELF parser appears anywhere in the reference corpus
// (the sole ELF reference, code.google.com/p/ogle/debug/elf, is an
// unfetchable decade-stale path and the direct ancestor of debug/elf
// itself), so there is no ecosystem library to wire here instead.
type ELFProvider struct {
	path string
}

// NewELFProvider returns a provider for the ELF file at path. The file is
// opened on every Lookup call so the provider itself holds no file
// descriptor.
func NewELFProvider(path string) *ELFProvider {
	return &ELFProvider{path: path}
}

// Lookup returns one Record per requested name, consulting static
// symbols first, then dynamic symbols: a dynamic symbol with a PLT
// relocation produces a dynamic-plt record, otherwise one with a
// non-zero value produces a dynamic-resolved record. Names matching
// none of those are returned as KindUnresolved.
func (p *ELFProvider) Lookup(names []string) ([]Record, error) {
	f, err := elf.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("symbols: open ELF %s: %w", p.path, err)
	}
	defer f.Close()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	found := make(map[string]Record, len(names))

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if want[s.Name] && elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
				if _, already := found[s.Name]; !already {
					found[s.Name] = Record{Name: s.Name, Kind: KindStatic, FileOffset: s.Value}
				}
			}
		}
	}

	gotOffsets := pltGOTOffsets(f)
	if dynSyms, err := f.DynamicSymbols(); err == nil {
		for _, s := range dynSyms {
			if !want[s.Name] {
				continue
			}
			if _, already := found[s.Name]; already {
				continue
			}
			if off, ok := gotOffsets[s.Name]; ok {
				found[s.Name] = Record{Name: s.Name, Kind: KindDynamicPLT, FileOffset: off}
			} else if s.Value != 0 {
				found[s.Name] = Record{Name: s.Name, Kind: KindDynamicResolved, FileOffset: s.Value}
			}
		}
	}

	out := make([]Record, 0, len(names))
	for _, n := range names {
		if rec, ok := found[n]; ok {
			out = append(out, rec)
		} else {
			out = append(out, Record{Name: n, Kind: KindUnresolved})
		}
	}
	return out, nil
}

// pltGOTOffsets maps a dynamic symbol name to the file offset of its
// .got.plt slot, by walking the PLT relocations (.rela.plt on x86-64).
func pltGOTOffsets(f *elf.File) map[string]uint64 {
	out := map[string]uint64{}

	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return out
	}

	relocSection := f.Section(".rela.plt")
	if relocSection == nil {
		return out
	}
	data, err := relocSection.Data()
	if err != nil {
		return out
	}

	const relaEntSize = 24 // Elf64_Rela: r_offset, r_info, r_addend (8 bytes each)
	for i := 0; i+relaEntSize <= len(data); i += relaEntSize {
		rOffset := leUint64(data[i : i+8])
		rInfo := leUint64(data[i+8 : i+16])
		symIdx := rInfo >> 32
		if int(symIdx) > len(dynSyms) || symIdx == 0 {
			continue
		}
		name := dynSyms[symIdx-1].Name
		out[name] = rOffset
	}
	return out
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// SignatureFinder recovers allocator addresses in stripped binaries by
// fingerprinting function bodies. Out of core scope (spec §1); the
// core only consumes its output.
type SignatureFinder interface {
	// FindSignatures returns up to len(names) (name, file-offset)
	// pairs for binaryPath, where offset==0 means "no match".
	FindSignatures(binaryPath string, names []string) (map[string]uint64, error)
}

// NoSignatureFinder is the default SignatureFinder: it never matches,
// treating every name as unresolved. Wiring a real fingerprinting
// engine is explicitly out of this module's core (spec §1); callers
// that have one can supply their own SignatureFinder.
type NoSignatureFinder struct{}

func (NoSignatureFinder) FindSignatures(binaryPath string, names []string) (map[string]uint64, error) {
	return map[string]uint64{}, nil
}
