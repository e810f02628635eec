// Package symbols turns symbol records plus a tracee memory map into
// absolute breakpoint addresses.
package symbols

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CrackerCat/heaptrace/internal/procmap"
)

// WordReader is the slice of ptraceapi.Facade that the resolver needs:
// reading a GOT word out of the tracee's address space.
type WordReader interface {
	ReadWord(pid int, addr uint64) (uint64, error)
}

// Kind classifies how a symbol's address must be computed.
type Kind int

const (
	KindUnresolved Kind = iota
	KindStatic
	KindDynamicResolved
	KindDynamicPLT
)

// Record is an immutable fact about one symbol name, produced by a
// Provider (the ELF symbol lookup) and consumed by a Resolver.
type Record struct {
	Name       string
	Kind       Kind
	FileOffset uint64
}

// PLTAdjustmentBytes is subtracted from a dynamic-plt GOT word that
// still points inside the binary image, landing on the PLT stub head
// rather than the push of the relocation index. This is a tunable
// artifact of a particular dynamic-linker layout, not a universal
// constant; see https://github.com/Arinerron/heaptrace/issues/22 for
// the case it was derived from. Do not generalize this arithmetic
// beyond unresolved-PLT GOT reads.
const PLTAdjustmentBytes = 6

// Resolver computes absolute addresses for symbol records against a
// memory map, reading GOT words through a process-trace facade.
type Resolver struct {
	Facade WordReader
	Pid    int
}

// ResolveAddress implements spec §4.3's Resolve-address: static symbols
// are binary-base-relative, dynamic symbols are read out of the GOT,
// and dynamic-plt symbols get the off-by-6 adjustment when the dynamic
// linker has not yet bound them. Returns 0 when the address cannot be
// determined (missing libc mapping, or an unresolved record with no
// signature-finder fallback applied by the caller).
func (r *Resolver) ResolveAddress(rec Record, m *procmap.Map) (uint64, error) {
	bin, ok := m.FindByKind(procmap.KindBinary)
	if !ok {
		return 0, fmt.Errorf("symbols: no binary mapping to resolve %q against", rec.Name)
	}

	switch rec.Kind {
	case KindStatic:
		return bin.Base + rec.FileOffset, nil

	case KindDynamicResolved, KindDynamicPLT:
		if _, ok := m.FindByKind(procmap.KindLibc); !ok {
			return 0, nil
		}
		gotPtr := bin.Base + rec.FileOffset
		gotVal, err := r.Facade.ReadWord(r.Pid, gotPtr)
		if err != nil {
			return 0, fmt.Errorf("symbols: read GOT word for %q: %w", rec.Name, err)
		}
		if rec.Kind == KindDynamicPLT && gotVal >= bin.Base && gotVal < bin.End {
			gotVal -= PLTAdjustmentBytes
		}
		return gotVal, nil

	default: // KindUnresolved
		return 0, nil
	}
}

// Override is a user-supplied symbol address override parsed from a
// `name=module±offset` token.
type Override struct {
	Name   string
	Module string // "bin" or "libc"
	Offset int64  // signed; applied as module-base + Offset
}

// ParseOverrides parses a comma-separated list of `name=module±offset`
// tokens, e.g. "malloc=libc+0x100,free=bin+0x200".
func ParseOverrides(spec string) ([]Override, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out []Override
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		o, err := parseOverrideToken(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func parseOverrideToken(tok string) (Override, error) {
	nameRest := strings.SplitN(tok, "=", 2)
	if len(nameRest) != 2 {
		return Override{}, fmt.Errorf("symbols: invalid override %q: expected name=module±offset", tok)
	}
	name := strings.TrimSpace(nameRest[0])
	rest := strings.TrimSpace(nameRest[1])

	sign := int64(1)
	sepIdx := strings.IndexAny(rest, "+-")
	if sepIdx <= 0 {
		return Override{}, fmt.Errorf("symbols: invalid override %q: missing module±offset", tok)
	}
	module := rest[:sepIdx]
	if rest[sepIdx] == '-' {
		sign = -1
	}
	offsetStr := strings.TrimSpace(rest[sepIdx+1:])

	module = strings.TrimSpace(module)
	if module != "bin" && module != "libc" {
		return Override{}, fmt.Errorf("symbols: invalid override %q: module must be \"bin\" or \"libc\"", tok)
	}

	offset, err := strconv.ParseInt(strings.TrimPrefix(offsetStr, "0x"), hexOrDecBase(offsetStr), 64)
	if err != nil {
		return Override{}, fmt.Errorf("symbols: invalid override %q: bad offset: %w", tok, err)
	}

	return Override{Name: name, Module: module, Offset: sign * offset}, nil
}

func hexOrDecBase(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

// ApplyOverrides resolves each Override against the memory map and
// returns a name-to-address map, to be merged over resolver output by
// the caller (breakpoint installation).
func ApplyOverrides(overrides []Override, m *procmap.Map) (map[string]uint64, error) {
	out := make(map[string]uint64, len(overrides))
	for _, o := range overrides {
		var kind procmap.Kind
		if o.Module == "bin" {
			kind = procmap.KindBinary
		} else {
			kind = procmap.KindLibc
		}
		entry, ok := m.FindByKind(kind)
		if !ok {
			return nil, fmt.Errorf("symbols: override %q: module %q is not mapped", o.Name, o.Module)
		}
		out[o.Name] = uint64(int64(entry.Base) + o.Offset)
	}
	return out, nil
}
