// Package procmap builds and queries a tracee's memory map, classifying
// each mapped region as binary, libc, dynamic linker, or other.
package procmap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a mapped region by the file backing it.
type Kind int

const (
	KindOther Kind = iota
	KindBinary
	KindLibc
	KindLinker
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindLibc:
		return "libc"
	case KindLinker:
		return "linker"
	default:
		return "other"
	}
}

// Entry is one contiguous mapped region from /proc/pid/maps.
type Entry struct {
	Base, End uint64 // half-open [Base, End)
	Perms     string
	Pathname  string
	Kind      Kind
}

func (e Entry) Contains(addr uint64) bool {
	return addr >= e.Base && addr < e.End
}

var libcPattern = regexp.MustCompile(`^libc(-[0-9.]+)?\.so`)
var linkerPattern = regexp.MustCompile(`^ld-linux`)

var mapsLineRe = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+(\S+)\s+\S+\s+\S+\s+\S+\s*(.*)$`)

// Map holds the classified regions for one tracee, built by Build.
type Map struct {
	entries    []Entry
	binaryPath string
}

// New builds a Map directly from a pre-classified entry list, for
// callers that already have region data (tests, or a non-/proc
// source). Entries are used as given; classification is the caller's
// responsibility.
func New(entries []Entry) *Map {
	return &Map{entries: entries}
}

// Build parses /proc/pid/maps for pid, classifying each region against
// binaryPath (the exact path of the launched executable) and the libc /
// dynamic-linker pathname patterns.
func Build(pid int, binaryPath string) (*Map, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("procmap: open maps: %w", err)
	}
	defer f.Close()

	m := &Map{binaryPath: binaryPath}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		match := mapsLineRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		base, err := strconv.ParseUint(match[1], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(match[2], 16, 64)
		if err != nil {
			continue
		}
		entry := Entry{
			Base:     base,
			End:      end,
			Perms:    match[3],
			Pathname: match[4],
			Kind:     classify(match[4], binaryPath),
		}
		m.entries = append(m.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procmap: scan maps: %w", err)
	}
	return m, nil
}

func classify(pathname, binaryPath string) Kind {
	if pathname == "" {
		return KindOther
	}
	if pathname == binaryPath {
		return KindBinary
	}
	base := filepath.Base(pathname)
	if libcPattern.MatchString(base) {
		return KindLibc
	}
	if linkerPattern.MatchString(base) {
		return KindLinker
	}
	// binaryPath may be a relative or bare name while /proc/pid/maps
	// always records the resolved absolute path; fall back to a
	// basename match for the executable itself.
	if base == filepath.Base(binaryPath) && strings.HasSuffix(pathname, filepath.Base(binaryPath)) {
		return KindBinary
	}
	return KindOther
}

// FindByKind returns the lowest-based region of the given kind, or false
// if none is mapped. Duplicates of the same kind resolve to the first by
// base address, matching the "at most one authoritative entry" invariant.
func (m *Map) FindByKind(k Kind) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range m.entries {
		if e.Kind != k {
			continue
		}
		if !found || e.Base < best.Base {
			best = e
			found = true
		}
	}
	return best, found
}

// FindByAddr returns the region whose half-open range contains addr.
func (m *Map) FindByAddr(addr uint64) (Entry, bool) {
	for _, e := range m.entries {
		if e.Contains(addr) {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns all parsed regions, in /proc/pid/maps order.
func (m *Map) Entries() []Entry {
	return m.entries
}
