// Package breakpoint implements the software-breakpoint table and hit
// dispatcher: install/uninstall of trap-opcode patches, and the state
// machine that turns a trap into pre-/post-handler delivery.
package breakpoint

import (
	"fmt"

	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
)

// trapOpcode is the one-byte x86 software-interrupt instruction (INT3)
// that causes the tracee to stop with SIGTRAP when executed.
const trapOpcode = 0xcc

// PreHandler0..PreHandler3 are the tagged-arity pre-handler shapes. A
// Breakpoint stores exactly one of these (selected by Arity), so the
// dispatcher's call site is total and the compiler enforces arity on
// the handler side, rather than casting one function pointer through
// several signatures.
type (
	PreHandler0 func(ctx any)
	PreHandler1 func(ctx any, a0 uint64)
	PreHandler2 func(ctx any, a0, a1 uint64)
	PreHandler3 func(ctx any, a0, a1, a2 uint64)

	// PostHandler is uniform: every allocator returns at most one
	// 64-bit value.
	PostHandler func(ctx any, ret uint64)
)

// Arity is the number of integer arguments a pre-handler consumes.
type Arity int

const (
	Arity0 Arity = iota
	Arity1
	Arity2
	Arity3
)

// Handle is an opaque reference to a breakpoint slot: an index plus a
// generation counter. A Handle read before an Uninstall/reuse of its
// slot is safe to hold; a Handle read after is stale and every Table
// method rejects it, so a dangling owner reference is impossible by
// construction (spec §9's "arena of slots plus small opaque handles").
type Handle struct {
	index int
	gen   uint64
}

// Valid reports whether h refers to any slot at all (the zero Handle
// is never valid).
func (h Handle) Valid() bool { return h.gen != 0 }

// Breakpoint is one entry in the table. A Breakpoint with no Owner is a
// primary breakpoint (long-lived, function entry); one with a non-zero
// Owner is a return-catcher (transient, installed at a captured return
// address).
type Breakpoint struct {
	Name    string
	Address uint64

	Arity       Arity
	Pre0        PreHandler0
	Pre1        PreHandler1
	Pre2        PreHandler2
	Pre3        PreHandler3
	HasPre      bool
	Post        PostHandler
	HasPost     bool

	origByte byte
	inside   bool
	owner    Handle // zero Handle means this is a primary breakpoint
	handle   Handle
	installed bool
}

// IsReturnCatcher reports whether bp is a transient return-catcher
// owned by another breakpoint.
func (bp *Breakpoint) IsReturnCatcher() bool { return bp.owner.Valid() }

// DispatchResult reports what Dispatch did with one trap.
type DispatchResult int

const (
	// NotABreakpoint means the trap address matched no installed
	// breakpoint; the caller should forward the trap signal untouched.
	NotABreakpoint DispatchResult = iota
	// PreDelivered means a primary breakpoint's pre-handler ran and
	// (if it has a post-handler) a return-catcher was installed.
	PreDelivered
	// PostDelivered means a return-catcher fired and its owner's
	// post-handler ran.
	PostDelivered
	// Recursed means a primary breakpoint was hit while already
	// inside a tracked call; handlers were skipped per spec §4.4.5.
	Recursed
)

// Table is a bounded arena of breakpoint slots addressed by Handle.
// Capacity suffices for the allocator set (five) plus the entry
// breakpoint plus at most one return-catcher at a time.
type Table struct {
	slots   []*Breakpoint
	gens    []uint64
	byAddr  map[uint64]Handle
	nextGen uint64

	// anyInside mirrors spec §3's global "in-breakpoint" marker: true
	// iff some primary breakpoint currently has inside=true.
	anyInside bool
}

// AnyInside reports the global in-breakpoint flag.
func (t *Table) AnyInside() bool { return t.anyInside }

// NewTable returns an empty table with the given slot capacity.
func NewTable(capacity int) *Table {
	return &Table{
		slots:   make([]*Breakpoint, capacity),
		gens:    make([]uint64, capacity),
		byAddr:  make(map[uint64]Handle),
		nextGen: 1,
	}
}

// Install requires bp.Address != 0 and no existing installed breakpoint
// at that address; it reads the byte at bp.Address, saves it as the
// original byte, writes the trap opcode in its place, and stores bp in
// the first free slot.
func (t *Table) Install(facade ptraceapi.Facade, pid int, bp *Breakpoint) (Handle, error) {
	if bp.Address == 0 {
		return Handle{}, fmt.Errorf("breakpoint: refusing to install %q at address 0", bp.Name)
	}
	if _, exists := t.byAddr[bp.Address]; exists {
		return Handle{}, fmt.Errorf("breakpoint: address %#x already has an installed breakpoint", bp.Address)
	}

	slotIdx := -1
	for i, s := range t.slots {
		if s == nil {
			slotIdx = i
			break
		}
	}
	if slotIdx == -1 {
		return Handle{}, fmt.Errorf("breakpoint: table is full (capacity %d)", len(t.slots))
	}

	word, err := facade.ReadWord(pid, bp.Address)
	if err != nil {
		return Handle{}, fmt.Errorf("breakpoint: read original byte at %#x: %w", bp.Address, err)
	}
	bp.origByte = byte(word)

	patched := (word &^ 0xff) | trapOpcode
	if err := facade.WriteWord(pid, bp.Address, patched); err != nil {
		return Handle{}, fmt.Errorf("breakpoint: write trap opcode at %#x: %w", bp.Address, err)
	}

	gen := t.nextGen
	t.nextGen++
	h := Handle{index: slotIdx, gen: gen}

	bp.handle = h
	bp.installed = true
	t.slots[slotIdx] = bp
	t.gens[slotIdx] = gen
	t.byAddr[bp.Address] = h

	return h, nil
}

// Uninstall writes the original byte back at bp.Address and, if
// freeSlot is true, clears the slot so it can be reused.
func (t *Table) Uninstall(facade ptraceapi.Facade, pid int, h Handle, freeSlot bool) error {
	bp, err := t.get(h)
	if err != nil {
		return err
	}

	word, err := facade.ReadWord(pid, bp.Address)
	if err != nil {
		return fmt.Errorf("breakpoint: read word at %#x for uninstall: %w", bp.Address, err)
	}
	restored := (word &^ 0xff) | uint64(bp.origByte)
	if err := facade.WriteWord(pid, bp.Address, restored); err != nil {
		return fmt.Errorf("breakpoint: restore original byte at %#x: %w", bp.Address, err)
	}

	bp.installed = false
	delete(t.byAddr, bp.Address)
	if freeSlot {
		t.slots[h.index] = nil
	}
	return nil
}

// UninstallAll uninstalls every currently installed breakpoint, freeing
// all slots. Used by the pause/handoff path before detaching.
func (t *Table) UninstallAll(facade ptraceapi.Facade, pid int) error {
	for i, bp := range t.slots {
		if bp == nil || !bp.installed {
			continue
		}
		if err := t.Uninstall(facade, pid, bp.handle, true); err != nil {
			return err
		}
		_ = i
	}
	return nil
}

// FindByAddress returns the handle of the installed breakpoint at addr,
// if any.
func (t *Table) FindByAddress(addr uint64) (Handle, bool) {
	h, ok := t.byAddr[addr]
	return h, ok
}

// Get returns the breakpoint referenced by h, or an error if h is stale
// or refers to an empty slot.
func (t *Table) Get(h Handle) (*Breakpoint, error) {
	return t.get(h)
}

func (t *Table) get(h Handle) (*Breakpoint, error) {
	if h.index < 0 || h.index >= len(t.slots) {
		return nil, fmt.Errorf("breakpoint: handle index %d out of range", h.index)
	}
	if t.gens[h.index] != h.gen || t.slots[h.index] == nil {
		return nil, fmt.Errorf("breakpoint: stale handle (index %d, gen %d)", h.index, h.gen)
	}
	return t.slots[h.index], nil
}
