// Package tracer implements the event loop and per-run context described
// in spec.md §4.5/§4.6: fork/exec the target, classify every wait status,
// dispatch breakpoint hits, and rebuild the symbol set once the target's
// entry point is reached.
package tracer

import (
	"fmt"
	"log/slog"

	"github.com/CrackerCat/heaptrace/internal/breakpoint"
	"github.com/CrackerCat/heaptrace/internal/config"
	"github.com/CrackerCat/heaptrace/internal/handoff"
	"github.com/CrackerCat/heaptrace/internal/procmap"
	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
	"github.com/CrackerCat/heaptrace/internal/symbols"
)

// allocatorNames is the fixed order symbols are looked up and resolved in;
// it matches the original's bp_malloc/bp_calloc/bp_free/bp_realloc/
// bp_reallocarray declaration order.
var allocatorNames = []string{"malloc", "calloc", "free", "realloc", "reallocarray"}

// Reporter receives one notification per completed allocator call. The
// optional gRPC reporter implements this; tests and non-reporting runs
// pass nil.
type Reporter interface {
	Report(name string, oid uint64, args []uint64, ret uint64)
}

// Context is the per-run mutable state threaded through the event loop,
// breakpoint dispatch, and allocator handlers. It owns the breakpoint
// table and the memory-map oracle and is constructed once per traced
// process.
type Context struct {
	pid    int
	cfg    config.Config
	logger *slog.Logger
	facade ptraceapi.Facade
	table  *breakpoint.Table

	sigFinder symbols.SignatureFinder
	reporter  Reporter

	mmap        *procmap.Map
	targetPath  string
	libcPath    string
	libcVersion string
	isDynamic   bool
	isStripped  bool

	shouldMapSyms     bool
	betweenPreAndPost string

	counters map[string]uint64

	pendingName string
	pendingArgs []uint64
	pendingOID  uint64

	warnedUnresolved bool
}

// NewContext constructs an empty Context bound to pid. Breakpoint
// installation and memory-map population happen later, as the event loop
// reaches the steps that need them.
func NewContext(pid int, cfg config.Config, logger *slog.Logger, facade ptraceapi.Facade, sigFinder symbols.SignatureFinder, reporter Reporter) *Context {
	return &Context{
		pid:        pid,
		cfg:        cfg,
		logger:     logger,
		facade:     facade,
		table:      breakpoint.NewTable(len(allocatorNames) + 2), // allocators + entry + one return-catcher
		sigFinder:  sigFinder,
		reporter:   reporter,
		targetPath: cfg.TargetPath,
		counters:   make(map[string]uint64, len(allocatorNames)),
	}
}

// Pid returns the traced process id (may change across a followed fork).
func (c *Context) Pid() int { return c.pid }

// Table returns the breakpoint table backing this context.
func (c *Context) Table() *breakpoint.Table { return c.table }

// ShouldMapSyms reports whether the entry breakpoint has fired and symbol
// resolution/breakpoint installation is still pending.
func (c *Context) ShouldMapSyms() bool { return c.shouldMapSyms }

// ClearShouldMapSyms resets the flag once the event loop has acted on it.
func (c *Context) ClearShouldMapSyms() { c.shouldMapSyms = false }

// SetBetweenPreAndPost implements breakpoint.DispatchContext.
func (c *Context) SetBetweenPreAndPost(name string) { c.betweenPreAndPost = name }

// BetweenPreAndPost returns the name of the primary breakpoint currently
// executing between its pre- and post-handler, or "" if none.
func (c *Context) BetweenPreAndPost() string { return c.betweenPreAndPost }

// OID returns the current operation id: the sum of all five allocator
// counters.
func (c *Context) OID() uint64 {
	var sum uint64
	for _, n := range allocatorNames {
		sum += c.counters[n]
	}
	return sum
}

// EntryHit is the entry breakpoint's pre-handler body: it arms symbol
// mapping for this iteration of the event loop and checks the
// break-at-main condition.
func (c *Context) EntryHit() {
	c.shouldMapSyms = true
	matched := c.cfg.Condition == config.BreakAtMain
	if err := handoff.CheckShouldBreak(c.facade, c.table, c.pid, c.cfg.GDBPath, matched); err != nil {
		c.logger.Error("handoff failed", "err", err)
	}
}

// BeginOp implements handlers.Recorder. --break-at fires here: the
// original's BREAK_AT is checked on entering the call whose oid matches,
// before the allocator itself runs.
func (c *Context) BeginOp(name string, args ...uint64) {
	c.counters[name]++
	c.pendingName = name
	c.pendingArgs = append(c.pendingArgs[:0], args...)
	c.pendingOID = c.OID()
	c.logger.Debug("enter allocator call", "op", name, "args", args, "oid", c.pendingOID)

	matched := c.cfg.Condition == config.BreakAtOID && c.pendingOID == c.cfg.BreakAt
	if err := handoff.CheckShouldBreak(c.facade, c.table, c.pid, c.cfg.GDBPath, matched); err != nil {
		c.logger.Error("handoff failed", "err", err)
	}
}

// EndOp implements handlers.Recorder. --break-after fires here: the
// original's BREAK_AFTER is checked once the call whose oid matches has
// already returned, distinct from --break-at firing on entry.
func (c *Context) EndOp(name string, ret uint64) {
	oid := c.pendingOID
	c.logger.Info("allocator call completed", "op", name, "oid", oid, "args", c.pendingArgs, "ret", fmt.Sprintf("%#x", ret))
	if c.reporter != nil {
		c.reporter.Report(name, oid, c.pendingArgs, ret)
	}
	matched := c.cfg.Condition == config.BreakAfterOID && oid == c.cfg.BreakAfter
	if err := handoff.CheckShouldBreak(c.facade, c.table, c.pid, c.cfg.GDBPath, matched); err != nil {
		c.logger.Error("handoff failed", "err", err)
	}
}

// MaybeBreakSigsegv is called from the shutdown path when the tracee died
// from SIGSEGV, giving the configured break-at-sigsegv condition a chance
// to hand off to the interactive debugger before the process exits.
func (c *Context) MaybeBreakSigsegv() error {
	matched := c.cfg.Condition == config.BreakSigsegv
	return handoff.CheckShouldBreak(c.facade, c.table, c.pid, c.cfg.GDBPath, matched)
}

// Stats logs the per-run allocator counters, mirroring the original's
// end-of-run statistics report.
func (c *Context) Stats() {
	c.logger.Info("statistics",
		"malloc", c.counters["malloc"],
		"calloc", c.counters["calloc"],
		"free", c.counters["free"],
		"realloc", c.counters["realloc"],
		"reallocarray", c.counters["reallocarray"],
	)
}
