package tracer

import (
	"fmt"

	"github.com/CrackerCat/heaptrace/internal/breakpoint"
	"github.com/CrackerCat/heaptrace/internal/handlers"
	"github.com/CrackerCat/heaptrace/internal/procmap"
	"github.com/CrackerCat/heaptrace/internal/symbols"
)

// MapSymbols implements spec §4.5 step 4: rebuild the memory-map oracle,
// compute the libc version string, resolve each allocator's address
// (static/dynamic/PLT), fall back to the signature finder for stripped
// binaries, apply user overrides, then install every resolved allocator
// breakpoint. Called once, right after the entry breakpoint's pre-handler
// sets ShouldMapSyms.
func (c *Context) MapSymbols() error {
	m, err := procmap.Build(c.pid, c.targetPath)
	if err != nil {
		return fmt.Errorf("tracer: build memory map for pid %d: %w", c.pid, err)
	}
	c.mmap = m

	bin, ok := m.FindByKind(procmap.KindBinary)
	if !ok {
		return fmt.Errorf("tracer: target binary is missing from process mappings for pid %d", c.pid)
	}

	if libc, ok := m.FindByKind(procmap.KindLibc); ok {
		c.libcPath = libc.Pathname
		if v, err := procmap.LibcVersion(libc.Pathname); err == nil {
			c.libcVersion = v
		}
	}

	provider := symbols.NewELFProvider(c.targetPath)
	records, err := provider.Lookup(allocatorNames)
	if err != nil {
		return fmt.Errorf("tracer: look up allocator symbols: %w", err)
	}

	resolver := &symbols.Resolver{Facade: c.facade, Pid: c.pid}
	addrs := make(map[string]uint64, len(allocatorNames))
	c.isDynamic = false
	c.isStripped = true
	for _, rec := range records {
		switch rec.Kind {
		case symbols.KindDynamicResolved, symbols.KindDynamicPLT:
			c.isDynamic = true
			c.isStripped = false
		case symbols.KindStatic:
			c.isStripped = false
		}
		addr, err := resolver.ResolveAddress(rec, m)
		if err != nil {
			return fmt.Errorf("tracer: resolve address for %q: %w", rec.Name, err)
		}
		addrs[rec.Name] = addr
	}

	if c.isStripped && c.sigFinder != nil {
		matches, err := c.sigFinder.FindSignatures(c.targetPath, allocatorNames)
		if err != nil {
			c.logger.Warn("signature finder failed, treating as no matches", "err", err)
		}
		for name, off := range matches {
			if off != 0 {
				addrs[name] = bin.Base + off
			}
		}
	}

	overrides, err := symbols.ParseOverrides(c.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("tracer: parse symbol overrides: %w", err)
	}
	overrideAddrs, err := symbols.ApplyOverrides(overrides, m)
	if err != nil {
		return fmt.Errorf("tracer: apply symbol overrides: %w", err)
	}
	for name, addr := range overrideAddrs {
		addrs[name] = addr
	}

	allUnresolved := true
	for _, a := range addrs {
		if a != 0 {
			allUnresolved = false
		}
	}
	if allUnresolved && len(overrides) == 0 && !c.warnedUnresolved {
		c.warnedUnresolved = true
		c.logger.Warn("binary appears to be stripped or does not use the glibc heap; no allocator symbols resolved; pass --symbols to specify addresses manually")
	}

	for _, name := range allocatorNames {
		addr := addrs[name]
		if addr == 0 {
			c.logger.Debug("skipping breakpoint install, address unresolved", "name", name)
			continue
		}
		bp := newAllocatorBreakpoint(name, addr)
		if _, err := c.table.Install(c.facade, c.pid, bp); err != nil {
			return fmt.Errorf("tracer: install breakpoint %q: %w", name, err)
		}
	}

	kind := "Statically-linked"
	if c.isDynamic {
		kind = "Dynamically-linked"
	}
	c.logger.Info("target binary mapped", "linkage", kind, "stripped", c.isStripped, "libc", c.libcPath, "libc_version", c.libcVersion)

	return nil
}

func newAllocatorBreakpoint(name string, addr uint64) *breakpoint.Breakpoint {
	bp := &breakpoint.Breakpoint{Name: name, Address: addr, HasPre: true, HasPost: true}
	switch name {
	case "malloc":
		bp.Arity = breakpoint.Arity1
		bp.Pre1, bp.Post = handlers.Malloc()
	case "calloc":
		bp.Arity = breakpoint.Arity2
		bp.Pre2, bp.Post = handlers.Calloc()
	case "free":
		bp.Arity = breakpoint.Arity1
		bp.Pre1, bp.Post = handlers.Free()
	case "realloc":
		bp.Arity = breakpoint.Arity2
		bp.Pre2, bp.Post = handlers.Realloc()
	case "reallocarray":
		bp.Arity = breakpoint.Arity3
		bp.Pre3, bp.Post = handlers.Reallocarray()
	}
	return bp
}
