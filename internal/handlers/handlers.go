// Package handlers provides the default pre/post handler pairs for the
// five glibc allocator entry points the tracer watches. They are the
// default observable behavior (spec.md puts per-allocator logic out of
// core scope, but something has to turn a breakpoint hit into a report
// line for the system to do anything end-to-end).
package handlers

import "github.com/CrackerCat/heaptrace/internal/breakpoint"

// Recorder is the slice of tracer.Context a handler needs. Kept as an
// interface here (rather than importing the tracer package directly) so
// this package never creates an import cycle: tracer imports handlers to
// build its breakpoint set, so handlers cannot import tracer back.
type Recorder interface {
	// BeginOp records entry into an allocator call: increments that
	// allocator's counter and remembers the call's arguments so EndOp can
	// report them alongside the return value. At most one call is ever
	// in flight at a time (the breakpoint dispatcher's global in-breakpoint
	// gate guarantees this), so no correlation id is needed.
	BeginOp(name string, args ...uint64)
	// EndOp reports the completed call's return value and checks whether
	// the operation id just completed matches a configured break
	// condition.
	EndOp(name string, ret uint64)
}

func recorderOf(ctx any) Recorder {
	return ctx.(Recorder)
}

// Malloc returns the pre/post pair for `void *malloc(size_t size)`.
func Malloc() (breakpoint.PreHandler1, breakpoint.PostHandler) {
	pre := func(ctx any, size uint64) {
		recorderOf(ctx).BeginOp("malloc", size)
	}
	post := func(ctx any, ret uint64) {
		recorderOf(ctx).EndOp("malloc", ret)
	}
	return pre, post
}

// Calloc returns the pre/post pair for `void *calloc(size_t nmemb, size_t size)`.
func Calloc() (breakpoint.PreHandler2, breakpoint.PostHandler) {
	pre := func(ctx any, nmemb, size uint64) {
		recorderOf(ctx).BeginOp("calloc", nmemb, size)
	}
	post := func(ctx any, ret uint64) {
		recorderOf(ctx).EndOp("calloc", ret)
	}
	return pre, post
}

// Free returns the pre/post pair for `void free(void *ptr)`. free has no
// meaningful return value; the post-handler exists so the call is still
// tracked symmetrically (pre-count equals post-count at exit).
func Free() (breakpoint.PreHandler1, breakpoint.PostHandler) {
	pre := func(ctx any, ptr uint64) {
		recorderOf(ctx).BeginOp("free", ptr)
	}
	post := func(ctx any, ret uint64) {
		recorderOf(ctx).EndOp("free", 0)
	}
	return pre, post
}

// Realloc returns the pre/post pair for `void *realloc(void *ptr, size_t size)`.
func Realloc() (breakpoint.PreHandler2, breakpoint.PostHandler) {
	pre := func(ctx any, ptr, size uint64) {
		recorderOf(ctx).BeginOp("realloc", ptr, size)
	}
	post := func(ctx any, ret uint64) {
		recorderOf(ctx).EndOp("realloc", ret)
	}
	return pre, post
}

// Reallocarray returns the pre/post pair for
// `void *reallocarray(void *ptr, size_t nmemb, size_t size)`.
func Reallocarray() (breakpoint.PreHandler3, breakpoint.PostHandler) {
	pre := func(ctx any, ptr, nmemb, size uint64) {
		recorderOf(ctx).BeginOp("reallocarray", ptr, nmemb, size)
	}
	post := func(ctx any, ret uint64) {
		recorderOf(ctx).EndOp("reallocarray", ret)
	}
	return pre, post
}
