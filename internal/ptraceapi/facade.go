// Package ptraceapi is the only package that names kernel process-trace
// primitives directly. Everything above it talks to the Facade interface.
package ptraceapi

import (
	"golang.org/x/sys/unix"
)

// StopKind classifies why Wait returned.
type StopKind int

const (
	// StopUnknown is returned when the status could not be classified.
	StopUnknown StopKind = iota
	StopExited
	StopKilledBySignal
	StopSignal
	StopPtraceEvent
	StopSigtrap
)

// PtraceEvent mirrors the PTRACE_EVENT_* subtypes relevant to this tracer.
type PtraceEvent int

const (
	EventNone PtraceEvent = iota
	EventFork
	EventVfork
	EventClone
	EventExec
)

// Status is the decoded result of a Wait call.
type Status struct {
	Kind StopKind

	// ExitCode is valid when Kind == StopExited.
	ExitCode int

	// Signal is valid when Kind is StopKilledBySignal or StopSignal.
	Signal unix.Signal

	// Event is valid when Kind == StopPtraceEvent.
	Event PtraceEvent

	// CoreDump reports whether the tracee dumped core on a fatal signal.
	CoreDump bool
}

// Regs is the subset of the x86-64 register file the tracer needs:
// instruction pointer, stack pointer, the three integer argument
// registers used by the allocator ABI (rdi, rsi, rdx), and the return
// value register (rax).
type Regs struct {
	Rip uint64
	Rsp uint64
	Rdi uint64
	Rsi uint64
	Rdx uint64
	Rax uint64
}

// Options selects which ptrace-event subtypes the facade should report.
type Options struct {
	TraceFork  bool
	TraceVfork bool
	TraceClone bool
	TraceExec  bool
}

// Facade abstracts the kernel process-trace interface so the rest of the
// tracer never calls a ptrace syscall directly.
type Facade interface {
	// SpawnAndAttach forks, disables ASLR in the child, enables
	// self-tracing, then execs path with argv/env. It returns the
	// child pid after the parent has observed the initial synchronous
	// stop guaranteed by the tracing interface.
	SpawnAndAttach(path string, argv []string, env []string) (pid int, err error)

	// Continue resumes the tracee, optionally redelivering a signal.
	Continue(pid int, sig unix.Signal) error

	// SingleStep executes exactly one instruction in the tracee.
	SingleStep(pid int) error

	// Wait blocks until the tracee (or a traced descendant) stops and
	// returns the decoded status.
	Wait(pid int) (Status, error)

	// ReadWord reads 8 bytes at addr in the tracee's address space.
	ReadWord(pid int, addr uint64) (uint64, error)

	// WriteWord writes 8 bytes at addr in the tracee's address space.
	WriteWord(pid int, addr uint64, value uint64) error

	// GetRegs reads the tracee's general-purpose register file.
	GetRegs(pid int) (Regs, error)

	// SetRegs writes the tracee's general-purpose register file.
	SetRegs(pid int, regs Regs) error

	// SetOptions configures which events Wait decodes as StopPtraceEvent.
	SetOptions(pid int, opts Options) error

	// GetEventMessage returns the secondary pid delivered alongside a
	// fork/vfork/clone ptrace-event.
	GetEventMessage(pid int) (uint64, error)

	// Detach detaches from pid, optionally delivering sig as the tracee
	// resumes (SIGCONT to leave it running, SIGSTOP to leave it stopped).
	Detach(pid int, sig unix.Signal) error
}
