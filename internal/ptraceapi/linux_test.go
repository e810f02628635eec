package ptraceapi

import (
	"testing"

	"golang.org/x/sys/unix"
)

// waitStatus builds a raw wait(2) status word matching the encoding
// unix.WaitStatus decodes on Linux: low 7 bits 0x7f means stopped, 0
// means exited (with the exit code in the next byte), anything else
// means signaled; a stop signal lives in the next byte, and a
// ptrace-event subtype (fork/vfork/clone/exec) is layered into the
// signal byte as SIGTRAP | event<<8, landing in bits 16-23 overall.
func waitStatus(low7 uint32, stopOrExitByte uint32, eventByte uint32) unix.WaitStatus {
	return unix.WaitStatus(low7 | stopOrExitByte<<8 | eventByte<<16)
}

func TestDecodeStatusExited(t *testing.T) {
	ws := waitStatus(0, 42, 0)
	got := decodeStatus(1, ws)
	if got.Kind != StopExited {
		t.Fatalf("Kind = %v, want StopExited", got.Kind)
	}
	if got.ExitCode != 42 {
		t.Errorf("ExitCode = %d, want 42", got.ExitCode)
	}
}

func TestDecodeStatusSignaled(t *testing.T) {
	ws := waitStatus(uint32(unix.SIGSEGV), 0, 0)
	got := decodeStatus(1, ws)
	if got.Kind != StopKilledBySignal {
		t.Fatalf("Kind = %v, want StopKilledBySignal", got.Kind)
	}
	if got.Signal != unix.SIGSEGV {
		t.Errorf("Signal = %v, want SIGSEGV", got.Signal)
	}
	if got.CoreDump {
		t.Error("CoreDump = true, want false (core bit not set)")
	}
}

func TestDecodeStatusSignaledWithCoreDump(t *testing.T) {
	ws := unix.WaitStatus(uint32(unix.SIGSEGV) | 0x80)
	got := decodeStatus(1, ws)
	if got.Kind != StopKilledBySignal {
		t.Fatalf("Kind = %v, want StopKilledBySignal", got.Kind)
	}
	if !got.CoreDump {
		t.Error("CoreDump = false, want true")
	}
}

func TestDecodeStatusPlainStopSignal(t *testing.T) {
	ws := waitStatus(0x7f, uint32(unix.SIGSTOP), 0)
	got := decodeStatus(1, ws)
	if got.Kind != StopSignal {
		t.Fatalf("Kind = %v, want StopSignal", got.Kind)
	}
	if got.Signal != unix.SIGSTOP {
		t.Errorf("Signal = %v, want SIGSTOP", got.Signal)
	}
}

func TestDecodeStatusPlainSigtrap(t *testing.T) {
	ws := waitStatus(0x7f, uint32(unix.SIGTRAP), 0)
	got := decodeStatus(1, ws)
	if got.Kind != StopSigtrap {
		t.Fatalf("Kind = %v, want StopSigtrap", got.Kind)
	}
}

func TestDecodeStatusPtraceEventFork(t *testing.T) {
	ws := waitStatus(0x7f, uint32(unix.SIGTRAP), uint32(unix.PTRACE_EVENT_FORK))
	got := decodeStatus(1, ws)
	if got.Kind != StopPtraceEvent {
		t.Fatalf("Kind = %v, want StopPtraceEvent", got.Kind)
	}
	if got.Event != EventFork {
		t.Errorf("Event = %v, want EventFork", got.Event)
	}
}

func TestDecodeStatusPtraceEventVforkCloneExec(t *testing.T) {
	cases := []struct {
		trap uint32
		want PtraceEvent
	}{
		{uint32(unix.PTRACE_EVENT_VFORK), EventVfork},
		{uint32(unix.PTRACE_EVENT_CLONE), EventClone},
		{uint32(unix.PTRACE_EVENT_EXEC), EventExec},
	}
	for _, c := range cases {
		ws := waitStatus(0x7f, uint32(unix.SIGTRAP), c.trap)
		got := decodeStatus(1, ws)
		if got.Kind != StopPtraceEvent || got.Event != c.want {
			t.Errorf("trap %#x: got Kind=%v Event=%v, want StopPtraceEvent/%v", c.trap, got.Kind, got.Event, c.want)
		}
	}
}

func TestDecodeEventUnknownTrapIsEventNone(t *testing.T) {
	if got := decodeEvent(0xff); got != EventNone {
		t.Errorf("decodeEvent(0xff) = %v, want EventNone", got)
	}
}
