package tracer

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/CrackerCat/heaptrace/internal/config"
	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
)

// fakeLoopFacade is a minimal ptraceapi.Facade recording the calls
// handleStatus/handlePtraceEvent make, without touching a real process.
type fakeLoopFacade struct {
	detached     []detachCall
	continued    []continueCall
	optionsSet   []ptraceapi.Options
	eventMessage uint64
}

type detachCall struct {
	pid int
	sig unix.Signal
}

type continueCall struct {
	pid int
	sig unix.Signal
}

func (f *fakeLoopFacade) SpawnAndAttach(string, []string, []string) (int, error) { return 0, nil }
func (f *fakeLoopFacade) Continue(pid int, sig unix.Signal) error {
	f.continued = append(f.continued, continueCall{pid, sig})
	return nil
}
func (f *fakeLoopFacade) SingleStep(int) error { return nil }
func (f *fakeLoopFacade) Wait(int) (ptraceapi.Status, error) {
	return ptraceapi.Status{Kind: ptraceapi.StopSigtrap}, nil
}
func (f *fakeLoopFacade) ReadWord(int, uint64) (uint64, error)      { return 0, nil }
func (f *fakeLoopFacade) WriteWord(int, uint64, uint64) error       { return nil }
func (f *fakeLoopFacade) GetRegs(int) (ptraceapi.Regs, error)       { return ptraceapi.Regs{}, nil }
func (f *fakeLoopFacade) SetRegs(int, ptraceapi.Regs) error         { return nil }
func (f *fakeLoopFacade) SetOptions(_ int, opts ptraceapi.Options) error {
	f.optionsSet = append(f.optionsSet, opts)
	return nil
}
func (f *fakeLoopFacade) GetEventMessage(int) (uint64, error) { return f.eventMessage, nil }
func (f *fakeLoopFacade) Detach(pid int, sig unix.Signal) error {
	f.detached = append(f.detached, detachCall{pid, sig})
	return nil
}

var _ ptraceapi.Facade = (*fakeLoopFacade)(nil)

func newTestContext(facade ptraceapi.Facade, cfg config.Config) *Context {
	return NewContext(100, cfg, testLogger(), facade, nil, nil)
}

// A normal exit stops the loop and performs no detach (nothing left to
// detach from).
func TestHandleStatusExitedStopsLoopWithoutDetach(t *testing.T) {
	facade := &fakeLoopFacade{}
	ctx := newTestContext(facade, config.Default())

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopExited, ExitCode: 0})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if !done {
		t.Error("expected done=true on StopExited")
	}
	if len(facade.detached) != 0 {
		t.Errorf("expected no detach on exit, got %v", facade.detached)
	}
}

func TestHandleStatusKilledBySignalStopsLoop(t *testing.T) {
	facade := &fakeLoopFacade{}
	ctx := newTestContext(facade, config.Default())

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopKilledBySignal, Signal: unix.SIGKILL})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if !done {
		t.Error("expected done=true on StopKilledBySignal")
	}
}

// Scenario C: a SIGSEGV stop shuts the loop down. No break condition is
// armed in this config, so the handoff path is not taken.
func TestHandleStatusSigsegvStopsLoop(t *testing.T) {
	facade := &fakeLoopFacade{}
	ctx := newTestContext(facade, config.Default())

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopSignal, Signal: unix.SIGSEGV, CoreDump: true})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if !done {
		t.Error("expected done=true on SIGSEGV")
	}
}

func TestHandleStatusOtherSignalPassesThrough(t *testing.T) {
	facade := &fakeLoopFacade{}
	ctx := newTestContext(facade, config.Default())

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopSignal, Signal: unix.SIGWINCH})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if done {
		t.Error("expected done=false, passing an unrelated signal through")
	}
	if len(facade.continued) != 1 || facade.continued[0].sig != unix.SIGWINCH {
		t.Errorf("expected one Continue redelivering SIGWINCH, got %v", facade.continued)
	}
}

func TestHandleStatusSigtrapNotABreakpointContinuesLoop(t *testing.T) {
	facade := &fakeLoopFacade{}
	ctx := newTestContext(facade, config.Default())

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopSigtrap})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if done {
		t.Error("expected done=false on an unrecognized trap")
	}
}

// Scenario D, follow-fork off: the child is detached stopped and the
// parent pid is left unchanged so it keeps running under the tracer.
func TestHandlePtraceEventForkNotFollowedDetachesChild(t *testing.T) {
	facade := &fakeLoopFacade{eventMessage: 4242}
	cfg := config.Default()
	cfg.FollowFork = false
	ctx := newTestContext(facade, cfg)

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopPtraceEvent, Event: ptraceapi.EventFork})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if done {
		t.Error("expected done=false after a fork event")
	}
	if ctx.Pid() != 100 {
		t.Errorf("parent pid changed to %d, want unchanged 100", ctx.Pid())
	}
	if len(facade.detached) != 1 || facade.detached[0].pid != 4242 || facade.detached[0].sig != unix.SIGSTOP {
		t.Errorf("expected child 4242 detached with SIGSTOP, got %v", facade.detached)
	}
}

// Scenario D, follow-fork on: the parent is detached exactly once (with
// SIGCONT so it keeps running) and the context switches to tracing the
// child, re-arming trace-options on it.
func TestHandlePtraceEventForkFollowedSwitchesToChild(t *testing.T) {
	facade := &fakeLoopFacade{eventMessage: 4242}
	cfg := config.Default()
	cfg.FollowFork = true
	ctx := newTestContext(facade, cfg)

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopPtraceEvent, Event: ptraceapi.EventVfork})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if done {
		t.Error("expected done=false after a followed fork event")
	}
	if ctx.Pid() != 4242 {
		t.Errorf("Pid() = %d, want followed child 4242", ctx.Pid())
	}
	if len(facade.detached) != 1 || facade.detached[0].pid != 100 || facade.detached[0].sig != unix.SIGCONT {
		t.Errorf("expected parent 100 detached exactly once with SIGCONT, got %v", facade.detached)
	}
	if len(facade.optionsSet) != 1 {
		t.Errorf("expected trace-options re-armed on the followed child, got %d calls", len(facade.optionsSet))
	}
}

// Scenario F: an exec event shuts the loop down and detaches the tracee
// (SIGCONT, leaving it running) exactly once.
func TestHandlePtraceEventExecDetachesAndStops(t *testing.T) {
	facade := &fakeLoopFacade{}
	ctx := newTestContext(facade, config.Default())

	done, err := ctx.handleStatus(facade, ptraceapi.Status{Kind: ptraceapi.StopPtraceEvent, Event: ptraceapi.EventExec})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if !done {
		t.Error("expected done=true on an exec event")
	}
	if len(facade.detached) != 1 || facade.detached[0].pid != 100 || facade.detached[0].sig != unix.SIGCONT {
		t.Errorf("expected tracee detached exactly once with SIGCONT, got %v", facade.detached)
	}
}

// Property 4: the operation id is monotone non-decreasing; BeginOp/EndOp
// only ever increment the backing counters.
func TestOIDMonotoneNonDecreasing(t *testing.T) {
	ctx := newTestContext(&fakeLoopFacade{}, config.Default())
	var last uint64
	ops := []string{"malloc", "malloc", "free", "calloc", "free"}
	for _, op := range ops {
		ctx.BeginOp(op, 1)
		if got := ctx.OID(); got < last {
			t.Fatalf("OID decreased: %d -> %d", last, got)
		}
		last = ctx.OID()
		ctx.EndOp(op, 0)
	}
}
