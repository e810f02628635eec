package breakpoint

import (
	"fmt"

	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
)

// DispatchContext is the minimal context Dispatch needs from the
// caller's Context object, kept narrow so this package never imports
// the tracer package (which imports this one).
type DispatchContext interface {
	// SetBetweenPreAndPost records which primary breakpoint is
	// currently executing (empty string clears it).
	SetBetweenPreAndPost(name string)
}

// Dispatch implements spec §4.4's hit-dispatch algorithm. It must be
// called only when the tracee is stopped with a breakpoint-caused
// SIGTRAP; the caller is responsible for classifying the stop first.
func (t *Table) Dispatch(facade ptraceapi.Facade, pid int, ctx DispatchContext) (DispatchResult, error) {
	regs, err := facade.GetRegs(pid)
	if err != nil {
		return NotABreakpoint, fmt.Errorf("breakpoint: get regs: %w", err)
	}
	hitAddr := regs.Rip - 1

	h, ok := t.FindByAddress(hitAddr)
	if !ok {
		return NotABreakpoint, nil
	}
	bp, err := t.get(h)
	if err != nil {
		return NotABreakpoint, err
	}

	// Step 1-2: restore the original byte, rewind rip, write back regs.
	word, err := facade.ReadWord(pid, hitAddr)
	if err != nil {
		return NotABreakpoint, fmt.Errorf("breakpoint: read word at hit address %#x: %w", hitAddr, err)
	}
	restored := (word &^ 0xff) | uint64(bp.origByte)
	if err := facade.WriteWord(pid, hitAddr, restored); err != nil {
		return NotABreakpoint, fmt.Errorf("breakpoint: restore byte at %#x: %w", hitAddr, err)
	}
	regs.Rip = hitAddr
	if err := facade.SetRegs(pid, regs); err != nil {
		return NotABreakpoint, fmt.Errorf("breakpoint: set regs: %w", err)
	}

	if bp.IsReturnCatcher() {
		return t.dispatchReturnCatcher(facade, pid, ctx, bp, regs)
	}

	return t.dispatchPrimary(facade, pid, ctx, bp, regs)
}

// dispatchPrimary mirrors the original dispatcher's gating exactly:
// the pre-handler and return-catcher installation fire only when both
// the global in-breakpoint flag and this breakpoint's own inside flag
// are clear. A primary hit while already inside (itself recursing, or
// another primary's call still in flight) only re-arms.
func (t *Table) dispatchPrimary(facade ptraceapi.Facade, pid int, ctx DispatchContext, bp *Breakpoint, regs ptraceapi.Regs) (DispatchResult, error) {
	clearToEnter := !t.anyInside && !bp.inside

	if clearToEnter && bp.HasPre {
		ctx.SetBetweenPreAndPost(bp.Name)
		callPreHandler(bp, ctx, regs)
	}

	if err := t.singleStep(facade, pid); err != nil {
		return PreDelivered, err
	}

	result := PreDelivered
	if !clearToEnter {
		result = Recursed
	} else {
		t.anyInside = true
		bp.inside = true
		if bp.HasPost {
			retAddrWord, err := facade.ReadWord(pid, regs.Rsp)
			if err != nil {
				return result, fmt.Errorf("breakpoint: read return address at rsp %#x: %w", regs.Rsp, err)
			}
			catcher := &Breakpoint{Name: bp.Name + "$return", Address: retAddrWord, owner: bp.handle}
			if _, err := t.Install(facade, pid, catcher); err != nil {
				return result, fmt.Errorf("breakpoint: install return-catcher for %q: %w", bp.Name, err)
			}
		} else {
			// No post-handler: nothing to track being inside for.
			t.anyInside = false
			bp.inside = false
			ctx.SetBetweenPreAndPost("")
		}
	}

	if err := t.rearm(facade, pid, bp); err != nil {
		return result, err
	}
	return result, nil
}

func (t *Table) dispatchReturnCatcher(facade ptraceapi.Facade, pid int, ctx DispatchContext, catcher *Breakpoint, regs ptraceapi.Regs) (DispatchResult, error) {
	if err := t.singleStep(facade, pid); err != nil {
		return PostDelivered, err
	}

	owner, err := t.get(catcher.owner)
	if err == nil {
		if owner.HasPost {
			// regs is the register snapshot taken at the return-catcher
			// hit, before our own single-step; by the x86-64 ABI rax
			// already holds the callee's return value at that point.
			// Re-reading after the single-step would instead observe
			// whatever the caller's next instruction (now stepped over)
			// left in rax.
			callPostHandler(owner, ctx, regs.Rax)
		}
		if err := t.Uninstall(facade, pid, catcher.handle, true); err != nil {
			return PostDelivered, err
		}
		owner.inside = false
		t.anyInside = false
	} else {
		// Owner is gone; nothing to deliver to, just drop the catcher.
		if uerr := t.Uninstall(facade, pid, catcher.handle, true); uerr != nil {
			return PostDelivered, uerr
		}
	}
	ctx.SetBetweenPreAndPost("")
	return PostDelivered, nil
}

func (t *Table) singleStep(facade ptraceapi.Facade, pid int) error {
	if err := facade.SingleStep(pid); err != nil {
		return fmt.Errorf("breakpoint: single-step: %w", err)
	}
	if _, err := facade.Wait(pid); err != nil {
		return fmt.Errorf("breakpoint: wait after single-step: %w", err)
	}
	return nil
}

func (t *Table) rearm(facade ptraceapi.Facade, pid int, bp *Breakpoint) error {
	word, err := facade.ReadWord(pid, bp.Address)
	if err != nil {
		return fmt.Errorf("breakpoint: read word to re-arm %#x: %w", bp.Address, err)
	}
	patched := (word &^ 0xff) | trapOpcode
	if err := facade.WriteWord(pid, bp.Address, patched); err != nil {
		return fmt.Errorf("breakpoint: re-arm %#x: %w", bp.Address, err)
	}
	return nil
}

func callPreHandler(bp *Breakpoint, ctx DispatchContext, regs ptraceapi.Regs) {
	switch bp.Arity {
	case Arity0:
		if bp.Pre0 != nil {
			bp.Pre0(ctx)
		}
	case Arity1:
		if bp.Pre1 != nil {
			bp.Pre1(ctx, regs.Rdi)
		}
	case Arity2:
		if bp.Pre2 != nil {
			bp.Pre2(ctx, regs.Rdi, regs.Rsi)
		}
	case Arity3:
		if bp.Pre3 != nil {
			bp.Pre3(ctx, regs.Rdi, regs.Rsi, regs.Rdx)
		}
	}
}

func callPostHandler(bp *Breakpoint, ctx DispatchContext, ret uint64) {
	if bp.Post != nil {
		bp.Post(ctx, ret)
	}
}
