package tracer

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/CrackerCat/heaptrace/internal/breakpoint"
	"github.com/CrackerCat/heaptrace/internal/config"
	"github.com/CrackerCat/heaptrace/internal/procmap"
	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
	"github.com/CrackerCat/heaptrace/internal/symbols"
)

// Run implements spec §4.5 end to end: spawn the target under trace,
// install the one-shot entry breakpoint, then loop classifying wait
// statuses until the tracee exits, is killed, execs, or a break condition
// hands it off to an interactive debugger. It returns nil on any shutdown
// that is not a tracer-internal failure (a crashed or exec'd or
// exited/killed tracee is a normal outcome, not an error).
func Run(cfg config.Config, deps Deps) error {
	argv := append([]string{cfg.TargetPath}, cfg.TargetArgs...)
	pid, err := deps.Facade.SpawnAndAttach(cfg.TargetPath, argv, os.Environ())
	if err != nil {
		return fmt.Errorf("tracer: spawn target %q: %w", cfg.TargetPath, err)
	}
	deps.Logger.Debug("started target process", "pid", pid)

	ctx := NewContext(pid, cfg, deps.Logger, deps.Facade, deps.SignatureFinder, deps.Reporter)

	// Trace-options for the launched tracee are set once, immediately
	// after the initial stop and before the first Continue. Setting them
	// lazily inside the loop body races with the kernel sometimes resuming
	// the parent around a fork event before the option takes effect. The
	// only other SetOptions call is on a followed child after a fork event.
	opts := ptraceapi.Options{TraceExec: true}
	if cfg.FollowFork {
		opts.TraceFork = true
		opts.TraceVfork = true
		opts.TraceClone = true
	}
	if err := deps.Facade.SetOptions(pid, opts); err != nil {
		return fmt.Errorf("tracer: set trace options: %w", err)
	}

	entryAddr, err := procmap.EntryPoint(pid)
	if err != nil {
		return fmt.Errorf("tracer: locate entry point auxiliary vector: %w", err)
	}
	entryBP := &breakpoint.Breakpoint{
		Name:    "_entry",
		Address: entryAddr,
		Arity:   breakpoint.Arity0,
		HasPre:  true,
		Pre0:    func(c any) { c.(*Context).EntryHit() },
	}
	if _, err := ctx.table.Install(deps.Facade, pid, entryBP); err != nil {
		return fmt.Errorf("tracer: install entry breakpoint: %w", err)
	}

	for {
		if err := deps.Facade.Continue(ctx.pid, 0); err != nil {
			return fmt.Errorf("tracer: continue pid %d: %w", ctx.pid, err)
		}
		status, err := deps.Facade.Wait(ctx.pid)
		if err != nil {
			return fmt.Errorf("tracer: wait on pid %d: %w", ctx.pid, err)
		}

		done, err := ctx.handleStatus(deps.Facade, status)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if ctx.ShouldMapSyms() {
			ctx.ClearShouldMapSyms()
			if err := ctx.MapSymbols(); err != nil {
				return err
			}
		}
	}
}

// Deps bundles Run's external collaborators so the signature stays stable
// as more optional pieces (the signature finder, the gRPC reporter) are
// wired in.
type Deps struct {
	Facade          ptraceapi.Facade
	Logger          *slog.Logger
	SignatureFinder symbols.SignatureFinder
	Reporter        Reporter
}

// handleStatus classifies one wait status and acts on it. The returned
// bool is true when the event loop should stop (the tracee is gone or has
// been handed off).
func (c *Context) handleStatus(facade ptraceapi.Facade, status ptraceapi.Status) (bool, error) {
	switch status.Kind {
	case ptraceapi.StopExited, ptraceapi.StopKilledBySignal:
		c.shutdown(false)
		return true, nil

	case ptraceapi.StopSignal:
		if status.Signal == unix.SIGSEGV {
			c.logger.Error("process exited with signal SIGSEGV", "pid", c.pid, "core_dump", status.CoreDump)
			c.shutdown(false)
			if err := c.MaybeBreakSigsegv(); err != nil {
				c.logger.Error("handoff failed", "err", err)
			}
			return true, nil
		}
		c.logger.Warn("unexpected stop signal, passing through", "signal", status.Signal)
		if err := facade.Continue(c.pid, status.Signal); err != nil {
			return true, fmt.Errorf("tracer: pass through signal %v: %w", status.Signal, err)
		}
		return false, nil

	case ptraceapi.StopSigtrap:
		result, err := c.table.Dispatch(facade, c.pid, c)
		if err != nil {
			return true, fmt.Errorf("tracer: dispatch breakpoint: %w", err)
		}
		if result == breakpoint.NotABreakpoint {
			c.logger.Warn("trap at an address not in the breakpoint table, passing through")
		}
		return false, nil

	case ptraceapi.StopPtraceEvent:
		return c.handlePtraceEvent(facade, status)

	default:
		c.logger.Warn("hit unknown wait status, continuing with no signal")
		return false, nil
	}
}

func (c *Context) handlePtraceEvent(facade ptraceapi.Facade, status ptraceapi.Status) (bool, error) {
	switch status.Event {
	case ptraceapi.EventFork, ptraceapi.EventVfork, ptraceapi.EventClone:
		newPid, err := facade.GetEventMessage(c.pid)
		if err != nil {
			return true, fmt.Errorf("tracer: read new pid from fork event: %w", err)
		}
		if c.cfg.FollowFork {
			c.logger.Info("detected fork, following child", "parent", c.pid, "child", newPid)
			if err := facade.Detach(c.pid, unix.SIGCONT); err != nil {
				return true, fmt.Errorf("tracer: detach parent %d: %w", c.pid, err)
			}
			c.pid = int(newPid)
			opts := ptraceapi.Options{TraceExec: true, TraceFork: true, TraceVfork: true, TraceClone: true}
			if err := facade.SetOptions(c.pid, opts); err != nil {
				return true, fmt.Errorf("tracer: set trace options on followed child %d: %w", c.pid, err)
			}
		} else {
			c.logger.Debug("detected fork, not following (use --follow-fork)", "parent", c.pid, "child", newPid)
			if err := facade.Detach(int(newPid), unix.SIGSTOP); err != nil {
				return true, fmt.Errorf("tracer: detach child %d: %w", newPid, err)
			}
		}
		return false, nil

	case ptraceapi.EventExec:
		c.logger.Error("detaching because the process made a call to exec()", "pid", c.pid, "between_pre_and_post", c.betweenPreAndPost)
		c.shutdown(true)
		return true, nil

	default:
		c.logger.Warn("hit unknown ptrace-event subtype, continuing")
		return false, nil
	}
}

// shutdown logs final statistics and, if detach is true, detaches the
// tracee leaving it runnable. Exited/killed tracees have nothing left to
// detach from; only the exec-event path passes detach=true.
func (c *Context) shutdown(detach bool) {
	c.Stats()
	if detach {
		if err := c.facade.Detach(c.pid, unix.SIGCONT); err != nil {
			c.logger.Warn("failed to detach on shutdown", "err", err)
		}
	}
}
