// Package handoff implements the tracer's one-way exit into an interactive
// debugger: uninstall every breakpoint, detach the tracee stopped, and
// replace the tracer's own process image with the debugger.
package handoff

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/CrackerCat/heaptrace/internal/breakpoint"
	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
)

// CheckShouldBreak implements spec §4.6. When matched is false it is a
// no-op. When matched is true, it uninstalls every breakpoint in table,
// detaches pid leaving it stopped (SIGSTOP), and execs gdbPath -p <pid> in
// place of the calling process. On success this never returns; the
// interactive debugger owns the tracee from that point on.
func CheckShouldBreak(facade ptraceapi.Facade, table *breakpoint.Table, pid int, gdbPath string, matched bool) error {
	if !matched {
		return nil
	}

	if err := table.UninstallAll(facade, pid); err != nil {
		return fmt.Errorf("handoff: uninstall breakpoints before handoff: %w", err)
	}
	if err := facade.Detach(pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("handoff: detach pid %d: %w", pid, err)
	}

	argv := []string{gdbPath, "-p", fmt.Sprintf("%d", pid)}
	if err := syscall.Exec(gdbPath, argv, os.Environ()); err != nil {
		return fmt.Errorf("handoff: exec %s -p %d: %w", gdbPath, pid, err)
	}
	panic("handoff: syscall.Exec returned without error")
}
