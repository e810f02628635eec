// Command heaptrace traces glibc heap allocator calls in a target process
// via ptrace-based software breakpoints, reporting each malloc/calloc/
// free/realloc/reallocarray call as it happens.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/CrackerCat/heaptrace/internal/config"
	"github.com/CrackerCat/heaptrace/internal/logging"
	"github.com/CrackerCat/heaptrace/internal/ptraceapi"
	"github.com/CrackerCat/heaptrace/internal/reporter"
	"github.com/CrackerCat/heaptrace/internal/symbols"
	"github.com/CrackerCat/heaptrace/internal/tracer"
)

var cfg = config.Default()
var configPath string

var rootCmd = &cobra.Command{
	Use:   "heaptrace -- target [args...]",
	Short: "Trace glibc heap allocator calls in a target process",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file; flags override its values")
	flags.BoolVarP(&cfg.FollowFork, "follow-fork", "F", false, "follow the target across fork/vfork/clone instead of detaching the child")
	flags.StringVarP(&cfg.Symbols, "symbols", "s", "", "symbol address overrides, e.g. 'malloc=libc+0x100,free=bin+0x200'")
	flags.Uint64Var(&cfg.BreakAt, "break-at", 0, "hand off to the interactive debugger when entering the allocator call with this operation id")
	flags.Uint64Var(&cfg.BreakAfter, "break-after", 0, "hand off to the interactive debugger once the allocator call with this operation id has returned")
	flags.BoolVar(&cfg.BreakAtMain, "break-at-main", false, "hand off to the interactive debugger at the target's entry point")
	flags.BoolVar(&cfg.BreakAtSigsegv, "break-at-sigsegv", false, "hand off to the interactive debugger if the target crashes with SIGSEGV")
	flags.StringVar(&cfg.GDBPath, "gdb-path", cfg.GDBPath, "interactive debugger binary execed on handoff")
	flags.StringVar(&cfg.ReportAddr, "report-addr", "", "if set, serve a gRPC event stream on this address (host:port)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		mergeFlagsOver(&fileCfg, cmd)
		cfg = fileCfg
	}

	cfg.TargetPath = args[0]
	cfg.TargetArgs = args[1:]
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Verbose)

	var rep *reporter.Server
	var reporterErrs = make(chan error, 1)
	if cfg.ReportAddr != "" {
		rep = reporter.New(logger)
		go func() {
			// grpc.Server.Serve returns nil after a graceful Stop, and
			// grpc.ErrServerStopped if Stop ran before Serve started; both
			// are the expected shutdown path, not a failure worth
			// aggregating.
			if err := rep.Serve(cfg.ReportAddr); err != nil && err != grpc.ErrServerStopped {
				reporterErrs <- err
				return
			}
			reporterErrs <- nil
		}()
	}

	deps := tracer.Deps{
		Facade:          ptraceapi.New(),
		Logger:          logger,
		SignatureFinder: symbols.NoSignatureFinder{},
		Reporter:        reportOrNil(rep),
	}

	runErr := tracer.Run(cfg, deps)

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, fmt.Errorf("tracer run: %w", runErr))
	}
	if rep != nil {
		rep.Stop()
		if err := <-reporterErrs; err != nil {
			result = multierror.Append(result, fmt.Errorf("reporter: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// reportOrNil adapts a possibly-nil *reporter.Server to a possibly-nil
// tracer.Reporter interface value; passing a typed nil *Server directly
// would produce a non-nil interface, breaking Context's `if c.reporter !=
// nil` check.
func reportOrNil(s *reporter.Server) tracer.Reporter {
	if s == nil {
		return nil
	}
	return s
}

// mergeFlagsOver overlays any cobra flags the user explicitly set on the
// command line onto fileCfg, so --config supplies defaults that flags can
// still override.
func mergeFlagsOver(fileCfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("follow-fork") {
		fileCfg.FollowFork = cfg.FollowFork
	}
	if flags.Changed("symbols") {
		fileCfg.Symbols = cfg.Symbols
	}
	if flags.Changed("break-at") {
		fileCfg.BreakAt = cfg.BreakAt
	}
	if flags.Changed("break-after") {
		fileCfg.BreakAfter = cfg.BreakAfter
	}
	if flags.Changed("break-at-main") {
		fileCfg.BreakAtMain = cfg.BreakAtMain
	}
	if flags.Changed("break-at-sigsegv") {
		fileCfg.BreakAtSigsegv = cfg.BreakAtSigsegv
	}
	if flags.Changed("gdb-path") {
		fileCfg.GDBPath = cfg.GDBPath
	}
	if flags.Changed("report-addr") {
		fileCfg.ReportAddr = cfg.ReportAddr
	}
	if flags.Changed("verbose") {
		fileCfg.Verbose = cfg.Verbose
	}
}
