// Package config defines the tracer's run configuration: everything that
// used to live as process-wide globals in the C original now threads
// through a single value constructed once at startup.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BreakCondition names which sentinel, if any, should pause the tracee and
// hand it off to an interactive debugger.
type BreakCondition string

const (
	BreakNone     BreakCondition = ""
	BreakAtOID    BreakCondition = "oid"
	BreakAfterOID BreakCondition = "after_oid"
	BreakAtMain   BreakCondition = "main"
	BreakSigsegv  BreakCondition = "sigsegv"
)

// Config is the fully-resolved set of options governing one tracer run.
// Flags passed on the command line take precedence over a YAML file loaded
// via --config; zero values in the file are not distinguishable from
// "unset", so cobra's own flag-changed tracking decides precedence in
// cmd/heaptrace, not this package.
type Config struct {
	// TargetPath is the absolute or PATH-resolved executable to trace.
	TargetPath string `yaml:"target_path"`
	// TargetArgs are the argv entries passed to the target, not including
	// argv[0].
	TargetArgs []string `yaml:"target_args"`

	// FollowFork traces the child across fork/vfork/clone instead of
	// detaching it.
	FollowFork bool `yaml:"follow_fork"`

	// Symbols is a raw `name=module±offset` override spec, e.g.
	// "malloc=libc+0x100,free=bin+0x200".
	Symbols string `yaml:"symbols"`

	// BreakAt, when Condition == BreakAtOID, is the operation id at which
	// to hand off to the debugger, checked when that operation begins.
	BreakAt uint64 `yaml:"break_at"`
	// BreakAfter, when Condition == BreakAfterOID, is the operation id
	// after which to hand off to the debugger, checked once that
	// operation has completed. Distinct from BreakAt: the original
	// tracks these as two separate globals (BREAK_AT and BREAK_AFTER)
	// because "break on entering call N" and "break once call N has
	// returned" are different points in the run.
	BreakAfter uint64 `yaml:"break_after"`
	// Condition selects which break sentinel is armed. At most one of
	// BreakAtOID/BreakAfterOID/BreakAtMain/BreakSigsegv is meaningful per
	// run; an empty Condition means no break is armed.
	Condition      BreakCondition `yaml:"-"`
	BreakAtMain    bool           `yaml:"break_at_main"`
	BreakAtSigsegv bool           `yaml:"break_at_sigsegv"`

	// GDBPath is the interactive debugger binary execed on handoff.
	GDBPath string `yaml:"gdb_path"`

	// ReportAddr, if non-empty, starts a gRPC reporting server on this
	// address ("host:port") streaming one message per allocator op.
	ReportAddr string `yaml:"report_addr"`

	// Verbose enables the extra per-event debug logging the original
	// gated behind OPT_VERBOSE.
	Verbose bool `yaml:"verbose"`
}

// Default returns a Config with the same defaults the original hardcodes:
// gdb at its conventional path, no break condition armed, fork-following
// off.
func Default() Config {
	return Config{
		GDBPath: "/usr/bin/gdb",
	}
}

// LoadFile reads and validates a YAML config file. Fields not present in
// the file keep their Default() value; the caller merges this with
// flag-supplied values.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.normalize()
}

// Validate checks invariants that cobra's flag parser cannot express
// (mutual exclusion between break conditions, a target path being set).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TargetPath) == "" {
		return fmt.Errorf("config: target path is required")
	}
	armed := 0
	if c.BreakAt != 0 {
		armed++
	}
	if c.BreakAfter != 0 {
		armed++
	}
	if c.BreakAtMain {
		armed++
	}
	if c.BreakAtSigsegv {
		armed++
	}
	if armed > 1 {
		return fmt.Errorf("config: at most one of --break-at, --break-after, --break-at-main, --break-at-sigsegv may be set")
	}
	return c.normalize()
}

// normalize derives Condition from whichever break flag is set.
func (c *Config) normalize() error {
	switch {
	case c.BreakAt != 0:
		c.Condition = BreakAtOID
	case c.BreakAfter != 0:
		c.Condition = BreakAfterOID
	case c.BreakAtMain:
		c.Condition = BreakAtMain
	case c.BreakAtSigsegv:
		c.Condition = BreakSigsegv
	default:
		c.Condition = BreakNone
	}
	if strings.TrimSpace(c.GDBPath) == "" {
		c.GDBPath = "/usr/bin/gdb"
	}
	return nil
}
