package preflight

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/Aman-CERP/unisearch/internal/config"
	"github.com/Aman-CERP/unisearch/internal/store"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status as its name in JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks.
type Checker struct {
	cfg     *config.Config
	verbose bool
	output  io.Writer
	getenv  func(string) string
	minDisk uint64
	minFDs  uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose prints check details.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// WithGetenv replaces the environment lookup used for provider tokens.
func WithGetenv(fn func(string) string) Option {
	return func(c *Checker) {
		c.getenv = fn
	}
}

// WithMinDiskSpace overrides MinDiskSpaceBytes.
func WithMinDiskSpace(bytes uint64) Option {
	return func(c *Checker) {
		c.minDisk = bytes
	}
}

// New creates a Checker for cfg.
func New(cfg *config.Config, opts ...Option) *Checker {
	c := &Checker{
		cfg:     cfg,
		output:  os.Stdout,
		getenv:  os.Getenv,
		minDisk: MinDiskSpaceBytes,
		minFDs:  MinFileDescriptors,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check in a fixed order.
func (c *Checker) RunAll() []CheckResult {
	dir := config.ExpandPath(c.cfg.Index.Path)

	var results []CheckResult
	results = append(results, c.CheckIndexDir(dir))
	results = append(results, c.CheckDiskSpace(dir))
	results = append(results, c.CheckFileDescriptors())
	results = append(results, c.CheckIndexLock(dir))
	results = append(results, c.CheckProviders()...)
	return results
}

// HasCriticalFailures reports whether a required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	return slices.ContainsFunc(results, CheckResult.IsCritical)
}

// SummaryStatus folds results into "failed", "ready_with_warnings" or "ready".
// An optional check that failed counts as a warning.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	if c.HasCriticalFailures(results) {
		return "failed"
	}
	degraded := slices.ContainsFunc(results, func(r CheckResult) bool {
		return r.Status != StatusPass
	})
	if degraded {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "unisearch doctor")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "       %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))

	var problems []string
	for _, r := range results {
		if r.Status != StatusPass {
			problems = append(problems, r.Name+": "+r.Message)
		}
	}
	if len(problems) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d issue(s):\n", len(problems))
		for _, p := range problems {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", p)
		}
	}
}

// CheckIndexDir checks that the index directory can be created and written.
func (c *Checker) CheckIndexDir(dir string) CheckResult {
	result := CheckResult{
		Name:     "index_dir",
		Required: true,
		Details:  dir,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create: %v", err)
		return result
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = "writable"
	return result
}

// CheckIndexLock warns when another process holds the index. Commands
// other than the one holding it will be refused until it exits.
func (c *Checker) CheckIndexLock(dir string) CheckResult {
	result := CheckResult{Name: "index_lock"}

	locked, err := store.DirLocked(dir)
	switch {
	case err != nil:
		result.Status = StatusWarn
		result.Message = err.Error()
	case locked:
		result.Status = StatusWarn
		result.Message = "held by another process"
		result.Details = "a running `unisearch serve` owns the index; stop it before indexing from the CLI"
	default:
		result.Status = StatusPass
		result.Message = "free"
	}
	return result
}
