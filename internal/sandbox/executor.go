// Package sandbox runs a fixed set of read-only inspection commands
// (grep, find, cat, head, tail, ls, wc) against files confined to a single
// root directory, enforcing command allow-listing, path containment,
// execution timeouts, and output size caps. Ported from the original
// Python SandboxExecutor, with spawning switched from a shell-interpreted
// subprocess to argv-based exec so no argument is ever subject to shell
// metacharacter expansion.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/sandboxagent/internal/metrics"
)

// allowedCommands is the fixed whitelist of POSIX-compliant commands that
// behave consistently across BSD (macOS) and GNU (Linux) userlands.
var allowedCommands = map[string]struct{}{
	"grep": {}, "find": {}, "cat": {}, "head": {}, "tail": {}, "ls": {}, "wc": {},
}

const (
	DefaultTimeout           = 30 * time.Second
	DefaultMaxOutputSize     = 1 << 20  // 1MB
	DefaultMaxFileSize int64 = 10 << 20 // 10MB
)

// Result is the outcome of a sandboxed command execution.
type Result struct {
	Success    bool
	Stdout     string
	Stderr     string
	ReturnCode int
	Command    string
	ErrorKind  ErrorKind
	Duration   time.Duration
}

// Config configures an Executor.
type Config struct {
	RootPath      string
	Timeout       time.Duration
	MaxOutputSize int
	MaxFileSize   int64
	Enabled       bool
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Metrics       *metrics.Metrics
}

// Option customizes a Config.
type Option func(*Config)

func WithRootPath(path string) Option       { return func(c *Config) { c.RootPath = path } }
func WithTimeout(d time.Duration) Option    { return func(c *Config) { c.Timeout = d } }
func WithMaxOutputSize(n int) Option        { return func(c *Config) { c.MaxOutputSize = n } }
func WithMaxFileSize(n int64) Option        { return func(c *Config) { c.MaxFileSize = n } }
func WithEnabled(enabled bool) Option       { return func(c *Config) { c.Enabled = enabled } }
func WithLogger(logger *slog.Logger) Option { return func(c *Config) { c.Logger = logger } }
func WithTracer(tracer trace.Tracer) Option { return func(c *Config) { c.Tracer = tracer } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Config) { c.Metrics = m } }

// Executor validates and runs whitelisted commands confined to RootPath.
type Executor struct {
	root          string
	timeout       time.Duration
	maxOutputSize int
	maxFileSize   int64
	enabled       bool
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *metrics.Metrics
}

// New creates an Executor. RootPath is created if it does not already
// exist. Enabled defaults to true; setting it false skips path sanitization
// and traversal checks (the command allow-list and the cat size gate still
// apply) and is intended for tests only, matching the original
// implementation's escape hatch.
func New(opts ...Option) (*Executor, error) {
	cfg := Config{
		Timeout:       DefaultTimeout,
		MaxOutputSize: DefaultMaxOutputSize,
		MaxFileSize:   DefaultMaxFileSize,
		Enabled:       true,
		Logger:        slog.Default(),
		Tracer:        otel.Tracer("sandboxagent/sandbox"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("sandbox: root path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root path: %w", err)
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("sandbox: create root path: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("sandbox: stat root path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	return &Executor{
		root:          root,
		timeout:       cfg.Timeout,
		maxOutputSize: cfg.MaxOutputSize,
		maxFileSize:   cfg.MaxFileSize,
		enabled:       cfg.Enabled,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
	}, nil
}

// ValidateCommand checks that argv[0]'s basename is in the allow-list.
func ValidateCommand(argv []string) error {
	if len(argv) == 0 {
		return NewError(KindCommandNotAllowed, "empty command", nil)
	}
	name := filepath.Base(argv[0])
	if _, ok := allowedCommands[name]; !ok {
		return NewError(KindCommandNotAllowed, fmt.Sprintf("command %q is not allowed", name), nil)
	}
	return nil
}

// ValidatePath resolves path against the sandbox root and rejects anything
// that escapes it, including via symlinks.
func (e *Executor) ValidatePath(path string) (string, error) {
	var target string
	if filepath.IsAbs(path) {
		target = filepath.Clean(path)
	} else {
		target = filepath.Join(e.root, path)
	}

	resolved := target
	if evaluated, err := filepath.EvalSymlinks(target); err == nil {
		resolved = evaluated
	}

	rel, err := filepath.Rel(e.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", NewError(KindPathTraversal, fmt.Sprintf("path %q is outside the sandbox root", path), nil)
	}
	return resolved, nil
}

// looksLikePath is a conservative heuristic distinguishing filesystem paths
// from grep patterns, counts, and glob arguments.
func (e *Executor) looksLikePath(arg string) bool {
	if strings.ContainsAny(arg, "*?") {
		return false
	}
	if strings.Contains(arg, "/") {
		return true
	}
	if arg == "." || arg == ".." {
		return true
	}
	if strings.Contains(arg, ".") && !strings.HasPrefix(arg, ".") {
		ext := arg[strings.LastIndex(arg, ".")+1:]
		if len(ext) <= 5 && isAlnum(ext) {
			return true
		}
	}
	if _, err := os.Stat(filepath.Join(e.root, arg)); err == nil {
		return true
	}
	return false
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// sanitizeCommand resolves path-like arguments to their absolute,
// sandbox-contained form; flags and non-path arguments pass through
// unchanged. When the executor is disabled, argv is returned verbatim.
func (e *Executor) sanitizeCommand(argv []string) ([]string, error) {
	if !e.enabled {
		return argv, nil
	}

	sanitized := make([]string, 0, len(argv))
	sanitized = append(sanitized, argv[0])

	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "-") {
			sanitized = append(sanitized, arg)
			continue
		}
		if !e.looksLikePath(arg) {
			sanitized = append(sanitized, arg)
			continue
		}
		resolved, err := e.ValidatePath(arg)
		if err != nil {
			if Kind(err) == KindPathTraversal {
				return nil, err
			}
			sanitized = append(sanitized, arg)
			continue
		}
		sanitized = append(sanitized, resolved)
	}
	return sanitized, nil
}

// checkFileSizeForCat rejects cat invocations against files over
// maxFileSize, hinting at head as an alternative.
func (e *Executor) checkFileSizeForCat(argv, sanitized []string) error {
	if filepath.Base(argv[0]) != "cat" {
		return nil
	}
	for _, arg := range sanitized[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		info, err := os.Stat(arg)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > e.maxFileSize {
			return NewError(KindFileTooLarge, fmt.Sprintf(
				"file %q (%s) exceeds maximum allowed size (%s); use 'head' to read the first N lines instead",
				filepath.Base(arg), formatSize(info.Size()), formatSize(e.maxFileSize),
			), nil)
		}
	}
	return nil
}

func formatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

// Execute validates, sanitizes, and runs argv, returning a Result that is
// always non-nil: validation and execution failures are captured in the
// Result rather than returned as an error, matching the caller contract
// that every tool call yields an ExecutionResult.
func (e *Executor) Execute(ctx context.Context, argv []string) Result {
	start := time.Now()
	commandStr := strings.Join(argv, " ")
	cmdName := ""
	if len(argv) > 0 {
		cmdName = filepath.Base(argv[0])
	}

	ctx, span := e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.command", commandStr),
	))
	defer span.End()

	if err := ValidateCommand(argv); err != nil {
		return e.failureResult(span, commandStr, cmdName, start, err)
	}

	sanitized, err := e.sanitizeCommand(argv)
	if err != nil {
		return e.failureResult(span, commandStr, cmdName, start, err)
	}
	sanitizedStr := strings.Join(sanitized, " ")

	if err := e.checkFileSizeForCat(argv, sanitized); err != nil {
		return e.failureResult(span, sanitizedStr, cmdName, start, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, sanitized[0], sanitized[1:]...)
	cmd.Dir = e.root
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + e.root,
		"LC_ALL=C.UTF-8",
	}

	stdout := newCappedWriter(e.maxOutputSize)
	stderr := newCappedWriter(e.maxOutputSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		e.logger.Warn("sandbox command timed out", "command", sanitizedStr, "timeout", e.timeout)
		err := NewError(KindTimeout, fmt.Sprintf("command timed out after %s", e.timeout), nil)
		return e.failureResult(span, sanitizedStr, cmdName, start, err)
	}

	// Decode as UTF-8 with replacement, then trim whole runes so a character
	// cut at the cap cannot push the output past maxOutputSize.
	decode := func(s string) string {
		s = strings.ToValidUTF8(s, "�")
		for e.maxOutputSize > 0 && len(s) > e.maxOutputSize {
			_, size := utf8.DecodeLastRuneInString(s)
			s = s[:len(s)-size]
		}
		return s
	}
	result := Result{
		Stdout:     decode(stdout.String()),
		Stderr:     decode(stderr.String()),
		Command:    sanitizedStr,
		ReturnCode: exitCode(runErr),
		Duration:   duration,
	}
	result.Success = result.ReturnCode == 0

	span.SetAttributes(attribute.Int("sandbox.exit_code", result.ReturnCode))
	if !result.Success {
		span.SetStatus(codes.Error, "non-zero exit")
	}
	e.recordExec(cmdName, result.Duration, result.ErrorKind)
	return result
}

// ExecuteFromString tokenizes cmdStr with shell-style quoting rules, then
// delegates to Execute.
func (e *Executor) ExecuteFromString(ctx context.Context, cmdStr string) Result {
	argv, err := splitShellWords(cmdStr)
	if err != nil {
		return Result{
			Success:    false,
			Stderr:     fmt.Sprintf("failed to parse command: %v", err),
			ReturnCode: -1,
			Command:    cmdStr,
			ErrorKind:  KindParseError,
		}
	}
	return e.Execute(ctx, argv)
}

func (e *Executor) failureResult(span trace.Span, command, cmdName string, start time.Time, err error) Result {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	kind := Kind(err)
	e.logger.Debug("sandbox command rejected", "command", command, "kind", kind, "error", err)
	duration := time.Since(start)
	e.recordExec(cmdName, duration, kind)
	return Result{
		Success:    false,
		Stderr:     err.Error(),
		ReturnCode: -1,
		Command:    command,
		ErrorKind:  kind,
		Duration:   duration,
	}
}

// recordExec observes one Execute outcome against the sandbox exec
// histogram/counter, when a Metrics bundle was supplied via WithMetrics.
func (e *Executor) recordExec(cmdName string, duration time.Duration, kind ErrorKind) {
	if e.metrics == nil {
		return
	}
	e.metrics.SandboxExecDuration.WithLabelValues(cmdName).Observe(duration.Seconds())
	e.metrics.SandboxExecCounter.WithLabelValues(cmdName, string(kind)).Inc()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// cappedWriter discards bytes beyond its limit instead of buffering them, so
// a runaway command cannot exhaust memory while it waits out its timeout.
type cappedWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newCappedWriter(limit int) *cappedWriter {
	return &cappedWriter{limit: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// splitShellWords tokenizes a command string honoring single quotes, double
// quotes, and backslash escapes, equivalent to the subset of POSIX shell
// word-splitting the original shlex.split(...) call relied on. No library
// in the example corpus provides shell tokenization, so this is hand-rolled
// against the standard library.
func splitShellWords(s string) ([]string, error) {
	var words []string
	var current strings.Builder
	hasCurrent := false

	runes := []rune(s)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t':
			if hasCurrent {
				words = append(words, current.String())
				current.Reset()
				hasCurrent = false
			}
			i++
		case r == '\'':
			hasCurrent = true
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					closed = true
					i++
					break
				}
				current.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated single quote")
			}
		case r == '"':
			hasCurrent = true
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '"' {
					closed = true
					i++
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\') {
					current.WriteRune(runes[i+1])
					i += 2
					continue
				}
				current.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated double quote")
			}
		case r == '\\':
			hasCurrent = true
			if i+1 < len(runes) {
				current.WriteRune(runes[i+1])
				i += 2
			} else {
				return nil, fmt.Errorf("trailing unescaped backslash")
			}
		default:
			hasCurrent = true
			current.WriteRune(r)
			i++
		}
	}
	if hasCurrent {
		words = append(words, current.String())
	}
	return words, nil
}
