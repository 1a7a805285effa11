// Package orchestrator schedules a batch of tool calls from one LLM turn,
// running independent read-only calls in parallel under a bounded semaphore
// while preserving the caller's original ordering in the returned results.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/sandboxagent/internal/sandbox"
)

// readOnlyTools mirrors the original distillation's classification exactly,
// including "tree" which can never actually reach the Sandbox Executor
// through the Tool Registry (harmless, kept for fidelity).
var readOnlyTools = map[string]struct{}{
	"grep": {}, "find": {}, "cat": {}, "head": {}, "ls": {}, "tree": {}, "wc": {}, "tail": {},
}

// isReadOnly reports whether name is classified read-only. Unknown tools
// are NOT read-only: they are treated as mutating for safety.
func isReadOnly(name string) bool {
	_, ok := readOnlyTools[name]
	return ok
}

// Call is one tool invocation requested by the LLM in a single turn.
type Call struct {
	ID   string
	Name string
	Argv []string
}

// Pair couples a Call with its Result.
type Pair struct {
	Call   Call
	Result sandbox.Result
}

// Executor runs a single built command; satisfied by *sandbox.Executor.
type Executor interface {
	Execute(ctx context.Context, argv []string) sandbox.Result
}

// Config configures an Orchestrator.
type Config struct {
	MaxConcurrent int
	Logger        *slog.Logger
	InFlight      prometheus.Gauge
}

// Option customizes a Config.
type Option func(*Config)

func WithMaxConcurrent(n int) Option         { return func(c *Config) { c.MaxConcurrent = n } }
func WithLogger(l *slog.Logger) Option       { return func(c *Config) { c.Logger = l } }
func WithInFlightGauge(g prometheus.Gauge) Option { return func(c *Config) { c.InFlight = g } }

// Orchestrator dispatches tool calls against an Executor.
type Orchestrator struct {
	executor      Executor
	maxConcurrent int
	logger        *slog.Logger
	inFlight      prometheus.Gauge
}

// New creates an Orchestrator bounded to maxConcurrent in-flight child
// processes. MaxConcurrent <= 0 defaults to 5.
func New(executor Executor, opts ...Option) *Orchestrator {
	cfg := Config{MaxConcurrent: 5, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Orchestrator{
		executor:      executor,
		maxConcurrent: cfg.MaxConcurrent,
		logger:        cfg.Logger,
		inFlight:      cfg.InFlight,
	}
}

// executeSingle runs one call, recovering from panics in the Executor and
// converting them into an execution_error result.
func (o *Orchestrator) executeSingle(ctx context.Context, call Call) (result sandbox.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool execution panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			result = sandbox.Result{
				Success:    false,
				Stderr:     fmt.Sprintf("panic: %v", r),
				ReturnCode: -1,
				Command:    call.Name,
				ErrorKind:  sandbox.KindExecutionError,
			}
		}
	}()
	if o.inFlight != nil {
		o.inFlight.Inc()
		defer o.inFlight.Dec()
	}
	return o.executor.Execute(ctx, call.Argv)
}

// ExecuteParallel runs every call concurrently, bounded by a counting
// semaphore of capacity maxConcurrent. Results are returned in the same
// order as calls.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, calls []Call) []Pair {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Pair, len(calls))
	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Pair{Call: c, Result: sandbox.Result{
					Success:    false,
					Stderr:     "context canceled",
					ReturnCode: -1,
					Command:    c.Name,
					ErrorKind:  sandbox.KindExecutionError,
				}}
				return
			}
			results[idx] = Pair{Call: c, Result: o.executeSingle(ctx, c)}
		}(i, call)
	}
	wg.Wait()
	return results
}

// ExecuteSequential runs every call one at a time, in order.
func (o *Orchestrator) ExecuteSequential(ctx context.Context, calls []Call) []Pair {
	results := make([]Pair, 0, len(calls))
	for _, call := range calls {
		results = append(results, Pair{Call: call, Result: o.executeSingle(ctx, call)})
	}
	return results
}

// group is one batch of calls sharing an execution strategy. indices[i]
// gives the position of calls[i] in the original request, so results can be
// placed back in request order without relying on call.ID.
type group struct {
	calls    []Call
	indices  []int
	parallel bool
}

// analyzeDependencies partitions calls into a parallel read-only group
// followed by a sequential group for mutating/unknown tools. Unknown tools
// are logged at Warn and treated as mutating.
func (o *Orchestrator) analyzeDependencies(calls []Call) []group {
	var readOnly, mutating group
	for i, c := range calls {
		if isReadOnly(c.Name) {
			readOnly.calls = append(readOnly.calls, c)
			readOnly.indices = append(readOnly.indices, i)
			continue
		}
		o.logger.Warn("unknown tool treated as sequential", "tool", c.Name)
		mutating.calls = append(mutating.calls, c)
		mutating.indices = append(mutating.indices, i)
	}

	var groups []group
	if len(readOnly.calls) > 0 {
		readOnly.parallel = true
		groups = append(groups, readOnly)
	}
	if len(mutating.calls) > 0 {
		groups = append(groups, mutating)
	}
	return groups
}

// ExecuteWithStrategy partitions calls into read-only/mutating groups, runs
// each group with its strategy, then reorders every (call, result) pair back
// to calls' original order regardless of completion order. Calls are tracked
// by their position in calls, not call.ID, so duplicate or empty
// provider-supplied IDs can't collapse or misattribute results.
func (o *Orchestrator) ExecuteWithStrategy(ctx context.Context, calls []Call) []Pair {
	if len(calls) == 0 {
		return nil
	}

	groups := o.analyzeDependencies(calls)

	ordered := make([]Pair, len(calls))
	for _, g := range groups {
		var results []Pair
		if g.parallel {
			results = o.ExecuteParallel(ctx, g.calls)
		} else {
			results = o.ExecuteSequential(ctx, g.calls)
		}
		for i, p := range results {
			ordered[g.indices[i]] = p
		}
	}
	return ordered
}
