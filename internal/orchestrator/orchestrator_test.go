package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/sandboxagent/internal/sandbox"
)

type fakeExecutor struct {
	calls   int32
	maxSeen int32
	current int32
	delay   time.Duration
	fail    map[string]bool
	panic   map[string]bool
}

func (f *fakeExecutor) Execute(ctx context.Context, argv []string) sandbox.Result {
	atomic.AddInt32(&f.calls, 1)
	cur := atomic.AddInt32(&f.current, 1)
	defer atomic.AddInt32(&f.current, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	name := argv[0]
	if f.panic != nil && f.panic[name] {
		panic("boom: " + name)
	}
	if f.fail != nil && f.fail[name] {
		return sandbox.Result{Success: false, Command: name, ReturnCode: 1}
	}
	return sandbox.Result{Success: true, Command: name, Stdout: name + "-ok"}
}

func TestExecuteParallelRespectsOrder(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(exec, WithMaxConcurrent(5))
	calls := []Call{
		{ID: "1", Name: "grep", Argv: []string{"grep"}},
		{ID: "2", Name: "find", Argv: []string{"find"}},
		{ID: "3", Name: "cat", Argv: []string{"cat"}},
	}
	results := o.ExecuteParallel(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"grep", "find", "cat"} {
		if results[i].Call.Name != want {
			t.Fatalf("index %d: expected %s, got %s", i, want, results[i].Call.Name)
		}
	}
}

func TestExecuteParallelBoundedBySemaphore(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	o := New(exec, WithMaxConcurrent(2))
	calls := make([]Call, 6)
	for i := range calls {
		calls[i] = Call{ID: string(rune('a' + i)), Name: "grep", Argv: []string{"grep"}}
	}
	o.ExecuteParallel(context.Background(), calls)
	if exec.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent executions, saw %d", exec.maxSeen)
	}
}

func TestExecuteSingleRecoversFromPanic(t *testing.T) {
	exec := &fakeExecutor{panic: map[string]bool{"grep": true}}
	o := New(exec)
	results := o.ExecuteParallel(context.Background(), []Call{{ID: "1", Name: "grep", Argv: []string{"grep"}}})
	if results[0].Result.Success {
		t.Fatal("expected panic to surface as a failed result")
	}
	if results[0].Result.ErrorKind != sandbox.KindExecutionError {
		t.Fatalf("expected execution_error, got %v", results[0].Result.ErrorKind)
	}
}

func TestPartialFailureDoesNotBlockSiblings(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]bool{"find": true}}
	o := New(exec)
	calls := []Call{
		{ID: "1", Name: "grep", Argv: []string{"grep"}},
		{ID: "2", Name: "find", Argv: []string{"find"}},
		{ID: "3", Name: "cat", Argv: []string{"cat"}},
	}
	results := o.ExecuteParallel(context.Background(), calls)
	if !results[0].Result.Success || results[1].Result.Success || !results[2].Result.Success {
		t.Fatalf("expected only find to fail, got %+v", results)
	}
}

func TestExecuteWithStrategyPreservesOriginalOrder(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(exec)
	calls := []Call{
		{ID: "1", Name: "cat", Argv: []string{"cat"}},
		{ID: "2", Name: "unknown_write_tool", Argv: []string{"unknown_write_tool"}},
		{ID: "3", Name: "grep", Argv: []string{"grep"}},
	}
	results := o.ExecuteWithStrategy(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"cat", "unknown_write_tool", "grep"} {
		if results[i].Call.Name != want {
			t.Fatalf("index %d: expected %s, got %s", i, want, results[i].Call.Name)
		}
	}
}

func TestExecuteSequentialRunsInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(exec)
	calls := []Call{
		{ID: "1", Name: "grep", Argv: []string{"grep"}},
		{ID: "2", Name: "find", Argv: []string{"find"}},
	}
	results := o.ExecuteSequential(context.Background(), calls)
	if exec.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", exec.calls)
	}
	if results[0].Call.Name != "grep" || results[1].Call.Name != "find" {
		t.Fatalf("unexpected order: %+v", results)
	}
}
