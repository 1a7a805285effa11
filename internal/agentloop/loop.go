// Package agentloop implements the iterative call-LLM/execute-tools/feed-
// results cycle that turns a user message into a final assistant reply,
// consulting the Content and Search caches for read-heavy tool calls and
// dispatching everything else through the Orchestrator. Ported from the
// original FilesystemAgent.chat/chat_stream.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/sandboxagent/internal/contentcache"
	"github.com/haasonsaas/sandboxagent/internal/metrics"
	"github.com/haasonsaas/sandboxagent/internal/orchestrator"
	"github.com/haasonsaas/sandboxagent/internal/sandbox"
	"github.com/haasonsaas/sandboxagent/internal/searchcache"
	"github.com/haasonsaas/sandboxagent/internal/sessions"
	"github.com/haasonsaas/sandboxagent/internal/toolregistry"
)

// DefaultSystemPrompt is used when Config.SystemPrompt is left empty.
const DefaultSystemPrompt = `You are a helpful assistant that explores and analyzes documents in a sandboxed file tree using grep, find, cat, head, tail, ls, and wc. Prefer head or grep over cat for large files, explain what you are about to do, and summarize findings clearly.`

// DefaultMaxToolIterations bounds the tool-use loop when Config leaves it unset.
const DefaultMaxToolIterations = 10

// maxIterationsMessage is returned when the loop exhausts its iteration
// budget without the LLM producing a final answer.
const maxIterationsMessage = "I've reached the maximum number of operations. Here's what I found so far based on the tool results above."

// ToolCallRecord is one parsed tool call from an LLM turn.
type ToolCallRecord struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResultRecord pairs a tool call with its execution outcome.
type ToolResultRecord struct {
	ToolCallID string
	ToolName   string
	Result     sandbox.Result
}

// AgentResponse is the outcome of one non-streaming chat turn.
type AgentResponse struct {
	Message     string
	ToolCalls   []ToolCallRecord
	ToolResults []ToolResultRecord
}

// Config configures an AgenticLoop.
type Config struct {
	SystemPrompt      string
	MaxToolIterations int
	ParallelExecution bool
	Logger            *slog.Logger
	Tracer            trace.Tracer
	Metrics           *metrics.Metrics
}

// Option customizes a Config.
type Option func(*Config)

func WithSystemPrompt(p string) Option           { return func(c *Config) { c.SystemPrompt = p } }
func WithMaxToolIterations(n int) Option         { return func(c *Config) { c.MaxToolIterations = n } }
func WithParallelExecution(on bool) Option       { return func(c *Config) { c.ParallelExecution = on } }
func WithLogger(l *slog.Logger) Option           { return func(c *Config) { c.Logger = l } }
func WithTracer(t trace.Tracer) Option           { return func(c *Config) { c.Tracer = t } }
func WithMetrics(m *metrics.Metrics) Option      { return func(c *Config) { c.Metrics = m } }

// AgenticLoop consumes a user message and session history and produces a
// final assistant message, dispatching any LLM-requested tool calls through
// the Orchestrator (with cache routing for cat/head/grep/find) until the
// LLM stops requesting tools or the iteration cap is hit.
//
// One AgenticLoop instance serves many sessions concurrently; per-session
// mutual exclusion is delegated entirely to the Session Repository's
// per-session lock, held for the whole turn via LockForTurn.
type AgenticLoop struct {
	provider     LLMProvider
	registry     *toolregistry.Registry
	sandbox      *sandbox.Executor
	orchestrator *orchestrator.Orchestrator
	sessions     *sessions.Repository
	contentCache *contentcache.Cache
	searchCache  *searchcache.Cache

	systemPrompt string
	maxIterations int
	parallel      bool
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *metrics.Metrics
}

// New creates an AgenticLoop. contentCache and searchCache may be nil, in
// which case cacheable tools fall straight through to the Sandbox Executor.
func New(
	provider LLMProvider,
	registry *toolregistry.Registry,
	sandboxExec *sandbox.Executor,
	orch *orchestrator.Orchestrator,
	sessionRepo *sessions.Repository,
	contentCache *contentcache.Cache,
	searchCache *searchcache.Cache,
	opts ...Option,
) *AgenticLoop {
	cfg := Config{
		SystemPrompt:      DefaultSystemPrompt,
		MaxToolIterations: DefaultMaxToolIterations,
		ParallelExecution: true,
		Logger:            slog.Default(),
		Tracer:            otel.Tracer("sandboxagent/agentloop"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("sandboxagent/agentloop")
	}

	return &AgenticLoop{
		provider:      provider,
		registry:      registry,
		sandbox:       sandboxExec,
		orchestrator:  orch,
		sessions:      sessionRepo,
		contentCache:  contentCache,
		searchCache:   searchCache,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxToolIterations,
		parallel:      cfg.ParallelExecution,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
	}
}

// Chat processes one user message against sessionID's history and returns
// the final assistant response, running the tool-use loop as needed.
func (l *AgenticLoop) Chat(ctx context.Context, sessionID, userMessage string) (AgentResponse, error) {
	ctx, span := l.tracer.Start(ctx, "agentloop.chat", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	session, unlock := l.sessions.LockForTurn(sessionID)
	defer unlock()

	session.AddMessage(sessions.Message{Role: "user", Content: userMessage})
	messages := l.initialMessages(session)

	var allCalls []ToolCallRecord
	var allResults []ToolResultRecord

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		resp, err := l.provider.GenerateResponse(ctx, messages, l.registry.ToLLMSchema())
		if err != nil {
			span.RecordError(err)
			return AgentResponse{}, fmt.Errorf("agentloop: generate response: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			session.AddMessage(sessions.Message{Role: "assistant", Content: resp.Content})
			return AgentResponse{Message: resp.Content, ToolCalls: allCalls, ToolResults: allResults}, nil
		}

		calls := parseToolCalls(resp.ToolCalls)
		allCalls = append(allCalls, calls...)

		session.AddMessage(sessions.Message{Role: "assistant", Content: resp.Content, ToolCalls: toToolCallRefs(calls)})
		messages = append(messages, Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		pairs := l.executeCalls(ctx, calls)
		for _, pair := range pairs {
			output := pair.Result.Stdout
			if !pair.Result.Success {
				output = "Error: " + pair.Result.Stderr
			}
			session.AddMessage(sessions.Message{Role: "tool", Content: output, ToolCallID: pair.Call.ID})
			messages = append(messages, Message{Role: "tool", Content: output, ToolCallID: pair.Call.ID})
			allResults = append(allResults, ToolResultRecord{ToolCallID: pair.Call.ID, ToolName: pair.Call.Name, Result: pair.Result})
		}
	}

	l.logger.Warn("max tool iterations reached", "session", sessionID, "iterations", l.maxIterations)
	session.AddMessage(sessions.Message{Role: "assistant", Content: maxIterationsMessage})
	return AgentResponse{Message: maxIterationsMessage, ToolCalls: allCalls, ToolResults: allResults}, nil
}

// initialMessages builds the provider-facing message list: system prompt,
// then the session's prior history (already including the just-appended
// user message).
func (l *AgenticLoop) initialMessages(session *sessions.Session) []Message {
	history := session.GetHistory()
	out := make([]Message, 0, len(history)+1)
	out = append(out, Message{Role: "system", Content: l.systemPrompt})
	for _, m := range history {
		out = append(out, Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	return out
}

func parseToolCalls(reqs []ToolCallRequest) []ToolCallRecord {
	out := make([]ToolCallRecord, len(reqs))
	for i, r := range reqs {
		out[i] = ToolCallRecord{ID: r.ID, Name: r.Name, Args: parseArguments(r.RawArguments)}
	}
	return out
}

// parseArguments decodes raw as a JSON object; on parse failure the raw
// string is wrapped under a single "raw" field and left for the tool's
// schema validation to reject.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func toToolCallRefs(calls []ToolCallRecord) []sessions.ToolCallRef {
	out := make([]sessions.ToolCallRef, len(calls))
	for i, c := range calls {
		out[i] = sessions.ToolCallRef{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return out
}

// callResultPair couples a ToolCallRecord with its execution Result.
type callResultPair struct {
	Call   ToolCallRecord
	Result sandbox.Result
}

// contentRoutedTools/searchRoutedTools name the tools whose results are
// served through the Content/Search caches rather than executed directly
// on every call, mirroring the original's _execute_tool special-casing.
var contentRoutedTools = map[string]bool{"cat": true, "head": true}
var searchRoutedTools = map[string]bool{"grep": true, "find": true}

// executeCalls dispatches calls, routing cacheable reads through the
// Content/Search caches (run concurrently with the Orchestrator dispatch
// for everything else) and returns results in the
// original call order.
func (l *AgenticLoop) executeCalls(ctx context.Context, calls []ToolCallRecord) []callResultPair {
	results := make(map[string]sandbox.Result, len(calls))
	var mu sync.Mutex
	set := func(id string, r sandbox.Result) {
		mu.Lock()
		results[id] = r
		mu.Unlock()
	}

	var cached, direct []ToolCallRecord
	for _, c := range calls {
		if l.routeToCache(c.Name) {
			cached = append(cached, c)
		} else {
			direct = append(direct, c)
		}
	}

	var wg sync.WaitGroup
	if len(cached) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.executeCachedCalls(ctx, cached, set)
		}()
	}

	if len(direct) > 0 {
		orchCalls := make([]orchestrator.Call, 0, len(direct))
		buildFailures := make([]callResultPair, 0)
		for _, c := range direct {
			argv, err := l.registry.BuildCommand(c.Name, c.Args)
			if err != nil {
				buildFailures = append(buildFailures, callResultPair{Call: c, Result: parseErrorResult(c.Name, err)})
				continue
			}
			orchCalls = append(orchCalls, orchestrator.Call{ID: c.ID, Name: c.Name, Argv: argv})
		}
		for _, f := range buildFailures {
			set(f.Call.ID, f.Result)
		}
		if len(orchCalls) > 0 {
			var pairs []orchestrator.Pair
			if l.parallel {
				pairs = l.orchestrator.ExecuteWithStrategy(ctx, orchCalls)
			} else {
				pairs = l.orchestrator.ExecuteSequential(ctx, orchCalls)
			}
			for _, p := range pairs {
				set(p.Call.ID, p.Result)
			}
		}
	}

	wg.Wait()

	out := make([]callResultPair, 0, len(calls))
	for _, c := range calls {
		out = append(out, callResultPair{Call: c, Result: results[c.ID]})
	}
	return out
}

func (l *AgenticLoop) routeToCache(name string) bool {
	if l.contentCache != nil && contentRoutedTools[name] {
		return true
	}
	if l.searchCache != nil && searchRoutedTools[name] {
		return true
	}
	return false
}

// executeCachedCalls runs every cache-routed call. When parallel execution
// is enabled and there is more than one call, each call runs in its own
// goroutine with no concurrency bound (the Orchestrator's max-concurrent
// semaphore does not apply to these calls); otherwise it runs them in order.
func (l *AgenticLoop) executeCachedCalls(ctx context.Context, calls []ToolCallRecord, set func(string, sandbox.Result)) {
	if !l.parallel || len(calls) < 2 {
		for _, c := range calls {
			set(c.ID, l.executeSingleCached(ctx, c))
		}
		return
	}

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(call ToolCallRecord) {
			defer wg.Done()
			set(call.ID, l.executeSingleCached(ctx, call))
		}(c)
	}
	wg.Wait()
}

func (l *AgenticLoop) executeSingleCached(ctx context.Context, call ToolCallRecord) sandbox.Result {
	switch call.Name {
	case "cat", "head":
		return l.executeContentRouted(ctx, call)
	case "grep", "find":
		return l.executeSearchRouted(ctx, call)
	default:
		return l.executeDirectSingle(ctx, call)
	}
}

func (l *AgenticLoop) executeDirectSingle(ctx context.Context, call ToolCallRecord) sandbox.Result {
	argv, err := l.registry.BuildCommand(call.Name, call.Args)
	if err != nil {
		return parseErrorResult(call.Name, err)
	}
	return l.sandbox.Execute(ctx, argv)
}

// executeContentRouted serves cat/head through the Content Cache. On any
// resolution failure the call fails outright (no fallback), matching the
// original's _cached_read_file behavior.
func (l *AgenticLoop) executeContentRouted(ctx context.Context, call ToolCallRecord) sandbox.Result {
	argv, err := l.registry.BuildCommand(call.Name, call.Args)
	if err != nil {
		return parseErrorResult(call.Name, err)
	}
	path, _ := call.Args["path"].(string)
	resolved, err := l.sandbox.ValidatePath(path)
	if err != nil {
		return sandbox.Result{Success: false, Stderr: err.Error(), ReturnCode: -1, Command: strings.Join(argv, " "), ErrorKind: sandbox.Kind(err)}
	}

	var loaderInvoked bool
	content, err := l.contentCache.GetContent(resolved, func(string) (string, error) {
		loaderInvoked = true
		l.recordCacheResult("content", "miss")
		res := l.sandbox.Execute(ctx, argv)
		if !res.Success {
			return "", fmt.Errorf("%s", res.Stderr)
		}
		return res.Stdout, nil
	}, -1)
	if err != nil {
		return sandbox.Result{Success: false, Stderr: err.Error(), ReturnCode: -1, Command: strings.Join(argv, " "), ErrorKind: sandbox.KindExecutionError}
	}
	if !loaderInvoked {
		l.recordCacheResult("content", "hit")
	}
	return sandbox.Result{Success: true, Stdout: content, Command: strings.Join(argv, " ")}
}

// executeSearchRouted serves grep/find through the Search Cache. On any
// resolution failure it falls back to a direct sandbox execution, matching
// the original's _cached_search broad except-fallback.
func (l *AgenticLoop) executeSearchRouted(ctx context.Context, call ToolCallRecord) sandbox.Result {
	argv, err := l.registry.BuildCommand(call.Name, call.Args)
	if err != nil {
		return parseErrorResult(call.Name, err)
	}

	pattern, scope, options, err := searchKey(call)
	if err != nil {
		return l.sandbox.Execute(ctx, argv)
	}
	resolvedScope, err := l.sandbox.ValidatePath(scope)
	if err != nil {
		return l.sandbox.Execute(ctx, argv)
	}

	if cached, hit := l.searchCache.GetSearchResult(call.Name, pattern, resolvedScope, options); hit {
		l.recordCacheResult("search", "hit")
		return sandbox.Result{Success: true, Stdout: cached, Command: strings.Join(argv, " ")}
	}
	l.recordCacheResult("search", "miss")

	res := l.sandbox.Execute(ctx, argv)
	if res.Success {
		_ = l.searchCache.SetSearchResult(call.Name, pattern, resolvedScope, options, res.Stdout, -1)
	}
	return res
}

func searchKey(call ToolCallRecord) (pattern, scope string, options map[string]string, err error) {
	path, _ := call.Args["path"].(string)
	if path == "" {
		return "", "", nil, fmt.Errorf("agentloop: %s call missing path", call.Name)
	}
	switch call.Name {
	case "grep":
		pattern, _ = call.Args["pattern"].(string)
		options = map[string]string{
			"recursive":   fmt.Sprintf("%v", boolArgDefault(call.Args, "recursive", true)),
			"ignore_case": fmt.Sprintf("%v", boolArgDefault(call.Args, "ignore_case", false)),
		}
	case "find":
		pattern, _ = call.Args["name"].(string)
		fileType, _ := call.Args["type"].(string)
		if fileType == "" {
			fileType = "f"
		}
		options = map[string]string{"type": fileType}
	default:
		return "", "", nil, fmt.Errorf("agentloop: %s is not a search-routed tool", call.Name)
	}
	return pattern, path, options, nil
}

func boolArgDefault(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (l *AgenticLoop) recordCacheResult(cache, result string) {
	if l.metrics == nil {
		return
	}
	l.metrics.CacheResult.WithLabelValues(cache, result).Inc()
}

func parseErrorResult(toolName string, err error) sandbox.Result {
	return sandbox.Result{
		Success:    false,
		Stderr:     err.Error(),
		ReturnCode: -1,
		Command:    toolName,
		ErrorKind:  sandbox.KindParseError,
	}
}
