// Package toolregistry declares the closed set of sandboxed tools the agent
// loop may call, their JSON Schemas for LLM tool-calling, and the argv
// builders that turn structured arguments into a Sandbox Executor
// invocation.
package toolregistry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter describes one argument a tool's builder accepts.
type Parameter struct {
	Name        string
	Type        string // "string", "integer", "boolean"
	Description string
	Required    bool
	Default     any
}

// Builder turns structured arguments into an argv slice for the Sandbox
// Executor. Empty strings in the returned slice are filtered by the
// registry before exec, supporting the `"" if cond else "-flag"` idiom for
// optional flags.
type Builder func(args map[string]any) []string

// Definition is a complete tool declaration.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Build       Builder
	Cacheable   bool
	CacheTTL    int // seconds; 0 means "infinite, rely on file-state invalidation"

	schema *jsonschema.Schema
}

// ToSchema renders the parameter list as a JSON Schema object, used both for
// argument validation and for the LLM-facing function-calling schema.
func (d *Definition) ToSchema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// ToLLMSchema renders the tool as an OpenAI-style function-calling
// declaration.
func (d *Definition) ToLLMSchema() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.ToSchema(),
		},
	}
}

func (d *Definition) compiledSchema() (*jsonschema.Schema, error) {
	if d.schema != nil {
		return d.schema, nil
	}
	raw, err := json.Marshal(d.ToSchema())
	if err != nil {
		return nil, fmt.Errorf("toolregistry: marshal schema for %q: %w", d.Name, err)
	}
	schema, err := jsonschema.CompileString(d.Name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("toolregistry: compile schema for %q: %w", d.Name, err)
	}
	d.schema = schema
	return schema, nil
}

// Registry holds the closed set of registered tool definitions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Unregister removes a tool, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		delete(r.tools, name)
		return true
	}
	return false
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// ListAll returns every registered definition, in no particular order.
func (r *Registry) ListAll() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}

// ListNames returns every registered tool's name, in no particular order.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// ToLLMSchema renders every registered tool as an OpenAI-style function
// declaration list.
func (r *Registry) ToLLMSchema() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def.ToLLMSchema())
	}
	return out
}

// BuildCommand validates args against the tool's declared schema, invokes
// its builder, and filters empty strings from the result. Returns a
// parse-error-flavored error without invoking the builder if validation
// fails.
func (r *Registry) BuildCommand(name string, args map[string]any) ([]string, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("toolregistry: unknown tool %q", name)
	}

	schema, err := def.compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(args); err != nil {
		return nil, fmt.Errorf("toolregistry: %q arguments invalid: %w", name, err)
	}

	raw := def.Build(args)
	cmd := make([]string, 0, len(raw))
	for _, arg := range raw {
		if arg != "" {
			cmd = append(cmd, arg)
		}
	}
	return cmd, nil
}

// IsCacheable reports whether name's results should be cached. Unknown
// tools are reported as non-cacheable.
func (r *Registry) IsCacheable(name string) bool {
	def, ok := r.Get(name)
	return ok && def.Cacheable
}

// CacheTTL returns the configured cache TTL in seconds for name, and
// whether the tool is known at all.
func (r *Registry) CacheTTL(name string) (int, bool) {
	def, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return def.CacheTTL, true
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func boolArg(args map[string]any, key string, def bool) bool {
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

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// NewDefault builds the registry with the seven read-only inspection tools,
// matching the original distillation's default flags exactly: grep
// (line_number=true, recursive=true, ignore_case=false), find (type="f"),
// head/tail (lines=10), ls (all=false, long=false), wc (lines=false,
// words=false).
func NewDefault() *Registry {
	r := New()

	r.Register(&Definition{
		Name:        "grep",
		Description: "Search for a pattern in files using grep",
		Parameters: []Parameter{
			{Name: "pattern", Type: "string", Description: "The regex pattern to search for", Required: true},
			{Name: "path", Type: "string", Description: "File or directory path to search", Required: true},
			{Name: "recursive", Type: "boolean", Description: "Search recursively in directories", Default: true},
			{Name: "ignore_case", Type: "boolean", Description: "Case insensitive search", Default: false},
			{Name: "line_number", Type: "boolean", Description: "Show line numbers", Default: true},
		},
		Build: func(args map[string]any) []string {
			flag := func(on bool, f string) string {
				if on {
					return f
				}
				return ""
			}
			return []string{
				"grep",
				flag(boolArg(args, "line_number", true), "-n"),
				flag(boolArg(args, "recursive", true), "-r"),
				flag(boolArg(args, "ignore_case", false), "-i"),
				stringArg(args, "pattern"),
				stringArg(args, "path"),
			}
		},
		Cacheable: true,
		CacheTTL:  300,
	})

	r.Register(&Definition{
		Name:        "find",
		Description: "Find files by name pattern",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Directory to search in", Required: true},
			{Name: "name", Type: "string", Description: "File name pattern (supports wildcards)", Required: true},
			{Name: "type", Type: "string", Description: "File type: f (file), d (directory)", Default: "f"},
		},
		Build: func(args map[string]any) []string {
			fileType := stringArg(args, "type")
			if fileType == "" {
				fileType = "f"
			}
			return []string{"find", stringArg(args, "path"), "-type", fileType, "-name", stringArg(args, "name")}
		},
		Cacheable: true,
		CacheTTL:  300,
	})

	r.Register(&Definition{
		Name:        "cat",
		Description: "Display entire file contents",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path to read", Required: true},
		},
		Build: func(args map[string]any) []string {
			return []string{"cat", stringArg(args, "path")}
		},
		Cacheable: true,
		CacheTTL:  0,
	})

	r.Register(&Definition{
		Name:        "head",
		Description: "Display first N lines of a file",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path to read", Required: true},
			{Name: "lines", Type: "integer", Description: "Number of lines to show", Default: 10},
		},
		Build: func(args map[string]any) []string {
			return []string{"head", "-n", strconv.Itoa(intArg(args, "lines", 10)), stringArg(args, "path")}
		},
		Cacheable: true,
		CacheTTL:  0,
	})

	r.Register(&Definition{
		Name:        "tail",
		Description: "Display last N lines of a file",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path to read", Required: true},
			{Name: "lines", Type: "integer", Description: "Number of lines to show", Default: 10},
		},
		Build: func(args map[string]any) []string {
			return []string{"tail", "-n", strconv.Itoa(intArg(args, "lines", 10)), stringArg(args, "path")}
		},
		Cacheable: true,
		CacheTTL:  0,
	})

	r.Register(&Definition{
		Name:        "ls",
		Description: "List directory contents",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Directory path to list", Required: true},
			{Name: "all", Type: "boolean", Description: "Show hidden files", Default: false},
			{Name: "long", Type: "boolean", Description: "Use long format", Default: false},
		},
		Build: func(args map[string]any) []string {
			flag := func(on bool, f string) string {
				if on {
					return f
				}
				return ""
			}
			return []string{
				"ls",
				flag(boolArg(args, "all", false), "-a"),
				flag(boolArg(args, "long", false), "-l"),
				stringArg(args, "path"),
			}
		},
		Cacheable: false,
	})

	r.Register(&Definition{
		Name:        "wc",
		Description: "Count lines, words, and characters in a file",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path to count", Required: true},
			{Name: "lines", Type: "boolean", Description: "Count lines only", Default: false},
			{Name: "words", Type: "boolean", Description: "Count words only", Default: false},
		},
		Build: func(args map[string]any) []string {
			flag := func(on bool, f string) string {
				if on {
					return f
				}
				return ""
			}
			return []string{
				"wc",
				flag(boolArg(args, "lines", false), "-l"),
				flag(boolArg(args, "words", false), "-w"),
				stringArg(args, "path"),
			}
		},
		Cacheable: false,
	})

	return r
}
