// Package tools implements the process-wide tool registry and dispatch
// contract of spec.md §4.1: register(name, schema, handler), invoke(name,
// arguments), schemas(), describe_for_prompt(). Parameter schemas are
// authored as JSON-Schema literals and validated with
// github.com/santhosh-tekuri/jsonschema/v6 before a handler ever sees
// untyped arguments — the re-architecture spec.md §9 calls for in place of
// the Python source's dynamic keyword-argument unpacking.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Result is the outcome of a single tool invocation. It is never an error
// value the registry raises — unknown tools and handler failures are both
// reported as Result{Success: false}, matching spec.md's "never raises"
// invocation contract.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// String renders the Result the way it is fed back to the model as a
// tool-role message's content.
func (r Result) String() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}

// Handler executes one tool invocation against validated, decoded arguments.
type Handler func(ctx context.Context, args map[string]any) Result

// AutoCommitFunc stages and commits the workspace after a successful
// mutating tool call. Failures are swallowed by the registry, never
// propagated — spec.md §4.1: "failures in auto-commit are swallowed".
type AutoCommitFunc func(ctx context.Context, toolName string) error

// Definition is one registered capability.
type Definition struct {
	Name        string
	Description string
	SchemaJSON  json.RawMessage
	HasPathArg  bool
	Mutating    bool
	Handler     Handler

	schema *jsonschema.Schema
}

// Registry is the process-wide mapping from tool name to Definition. Safe
// for concurrent registration (last-writer-wins on a given name, per
// spec.md §5) and concurrent invocation.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Definition
	autoCommit AutoCommitFunc
}

// New returns an empty Registry. autoCommit may be nil, in which case
// mutating tools simply skip the auto-commit side-effect.
func New(autoCommit AutoCommitFunc) *Registry {
	return &Registry{tools: make(map[string]*Definition), autoCommit: autoCommit}
}

// Register compiles def's JSON schema and adds it to the registry.
func (r *Registry) Register(def Definition) error {
	compiler := jsonschema.NewCompiler()
	if len(def.SchemaJSON) > 0 {
		var doc any
		if err := json.Unmarshal(def.SchemaJSON, &doc); err != nil {
			return fmt.Errorf("tool %s: invalid schema JSON: %w", def.Name, err)
		}
		res := fmt.Sprintf("mem://tools/%s.json", def.Name)
		if err := compiler.AddResource(res, doc); err != nil {
			return fmt.Errorf("tool %s: add schema resource: %w", def.Name, err)
		}
		schema, err := compiler.Compile(res)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
		}
		def.schema = schema
	}

	r.mu.Lock()
	r.tools[def.Name] = &def
	r.mu.Unlock()
	return nil
}

// Invoke normalizes path-bearing arguments, validates arguments against the
// tool's schema, dispatches to its handler, and runs the auto-commit hook on
// a successful mutating call. It never panics or returns a Go error for a
// bad tool name or argument shape — those become Result{Success: false}.
func (r *Registry) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) Result {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("tool '%s' not found", name)}
	}

	var args map[string]any
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("invalid arguments for '%s': %v", name, err)}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	rawPath, _ := args["path"].(string)
	if def.HasPathArg {
		args["path"] = normalizePathArg(rawPath)
	}

	if def.schema != nil {
		if err := def.schema.Validate(args); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("invalid arguments for '%s': %v", name, err)}
		}
	}

	result := def.Handler(ctx, args)

	if !result.Success && def.HasPathArg {
		result.Error = enrichPathError(rawPath, args["path"].(string), result.Error)
	}

	if result.Success && def.Mutating && r.autoCommit != nil {
		_ = r.autoCommit(ctx, name) // best effort, per spec.md §4.1
	}

	return result
}

func normalizePathArg(p string) string {
	switch p {
	case "", ".", "./", `.\`:
		return "."
	default:
		return p
	}
}

func enrichPathError(raw, normalized, errMsg string) string {
	return fmt.Sprintf("%s (raw=%q normalized=%q; use list_files/check_path first)", errMsg, raw, normalized)
}

// SchemaDescriptor is one tool rendered in a provider's function-calling
// shape: {name, description, parameters}.
type SchemaDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Schemas returns every registered tool's descriptor, sorted by name for
// deterministic wire output.
func (r *Registry) Schemas() []SchemaDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SchemaDescriptor, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, SchemaDescriptor{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.SchemaJSON,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DescribeForPrompt renders a human-readable capability listing for a role
// system prompt.
func (r *Registry) DescribeForPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for _, name := range names {
		def := r.tools[name]
		out += fmt.Sprintf("- %s: %s\n", def.Name, def.Description)
	}
	return out
}
