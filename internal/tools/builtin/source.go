package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/tools"
)

type readSourceArgs struct {
	Path string `json:"path" jsonschema:"required,description=file path relative to the project root"`
}

type writeSourceArgs struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

type listSourceArgs struct {
	Path string `json:"path" jsonschema:"description=directory relative to the project root\\, default '.'"`
}

type runTestsArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=optional package pattern\\, default './...'"`
}

type gitCommitArgs struct {
	Message string `json:"message" jsonschema:"required"`
}

// RegisterSource adds the project-root-anchored tool family
// (write_source/read_source/list_source/run_tests/git_commit) to r. These
// tools operate against anchor rather than the workspace sandbox, per
// spec.md §4.1's "special out-of-sandbox mutating tool family".
func RegisterSource(r *tools.Registry, anchor *sandbox.ProjectAnchor) error {
	defs := []tools.Definition{
		{
			Name:        "read_source",
			Description: "Read a file from the project's own source tree (not the workspace).",
			SchemaJSON:  mustSchema(readSourceArgs{}),
			HasPathArg:  true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				abs, err := anchor.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: string(data)}
			},
		},
		{
			Name:        "write_source",
			Description: "Overwrite a file in the project's own source tree.",
			SchemaJSON:  mustSchema(writeSourceArgs{}),
			HasPathArg:  true,
			Mutating:    true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				abs, err := anchor.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}
			},
		},
		{
			Name:        "list_source",
			Description: "List files in the project's own source tree.",
			SchemaJSON:  mustSchema(listSourceArgs{}),
			HasPathArg:  true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				abs, err := anchor.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				entries, err := os.ReadDir(abs)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				sort.Strings(names)
				return tools.Result{Success: true, Output: strings.Join(names, "\n")}
			},
		},
		{
			Name:        "run_tests",
			Description: "Run the project's test suite (go test) and return its output.",
			SchemaJSON:  mustSchema(runTestsArgs{}),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				pattern, _ := args["pattern"].(string)
				if pattern == "" {
					pattern = "./..."
				}
				runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				defer cancel()
				cmd := exec.CommandContext(runCtx, "go", "test", pattern)
				cmd.Dir = anchor.Root()
				var out bytes.Buffer
				cmd.Stdout = &out
				cmd.Stderr = &out
				err := cmd.Run()
				if err != nil {
					return tools.Result{Success: false, Error: fmt.Sprintf("tests failed: %v\n%s", err, out.String())}
				}
				return tools.Result{Success: true, Output: out.String()}
			},
		},
		{
			Name:        "git_commit",
			Description: "Stage all changes in the project and commit them with the given message.",
			SchemaJSON:  mustSchema(gitCommitArgs{}),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				message, _ := args["message"].(string)
				if message == "" {
					message = "conductor: automated commit"
				}
				if err := gitExec(ctx, anchor.Root(), "add", "-A"); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				if err := gitExec(ctx, anchor.Root(), "commit", "-m", message); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: "committed: " + message}
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func gitExec(ctx context.Context, dir string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return nil
}
