package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/tools"
)

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=file path relative to the workspace root"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=file path relative to the workspace root"`
	Content string `json:"content" jsonschema:"required,description=full file content to write"`
}

type appendFileArgs struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

type deleteFileArgs struct {
	Path string `json:"path" jsonschema:"required"`
}

type listFilesArgs struct {
	Path string `json:"path" jsonschema:"description=directory to list\\, relative to the workspace root\\, default '.'"`
}

type makeDirArgs struct {
	Path string `json:"path" jsonschema:"required"`
}

type editFileArgs struct {
	Path      string `json:"path" jsonschema:"required"`
	OldString string `json:"old_string" jsonschema:"required,description=exact text to find"`
	NewString string `json:"new_string" jsonschema:"required,description=replacement text"`
}

// RegisterFilesystem adds the workspace-scoped file tools to r, resolving
// every path argument against ws.
func RegisterFilesystem(r *tools.Registry, ws *sandbox.Sandbox) error {
	defs := []tools.Definition{
		{
			Name:        "read_file",
			Description: "Read the full contents of a text file in the workspace.",
			SchemaJSON:  mustSchema(readFileArgs{}),
			HasPathArg:  true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				abs, err := ws.Resolve(path)
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
			Name:        "write_file",
			Description: "Overwrite (or create) a file in the workspace with the given content.",
			SchemaJSON:  mustSchema(writeFileArgs{}),
			HasPathArg:  true,
			Mutating:    true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				abs, err := ws.Resolve(path)
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
			Name:        "append_file",
			Description: "Append content to the end of an existing (or new) file in the workspace.",
			SchemaJSON:  mustSchema(appendFileArgs{}),
			HasPathArg:  true,
			Mutating:    true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				abs, err := ws.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				defer f.Close()
				if _, err := f.WriteString(content); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("appended %d bytes to %s", len(content), path)}
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file in the workspace.",
			SchemaJSON:  mustSchema(deleteFileArgs{}),
			HasPathArg:  true,
			Mutating:    true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				abs, err := ws.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				if err := os.Remove(abs); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("deleted %s", path)}
			},
		},
		{
			Name:        "list_files",
			Description: "List files and directories at a path in the workspace.",
			SchemaJSON:  mustSchema(listFilesArgs{}),
			HasPathArg:  true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				abs, err := ws.Resolve(path)
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
			Name:        "make_dir",
			Description: "Create a directory (and any missing parents) in the workspace.",
			SchemaJSON:  mustSchema(makeDirArgs{}),
			HasPathArg:  true,
			Mutating:    true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				abs, err := ws.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				if err := os.MkdirAll(abs, 0o755); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("created %s", path)}
			},
		},
		{
			Name:        "edit_file",
			Description: "Surgically replace one exact occurrence of old_string with new_string in a file.",
			SchemaJSON:  mustSchema(editFileArgs{}),
			HasPathArg:  true,
			Mutating:    true,
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				path, _ := args["path"].(string)
				oldStr, _ := args["old_string"].(string)
				newStr, _ := args["new_string"].(string)
				abs, err := ws.Resolve(path)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				content := string(data)
				if !strings.Contains(content, oldStr) {
					return tools.Result{Success: false, Error: fmt.Sprintf(
						"old_string not found in %s — read the file first to get the exact text", path)}
				}
				updated := strings.Replace(content, oldStr, newStr, 1)
				if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("edited %s", path)}
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

// GitAutoCommit builds a tools.AutoCommitFunc that stages and commits ws's
// current root after every successful mutating tool call, per spec.md
// §4.1. Failures (e.g. the workspace isn't a git repo, or there is nothing
// to commit) are returned to the registry, which swallows them — commit
// failures never fail the triggering tool call.
func GitAutoCommit(ws *sandbox.Sandbox) tools.AutoCommitFunc {
	return func(ctx context.Context, toolName string) error {
		dir := ws.Root()
		if err := gitExec(ctx, dir, "add", "-A"); err != nil {
			return err
		}
		return gitExec(ctx, dir, "commit", "-m", "auto-commit: "+toolName)
	}
}
