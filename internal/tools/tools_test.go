package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loopworks/conductor/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeUnknownToolNeverRaises(t *testing.T) {
	r := tools.New(nil)
	res := r.Invoke(context.Background(), "nope", nil)
	require.False(t, res.Success)
	assert.Equal(t, "tool 'nope' not found", res.Error)
}

func TestInvokeNormalizesPathAndEnrichesError(t *testing.T) {
	r := tools.New(nil)
	require.NoError(t, r.Register(tools.Definition{
		Name:       "sample_tool",
		HasPathArg: true,
		SchemaJSON: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return tools.Result{Success: false, Error: "not found"}
		},
	}))

	res := r.Invoke(context.Background(), "sample_tool", json.RawMessage(`{"path":""}`))
	require.False(t, res.Success)
	assert.Contains(t, res.Error, `raw=""`)
	assert.Contains(t, res.Error, `normalized="."`)
	assert.Contains(t, res.Error, "list_files/check_path first")
}

func TestInvokeRunsAutoCommitOnlyOnMutatingSuccess(t *testing.T) {
	committed := 0
	r := tools.New(func(ctx context.Context, toolName string) error {
		committed++
		return nil
	})
	require.NoError(t, r.Register(tools.Definition{
		Name:     "write_file",
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return tools.Result{Success: true, Output: "ok"}
		},
	}))
	require.NoError(t, r.Register(tools.Definition{
		Name:     "failing_write",
		Mutating: true,
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return tools.Result{Success: false, Error: "disk full"}
		},
	}))

	r.Invoke(context.Background(), "write_file", nil)
	assert.Equal(t, 1, committed)

	r.Invoke(context.Background(), "failing_write", nil)
	assert.Equal(t, 1, committed, "auto-commit must not run on a failed mutation")
}

func TestInvokeValidatesArgumentsAgainstSchema(t *testing.T) {
	r := tools.New(nil)
	require.NoError(t, r.Register(tools.Definition{
		Name:       "needs_x",
		SchemaJSON: json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer"}},"required":["x"]}`),
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return tools.Result{Success: true, Output: "fine"}
		},
	}))

	res := r.Invoke(context.Background(), "needs_x", json.RawMessage(`{}`))
	require.False(t, res.Success)

	res = r.Invoke(context.Background(), "needs_x", json.RawMessage(`{"x":1}`))
	require.True(t, res.Success)
}

func TestSchemasSortedByName(t *testing.T) {
	r := tools.New(nil)
	require.NoError(t, r.Register(tools.Definition{Name: "zeta"}))
	require.NoError(t, r.Register(tools.Definition{Name: "alpha"}))

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "zeta", schemas[1].Name)
}
