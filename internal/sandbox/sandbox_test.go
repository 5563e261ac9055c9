package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoundTrip(t *testing.T) {
	for _, p := range []string{"", ".", "./", `.\`} {
		assert.Equal(t, ".", sandbox.Normalize(p))
	}
	assert.Equal(t, "sub/file.txt", sandbox.Normalize("  sub/file.txt  "))
}

func TestResolveContainment(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	got, err := sb.Resolve("sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.Root(), "sub", "file.txt"), got)

	_, err = sb.Resolve("../escape.txt")
	require.Error(t, err)

	_, err = sb.Resolve("sub/../../escape.txt")
	require.Error(t, err)
}

func TestResolveRejectsSiblingWithSharedPrefix(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "workspace")
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	evil := filepath.Join(parent, "workspace-evil", "secret.txt")
	_, err = sb.Resolve(evil)
	require.Error(t, err, "a naive strings.HasPrefix check would wrongly admit this path")
}

func TestSetRootSwapsActiveWorkspace(t *testing.T) {
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	newRoot := t.TempDir()
	require.NoError(t, sb.SetRoot(newRoot))

	got, err := sb.Resolve("a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.Root(), "a.txt"), got)
}

func TestFindProjectAnchor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	anchor, err := sandbox.FindProjectAnchor(sub, "go.mod")
	require.NoError(t, err)
	assert.Equal(t, root, anchor.Root())
}
