package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbit/internal/capability"
)

func newRepo(t *testing.T) (*capability.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	r, err := New(Config{RepoPath: dir, AuthorName: "Test", AuthorEmail: "test@example.com"})
	require.NoError(t, err)
	reg, err := capability.NewRegistry(r.Capabilities()...)
	require.NoError(t, err)
	return reg, dir
}

func call(t *testing.T, reg *capability.Registry, name string, args map[string]any) (string, error) {
	t.Helper()
	c, err := reg.Resolve(name)
	require.NoError(t, err)
	return c.Invoke(context.Background(), args)
}

func TestCommitThenLogAndStatus(t *testing.T) {
	reg, dir := newRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))

	out, err := call(t, reg, ActionStatus, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "README.md")

	out, err = call(t, reg, ActionCommit, map[string]any{"message": "initial commit\n\nbody"})
	require.NoError(t, err)
	assert.Contains(t, out, "created commit")

	out, err = call(t, reg, ActionStatus, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "working tree clean")

	out, err = call(t, reg, ActionLog, map[string]any{"limit": float64(5)})
	require.NoError(t, err)
	assert.Contains(t, out, "initial commit (Test)")
	assert.NotContains(t, out, "body")
}

func TestPushWithoutRemoteFails(t *testing.T) {
	reg, dir := newRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	_, err := call(t, reg, ActionCommit, map[string]any{"message": "a"})
	require.NoError(t, err)

	_, err = call(t, reg, ActionPush, map[string]any{})
	assert.Error(t, err)
}

func TestOpenMissingRepository(t *testing.T) {
	r, err := New(Config{RepoPath: t.TempDir()})
	require.NoError(t, err)
	_, err = r.status(context.Background(), nil)
	assert.ErrorContains(t, err, "open repository")
}
