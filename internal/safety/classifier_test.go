package safety

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

type mockAssessor struct {
	mock.Mock
}

func (m *mockAssessor) AssessRisk(ctx context.Context, action string, args map[string]any) (task.RiskTier, error) {
	ret := m.Called(ctx, action, args)
	return ret.Get(0).(task.RiskTier), ret.Error(1)
}

func newClassifier(t *testing.T, a Assessor) *Classifier {
	t.Helper()
	c, err := NewClassifier(DefaultPolicy(), a, 16)
	require.NoError(t, err)
	return c
}

func TestClassify_AllowListSkipsOracle(t *testing.T) {
	a := &mockAssessor{}
	c := newClassifier(t, a)
	ctx := context.Background()

	tests := []struct {
		name   string
		action string
		args   map[string]any
	}{
		{"bare command", "shell_exec", map[string]any{"command": "ls"}},
		{"command with args", "shell_exec", map[string]any{"command": "ls -la /tmp"}},
		{"multi-word prefix", "shell_exec", map[string]any{"command": "git status --short"}},
		{"find without actions", "shell_exec", map[string]any{"command": "find . -name *.go -type f"}},
		{"git diff to stdout", "shell_exec", map[string]any{"command": "git diff --stat HEAD~1"}},
		{"allowed action", "git_log", map[string]any{"limit": float64(5)}},
		{"ticket read", "ticket_get", map[string]any{"number": float64(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, task.RiskLow, c.Classify(ctx, tt.action, tt.args))
		})
	}
	a.AssertNotCalled(t, "AssessRisk", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassify_DeniedFlagsConsultOracle(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"find exec", "find . -exec rm -rf {} +"},
		{"find execdir", "find . -execdir rm {} +"},
		{"find delete", "find / -name *.log -delete"},
		{"find ok", "find . -ok rm {} ;"},
		{"find fprint", "find . -fprint0 /etc/cron.d/x"},
		{"find fls", "find . -fls out.txt"},
		{"quoted flag", "find . '-delete'"},
		{"git diff output", "git diff --output=/etc/passwd"},
		{"git diff output separate", "git diff --output /tmp/x"},
		{"git log output", "git log --output=/tmp/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]any{"command": tt.command}
			a := &mockAssessor{}
			a.On("AssessRisk", mock.Anything, "shell_exec", args).Return(task.RiskCritical, nil).Once()
			c := newClassifier(t, a)

			tier := c.Classify(context.Background(), "shell_exec", args)
			assert.True(t, tier.RequiresConfirmation(), "got %s", tier)
			a.AssertExpectations(t)
		})
	}
}

func TestLoadPolicy_DeniedFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
allowed_commands = ["sort"]

[denied_flags]
sort = ["-o", "--output"]
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.True(t, p.commandAllowed("shell_exec", map[string]any{"command": "sort names.txt"}))
	assert.False(t, p.commandAllowed("shell_exec", map[string]any{"command": "sort -o names.txt names.txt"}))
	assert.False(t, p.commandAllowed("shell_exec", map[string]any{"command": "sort --output=x names.txt"}))
}

func TestClassify_PrefixMustBeWholeWord(t *testing.T) {
	a := &mockAssessor{}
	a.On("AssessRisk", mock.Anything, "shell_exec", map[string]any{"command": "lsblk"}).Return(task.RiskMedium, nil).Once()
	c := newClassifier(t, a)

	assert.Equal(t, task.RiskMedium, c.Classify(context.Background(), "shell_exec", map[string]any{"command": "lsblk"}))
	a.AssertExpectations(t)
}

func TestClassify_MetaCharactersForceHigh(t *testing.T) {
	a := &mockAssessor{}
	a.On("AssessRisk", mock.Anything, "file_write", mock.Anything).Return(task.RiskLow, nil)
	a.On("AssessRisk", mock.Anything, "shell_exec", mock.Anything).Return(task.RiskLow, nil)
	c := newClassifier(t, a)
	ctx := context.Background()

	tests := []struct {
		name   string
		action string
		args   map[string]any
	}{
		{"chaining on allow-listed prefix", "shell_exec", map[string]any{"command": "ls; rm -rf /"}},
		{"pipe", "shell_exec", map[string]any{"command": "cat a | sh"}},
		{"redirection", "shell_exec", map[string]any{"command": "echo x > /etc/passwd"}},
		{"substitution", "shell_exec", map[string]any{"command": "echo $(whoami)"}},
		{"backtick", "shell_exec", map[string]any{"command": "echo `id`"}},
		{"and-chain", "shell_exec", map[string]any{"command": "pwd && reboot"}},
		{"nested list value", "file_write", map[string]any{"path": "a", "extra": []any{"ok", "x;y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := c.Classify(ctx, tt.action, tt.args)
			assert.True(t, tier.RequiresConfirmation(), "got %s", tier)
		})
	}
}

func TestClassify_MetaFloorDoesNotLowerOracle(t *testing.T) {
	a := &mockAssessor{}
	a.On("AssessRisk", mock.Anything, "shell_exec", mock.Anything).Return(task.RiskCritical, nil)
	c := newClassifier(t, a)

	assert.Equal(t, task.RiskCritical, c.Classify(context.Background(), "shell_exec", map[string]any{"command": "rm -rf logs; git push"}))
}

func TestClassify_OracleFailureIsCritical(t *testing.T) {
	a := &mockAssessor{}
	a.On("AssessRisk", mock.Anything, "git_push", mock.Anything).Return(task.RiskLow, errors.New("timeout")).Twice()
	c := newClassifier(t, a)
	ctx := context.Background()

	assert.Equal(t, task.RiskCritical, c.Classify(ctx, "git_push", map[string]any{}))
	// Failures are not cached.
	assert.Equal(t, task.RiskCritical, c.Classify(ctx, "git_push", map[string]any{}))
	a.AssertNumberOfCalls(t, "AssessRisk", 2)
}

func TestClassify_NilAssessorFailsClosed(t *testing.T) {
	c := newClassifier(t, nil)
	assert.Equal(t, task.RiskCritical, c.Classify(context.Background(), "git_push", nil))
	assert.Equal(t, task.RiskLow, c.Classify(context.Background(), "git_status", nil))
}

func TestClassify_CachesOracleDecisions(t *testing.T) {
	a := &mockAssessor{}
	a.On("AssessRisk", mock.Anything, "ticket_create", mock.Anything).Return(task.RiskMedium, nil).Once()
	c := newClassifier(t, a)
	ctx := context.Background()

	args := map[string]any{"title": "bug", "labels": []any{"a"}}
	assert.Equal(t, task.RiskMedium, c.Classify(ctx, "ticket_create", args))
	assert.Equal(t, task.RiskMedium, c.Classify(ctx, "ticket_create", map[string]any{"labels": []any{"a"}, "title": "bug"}))
	a.AssertNumberOfCalls(t, "AssessRisk", 1)
}

func TestClassify_PinnedTier(t *testing.T) {
	p := DefaultPolicy()
	p.Pinned = map[string]task.RiskTier{"file_delete": task.RiskCritical, "git_status": task.RiskMedium}
	c, err := NewClassifier(p, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, task.RiskCritical, c.Classify(context.Background(), "file_delete", map[string]any{"path": "x"}))
	assert.Equal(t, task.RiskMedium, c.Classify(context.Background(), "git_status", nil))
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
allowed_commands = ["ls", "make test"]

[pinned]
git_push = "critical"
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "make test"}, p.AllowedCommands)
	assert.Equal(t, task.RiskCritical, p.Pinned["git_push"])
	assert.Equal(t, DefaultPolicy().AllowedActions, p.AllowedActions)
	assert.Equal(t, "shell_exec", p.CommandAction)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`allowed_commands = ["ls; rm"]`), 0o600))
	_, err := LoadPolicy(bad)
	assert.ErrorContains(t, err, "meta-characters")

	tier := filepath.Join(dir, "tier.toml")
	require.NoError(t, os.WriteFile(tier, []byte("[pinned]\ngit_push = \"extreme\"\n"), 0o600))
	_, err = LoadPolicy(tier)
	assert.Error(t, err)

	_, err = LoadPolicy(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestContainsMeta(t *testing.T) {
	assert.False(t, ContainsMeta(map[string]any{"command": "git log -n 5", "n": float64(3)}))
	assert.True(t, ContainsMeta(map[string]any{"body": "line1\nline2"}))
	assert.True(t, ContainsMeta(map[string]any{"nested": map[string]any{"x": "a&b"}}))
	assert.True(t, ContainsMeta(map[string]any{"list": []string{"ok", "a>b"}}))
}
