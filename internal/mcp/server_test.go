package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/checkpoint"
	"github.com/fyrsmithlabs/orbit/internal/orchestrator"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

type fakeService struct {
	last orchestrator.AdvanceRequest
	err  error
}

func (f *fakeService) Advance(_ context.Context, req orchestrator.AdvanceRequest) (*orchestrator.Reply, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	if req.Message == "delete" {
		prompt := "Delete with token ghp_abc? (yes/no)"
		return &orchestrator.Reply{
			TaskID: req.TaskID, Text: prompt, ConfirmationPrompt: prompt,
			AwaitingConfirmation: true, Phase: task.PhaseAwaitingConfirmation,
		}, nil
	}
	return &orchestrator.Reply{TaskID: req.TaskID, Text: "done", Phase: task.PhaseDone}, nil
}

func (f *fakeService) Status(_ context.Context, taskID string) (*orchestrator.Status, error) {
	if taskID != "t1" {
		return nil, fmt.Errorf("load: %w", checkpoint.ErrNotFound)
	}
	return &orchestrator.Status{
		TaskID: "t1", Phase: task.PhaseExecuting, Cursor: 1, UpdatedAt: time.Now(),
		Steps: []orchestrator.StepStatus{
			{ID: "1", Action: "git_status", Status: task.StepCompleted, Attempts: 1},
			{ID: "2", Action: "git_push", Status: task.StepFailed, Attempts: 2, LastError: "rejected"},
		},
	}, nil
}

type staticCatalog []capability.Descriptor

func (c staticCatalog) Descriptors() []capability.Descriptor { return c }

type tokenScrubber struct{}

func (tokenScrubber) String(s string) string { return strings.ReplaceAll(s, "ghp_abc", "[REDACTED]") }

func connect(t *testing.T, svc *fakeService) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv, err := NewServer(nil, svc, staticCatalog{
		{Name: "git_status", Description: "Show the working tree status", Tier: task.RiskLow},
		{Name: "git_push", Description: "Push to the remote", Tier: task.RiskHigh},
	}, tokenScrubber{})
	require.NoError(t, err)

	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call[T any](t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (T, *mcp.CallToolResult) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	var out T
	if !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return out, res
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(nil, nil, staticCatalog{}, nil)
	assert.ErrorContains(t, err, "orchestrator service is required")
	_, err = NewServer(nil, &fakeService{}, nil, nil)
	assert.ErrorContains(t, err, "capability catalog is required")
}

func TestListTools(t *testing.T) {
	cs := connect(t, &fakeService{})
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"task_advance", "task_status", "capability_list"}, names)
}

func TestTaskAdvance(t *testing.T) {
	svc := &fakeService{}
	cs := connect(t, svc)

	out, _ := call[taskAdvanceOutput](t, cs, "task_advance", map[string]any{"message": "list files"})
	assert.Equal(t, "done", out.Reply)
	assert.NotEmpty(t, out.TaskID, "a new task id is generated")
	assert.Equal(t, "mcp", svc.last.UserID)

	out, _ = call[taskAdvanceOutput](t, cs, "task_advance", map[string]any{"task_id": "t1", "user_id": "alice", "message": "delete"})
	assert.True(t, out.AwaitingConfirmation)
	assert.Equal(t, "Delete with token [REDACTED]? (yes/no)", out.ConfirmationPrompt)
	assert.Equal(t, "awaiting_confirmation", out.Phase)

	out, _ = call[taskAdvanceOutput](t, cs, "task_advance", map[string]any{"task_id": "t1", "message": "yes", "resume": true})
	assert.True(t, svc.last.Resume)
	assert.Equal(t, "t1", svc.last.TaskID)
}

func TestTaskAdvance_Errors(t *testing.T) {
	cases := map[string]struct {
		err  error
		args map[string]any
	}{
		"empty message":     {nil, map[string]any{"message": " "}},
		"resume without id": {nil, map[string]any{"message": "yes", "resume": true}},
		"busy":              {orchestrator.ErrTaskBusy, map[string]any{"task_id": "t1", "message": "hi"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cs := connect(t, &fakeService{err: tc.err})
			_, res := call[taskAdvanceOutput](t, cs, "task_advance", tc.args)
			assert.True(t, res.IsError)
		})
	}
}

func TestTaskStatus(t *testing.T) {
	cs := connect(t, &fakeService{})

	out, res := call[taskStatusOutput](t, cs, "task_status", map[string]any{"task_id": "t1"})
	require.False(t, res.IsError)
	assert.Equal(t, "executing", out.Phase)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, "failed", out.Steps[1].Status)
	assert.Equal(t, "rejected", out.Steps[1].LastError)
	text := res.Content[0].(*mcp.TextContent).Text
	assert.Equal(t, "Task t1 is executing (1/2 steps done)", text)

	_, res = call[taskStatusOutput](t, cs, "task_status", map[string]any{"task_id": "nope"})
	assert.True(t, res.IsError)
}

func TestCapabilityList(t *testing.T) {
	cs := connect(t, &fakeService{})
	out, _ := call[capabilityListOutput](t, cs, "capability_list", map[string]any{})
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, "high", out.Capabilities[1].RiskTier)
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "", categorizeError(nil))
	assert.Equal(t, "busy", categorizeError(fmt.Errorf("x: %w", orchestrator.ErrTaskBusy)))
	assert.Equal(t, "validation_error", categorizeError(errInvalidInput))
	assert.Equal(t, "not_found", categorizeError(checkpoint.ErrNotFound))
	assert.Equal(t, "timeout", categorizeError(context.DeadlineExceeded))
	assert.Equal(t, "internal_error", categorizeError(fmt.Errorf("boom")))
}
