package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/orchestrator"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

var errInvalidInput = errors.New("invalid input")

type taskAdvanceInput struct {
	TaskID  string `json:"task_id,omitempty" jsonschema:"Task to continue; omit to start a new task"`
	UserID  string `json:"user_id,omitempty" jsonschema:"Task owner"`
	Message string `json:"message" jsonschema:"The user message, or the answer to a pending confirmation"`
	Resume  bool   `json:"resume,omitempty" jsonschema:"Set when the message answers a confirmation prompt"`
}

type taskAdvanceOutput struct {
	TaskID               string `json:"task_id" jsonschema:"Task identifier"`
	Generation           int    `json:"generation" jsonschema:"Task generation"`
	Reply                string `json:"reply_text" jsonschema:"Reply to show the user"`
	AwaitingConfirmation bool   `json:"awaiting_confirmation" jsonschema:"True when the task waits for yes or no"`
	ConfirmationPrompt   string `json:"confirmation_prompt,omitempty" jsonschema:"The question to answer"`
	Phase                string `json:"phase" jsonschema:"Task phase after this turn"`
	Failure              string `json:"failure,omitempty" jsonschema:"Fatal error kind, if any"`
}

type taskStatusInput struct {
	TaskID string `json:"task_id" jsonschema:"Task identifier"`
}

type stepInfo struct {
	ID        string `json:"step_id"`
	Action    string `json:"action_name"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

type taskStatusOutput struct {
	TaskID               string     `json:"task_id"`
	Generation           int        `json:"generation"`
	Phase                string     `json:"phase"`
	Goal                 string     `json:"goal,omitempty"`
	Cursor               int        `json:"cursor"`
	Iterations           int        `json:"iteration_count"`
	Failure              string     `json:"failure,omitempty"`
	AwaitingConfirmation bool       `json:"awaiting_confirmation"`
	ConfirmationPrompt   string     `json:"confirmation_prompt,omitempty"`
	Steps                []stepInfo `json:"steps"`
	UpdatedAt            string     `json:"updated_at"`
}

type capabilityListInput struct{}

type capabilityInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	RiskTier    string `json:"risk_tier"`
}

type capabilityListOutput struct {
	Capabilities []capabilityInfo `json:"capabilities"`
	Count        int              `json:"count"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_advance",
		Description: "Send a message to a task. Starts a new task when task_id is empty. High-risk steps pause the task until it is advanced again with a yes or no answer.",
	}, s.taskAdvance)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "task_status",
		Description: "Show the phase, plan and per-step progress of a task",
	}, s.taskStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "capability_list",
		Description: "List the tool capabilities a plan may use, with their risk tiers",
	}, s.capabilityList)
}

// instrument wraps one tool call with metrics and returns the finish func.
func (s *Server) instrument(ctx context.Context, tool string) func(err *error) {
	done := s.metrics.begin(ctx, tool)
	return func(err *error) {
		done(*err)
		if *err != nil {
			s.logger.Warn("tool failed", append(logging.ContextFields(ctx),
				zap.String("tool", tool), zap.Error(*err))...)
		}
	}
}

func (s *Server) taskAdvance(ctx context.Context, _ *mcp.CallToolRequest, args taskAdvanceInput) (_ *mcp.CallToolResult, _ taskAdvanceOutput, err error) {
	defer s.instrument(ctx, "task_advance")(&err)

	if strings.TrimSpace(args.Message) == "" {
		return nil, taskAdvanceOutput{}, fmt.Errorf("%w: message is required", errInvalidInput)
	}
	if args.TaskID == "" {
		if args.Resume {
			return nil, taskAdvanceOutput{}, fmt.Errorf("%w: resume needs a task_id", errInvalidInput)
		}
		args.TaskID = task.NewID()
	}
	if args.UserID == "" {
		args.UserID = s.userID
	}

	reply, err := s.service.Advance(ctx, orchestrator.AdvanceRequest{
		TaskID:  args.TaskID,
		UserID:  args.UserID,
		Message: args.Message,
		Resume:  args.Resume,
	})
	if err != nil {
		return nil, taskAdvanceOutput{}, fmt.Errorf("task advance failed: %w", err)
	}

	out := taskAdvanceOutput{
		TaskID:               reply.TaskID,
		Generation:           reply.Generation,
		Reply:                s.scrub(reply.Text),
		AwaitingConfirmation: reply.AwaitingConfirmation,
		ConfirmationPrompt:   s.scrub(reply.ConfirmationPrompt),
		Phase:                string(reply.Phase),
		Failure:              string(reply.Failure),
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: out.Reply}},
	}, out, nil
}

func (s *Server) taskStatus(ctx context.Context, _ *mcp.CallToolRequest, args taskStatusInput) (_ *mcp.CallToolResult, _ taskStatusOutput, err error) {
	defer s.instrument(ctx, "task_status")(&err)

	if args.TaskID == "" {
		return nil, taskStatusOutput{}, fmt.Errorf("%w: task_id is required", errInvalidInput)
	}
	st, err := s.service.Status(ctx, args.TaskID)
	if err != nil {
		return nil, taskStatusOutput{}, fmt.Errorf("task status failed: %w", err)
	}

	out := taskStatusOutput{
		TaskID:               st.TaskID,
		Generation:           st.Generation,
		Phase:                string(st.Phase),
		Goal:                 st.Goal,
		Cursor:               st.Cursor,
		Iterations:           st.Iterations,
		Failure:              string(st.Failure),
		AwaitingConfirmation: st.AwaitingConfirmation,
		ConfirmationPrompt:   s.scrub(st.ConfirmationPrompt),
		Steps:                make([]stepInfo, 0, len(st.Steps)),
		UpdatedAt:            st.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, step := range st.Steps {
		out.Steps = append(out.Steps, stepInfo{
			ID:        step.ID,
			Action:    step.Action,
			Status:    string(step.Status),
			Attempts:  step.Attempts,
			LastError: s.scrub(step.LastError),
		})
	}
	text := fmt.Sprintf("Task %s is %s (%d/%d steps done)", out.TaskID, out.Phase, out.Cursor, len(out.Steps))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, out, nil
}

func (s *Server) capabilityList(ctx context.Context, _ *mcp.CallToolRequest, _ capabilityListInput) (_ *mcp.CallToolResult, _ capabilityListOutput, err error) {
	defer s.instrument(ctx, "capability_list")(&err)

	descs := s.catalog.Descriptors()
	out := capabilityListOutput{Capabilities: make([]capabilityInfo, 0, len(descs))}
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		out.Capabilities = append(out.Capabilities, capabilityInfo{
			Name:        d.Name,
			Description: d.Description,
			RiskTier:    d.Tier.String(),
		})
		names = append(names, d.Name)
	}
	out.Count = len(out.Capabilities)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Capabilities: " + strings.Join(names, ", ")}},
	}, out, nil
}
