// Package planner turns a conversation into a validated step plan.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/capability/shell"
	"github.com/fyrsmithlabs/orbit/internal/evaluator"
	"github.com/fyrsmithlabs/orbit/internal/oracle"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

var (
	// ErrNoPlan is returned when the oracle produced no usable plan.
	ErrNoPlan = errors.New("no plan")

	// ErrInvalidPlan is returned when a planned step names an unknown
	// action, fails argument validation or has impossible dependencies.
	ErrInvalidPlan = errors.New("invalid plan")
)

// DefaultMaxSteps bounds the length of a plan.
const DefaultMaxSteps = 20

// Oracle is the part of the intent oracle the planner uses.
type Oracle interface {
	Plan(ctx context.Context, conversation []task.Turn, caps []capability.Descriptor) (string, error)
	GenerateCommand(ctx context.Context, conversation []task.Turn) (string, error)
}

// Registry is the part of the capability registry the planner uses.
type Registry interface {
	Descriptors() []capability.Descriptor
	Has(name string) bool
	ValidateArguments(name string, args map[string]any) error
}

// Plan is the result of one planning pass.
type Plan struct {
	Goal  string
	Steps []task.Step
}

// Planner builds plans.
type Planner struct {
	oracle        Oracle
	registry      Registry
	maxSteps      int
	maxIterations int
	logger        *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

// WithMaxIterations sets the executor pass budget a plan must fit in. It
// defaults to evaluator.DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxIterations = n
		}
	}
}

// New creates a planner.
func New(o Oracle, r Registry, opts ...Option) *Planner {
	p := &Planner{
		oracle:        o,
		registry:      r,
		maxSteps:      DefaultMaxSteps,
		maxIterations: evaluator.DefaultMaxIterations,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BuildPlan invokes the oracle once and validates its plan. Oracle failures
// are returned as is; they are neither ErrNoPlan nor ErrInvalidPlan.
func (p *Planner) BuildPlan(ctx context.Context, conversation []task.Turn) (Plan, error) {
	raw, err := p.oracle.Plan(ctx, conversation, p.registry.Descriptors())
	if err != nil {
		return Plan{}, fmt.Errorf("plan: %w", err)
	}
	plan, err := p.Parse(raw)
	if err != nil {
		p.logger.Info("rejected plan", zap.Error(err))
		return Plan{}, err
	}
	p.logger.Debug("built plan", zap.String("goal", plan.Goal), zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

// BuildCommandPlan turns a command request into a single shell step.
func (p *Planner) BuildCommandPlan(ctx context.Context, conversation []task.Turn) (Plan, error) {
	if !p.registry.Has(shell.ActionName) {
		return Plan{}, fmt.Errorf("%w: shell commands are disabled", ErrInvalidPlan)
	}
	cmd, err := p.oracle.GenerateCommand(ctx, conversation)
	if err != nil {
		return Plan{}, fmt.Errorf("generate command: %w", err)
	}
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return Plan{}, fmt.Errorf("%w: empty command", ErrNoPlan)
	}
	step := task.Step{
		ID:          "1",
		Action:      shell.ActionName,
		Arguments:   map[string]any{"command": cmd},
		Description: "run " + cmd,
	}
	if err := p.registry.ValidateArguments(step.Action, step.Arguments); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return Plan{Goal: "run `" + cmd + "`", Steps: []task.Step{step}}, nil
}

type rawPlan struct {
	Goal  string    `json:"goal"`
	Steps []rawStep `json:"steps"`
}

type rawStep struct {
	StepNumber  int            `json:"step_number"`
	Description string         `json:"description"`
	ToolName    string         `json:"tool_name"`
	Action      string         `json:"action"`
	Arguments   map[string]any `json:"arguments"`
	DependsOn   []any          `json:"depends_on"`
	Independent bool           `json:"independent"`
}

// Parse validates raw oracle output and assigns step ids "1", "2", ...
//
// Dependencies: an explicit non-empty depends_on is used as given, a step
// marked independent has none, and any other step depends on the step
// before it.
func (p *Planner) Parse(raw string) (Plan, error) {
	var rp rawPlan
	if err := oracle.DecodeJSON(raw, &rp); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrNoPlan, err)
	}
	if len(rp.Steps) == 0 {
		return Plan{}, fmt.Errorf("%w: plan has no steps", ErrNoPlan)
	}
	if len(rp.Steps) > p.maxSteps {
		return Plan{}, fmt.Errorf("%w: %d steps exceeds the limit of %d", ErrInvalidPlan, len(rp.Steps), p.maxSteps)
	}

	// Oracle step numbers map to our ids; fall back to position.
	numbers := make(map[int]string, len(rp.Steps))
	for i, rs := range rp.Steps {
		n := rs.StepNumber
		if n <= 0 {
			n = i + 1
		}
		if _, dup := numbers[n]; dup {
			return Plan{}, fmt.Errorf("%w: duplicate step number %d", ErrInvalidPlan, n)
		}
		numbers[n] = strconv.Itoa(i + 1)
	}

	steps := make([]task.Step, 0, len(rp.Steps))
	for i, rs := range rp.Steps {
		id := strconv.Itoa(i + 1)
		action := rs.ToolName
		if action == "" {
			action = rs.Action
		}
		if action == "" {
			return Plan{}, fmt.Errorf("%w: step %s has no tool", ErrInvalidPlan, id)
		}
		if !p.registry.Has(action) {
			return Plan{}, fmt.Errorf("%w: step %s uses unknown tool %q", ErrInvalidPlan, id, action)
		}
		args := rs.Arguments
		if args == nil {
			args = map[string]any{}
		}
		if err := p.registry.ValidateArguments(action, args); err != nil {
			return Plan{}, fmt.Errorf("%w: step %s: %v", ErrInvalidPlan, id, err)
		}

		deps, err := resolveDeps(rs, i, numbers)
		if err != nil {
			return Plan{}, fmt.Errorf("%w: step %s: %v", ErrInvalidPlan, id, err)
		}
		steps = append(steps, task.Step{
			ID:          id,
			Action:      action,
			Arguments:   args,
			DependsOn:   deps,
			Description: strings.TrimSpace(rs.Description),
		})
	}

	if passes := p.minPasses(steps); passes > p.maxIterations {
		return Plan{}, fmt.Errorf("%w: the dependency chain needs at least %d executor passes, the limit is %d",
			ErrInvalidPlan, passes, p.maxIterations)
	}

	goal := strings.TrimSpace(rp.Goal)
	if goal == "" {
		goal = steps[0].Description
	}
	return Plan{Goal: goal, Steps: steps}, nil
}

// minPasses is the number of executor passes the longest dependency chain
// needs when every step succeeds first time. A step whose declared tier
// requires confirmation costs two: the held pass and the approved one.
// Dependencies always point at earlier steps.
func (p *Planner) minPasses(steps []task.Step) int {
	gated := make(map[string]bool)
	for _, d := range p.registry.Descriptors() {
		gated[d.Name] = d.Tier.RequiresConfirmation()
	}
	depth := make(map[string]int, len(steps))
	longest := 0
	for _, s := range steps {
		before := 0
		for _, dep := range s.DependsOn {
			before = max(before, depth[dep])
		}
		cost := 1
		if gated[s.Action] {
			cost = 2
		}
		depth[s.ID] = before + cost
		longest = max(longest, depth[s.ID])
	}
	return longest
}

func resolveDeps(rs rawStep, index int, numbers map[int]string) ([]string, error) {
	if len(rs.DependsOn) > 0 {
		self := strconv.Itoa(index + 1)
		seen := make(map[string]bool)
		var deps []string
		for _, d := range rs.DependsOn {
			n, err := stepNumber(d)
			if err != nil {
				return nil, err
			}
			id, ok := numbers[n]
			if !ok {
				return nil, fmt.Errorf("depends on unknown step %d", n)
			}
			pos, _ := strconv.Atoi(id)
			if pos >= index+1 {
				return nil, fmt.Errorf("step %s depends on later step %s", self, id)
			}
			if !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}
		return deps, nil
	}
	if rs.Independent || index == 0 {
		return nil, nil
	}
	return []string{strconv.Itoa(index)}, nil
}

func stepNumber(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("step reference %v is not an integer", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("step reference %q is not a number", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("step reference %v has unsupported type %T", v, v)
}
