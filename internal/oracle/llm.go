package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// ErrUnavailable is returned when a call fails after all retries.
var ErrUnavailable = errors.New("oracle unavailable")

const instrumentationName = "github.com/fyrsmithlabs/orbit/internal/oracle"

// LLM is the intent oracle backed by a language model.
type LLM struct {
	model       llms.Model
	limiter     *rate.Limiter
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option configures an LLM.
type Option func(*LLM)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *LLM) { o.logger = l }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *LLM) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithBaseBackoff overrides the first retry delay.
func WithBaseBackoff(d time.Duration) Option {
	return func(o *LLM) { o.baseBackoff = d }
}

// New wraps model as an oracle.
func New(model llms.Model, cfg Config, opts ...Option) *LLM {
	cfg.ApplyDefaults()
	o := &LLM{
		model:       model,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: defaultBaseBackoff,
		tracer:      otel.Tracer(instrumentationName),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClassifyIntent labels the latest user message. Output outside the known
// categories becomes IntentUnknown.
func (o *LLM) ClassifyIntent(ctx context.Context, conversation []task.Turn) (task.Intent, error) {
	out, err := o.generate(ctx, "classify", classifyPrompt, renderConversation(conversation), 0, 16)
	if err != nil {
		return task.IntentUnknown, err
	}
	return normalizeIntent(out), nil
}

// Plan asks for a step plan over the given capabilities and returns the
// raw model output.
func (o *LLM) Plan(ctx context.Context, conversation []task.Turn, caps []capability.Descriptor) (string, error) {
	system := fmt.Sprintf(planPrompt, renderCapabilities(caps))
	return o.generate(ctx, "plan", system, renderConversation(conversation), 0.2, 2048)
}

// GenerateCommand turns the latest request into one shell command.
func (o *LLM) GenerateCommand(ctx context.Context, conversation []task.Turn) (string, error) {
	out, err := o.generate(ctx, "command", commandPrompt, lastUser(conversation), 0, 256)
	if err != nil {
		return "", err
	}
	return cleanCommand(out), nil
}

// AssessRisk rates an action. It always runs at zero temperature.
func (o *LLM) AssessRisk(ctx context.Context, action string, args map[string]any) (task.RiskTier, error) {
	argJSON, err := json.Marshal(args)
	if err != nil {
		return task.RiskCritical, fmt.Errorf("encode arguments: %w", err)
	}
	out, err := o.generate(ctx, "risk", fmt.Sprintf(riskPrompt, action, argJSON), "Rate this tool call.", 0, 128)
	if err != nil {
		return task.RiskCritical, err
	}

	var verdict struct {
		Risk   string `json:"risk"`
		Reason string `json:"reason"`
	}
	if err := DecodeJSON(out, &verdict); err != nil {
		return task.RiskCritical, err
	}
	tier, err := task.ParseRiskTier(verdict.Risk)
	if err != nil {
		return task.RiskCritical, err
	}
	o.logger.Debug("risk assessed",
		zap.String("action", action),
		zap.Stringer("tier", tier),
		zap.String("reason", verdict.Reason),
	)
	return tier, nil
}

// Answer replies to a question. memories are optional recalled context.
func (o *LLM) Answer(ctx context.Context, conversation []task.Turn, memories []string) (string, error) {
	extra := ""
	if len(memories) > 0 {
		extra = "\n\nRelevant notes from earlier sessions:\n- " + strings.Join(memories, "\n- ")
	}
	return o.generate(ctx, "answer", fmt.Sprintf(answerPrompt, extra), renderConversation(conversation), 0.3, 1024)
}

// ReplyInput is what the final reply is written from.
type ReplyInput struct {
	Conversation []task.Turn
	Intent       task.Intent
	Goal         string
	Plan         []task.Step
	Outcomes     []task.StepOutcome
	Notice       string // fatal condition the reply must mention
}

// Summarize writes the final reply for a task.
func (o *LLM) Summarize(ctx context.Context, in ReplyInput) (string, error) {
	notice := ""
	if in.Notice != "" {
		notice = "Important: " + in.Notice + "\n"
	}
	system := fmt.Sprintf(summarizePrompt, in.Intent, in.Goal, renderOutcomes(in.Plan, in.Outcomes), notice)
	return o.generate(ctx, "summarize", system, renderConversation(in.Conversation), 0.3, 1024)
}

func (o *LLM) generate(ctx context.Context, call, system, user string, temperature float64, maxTokens int) (string, error) {
	ctx, span := o.tracer.Start(ctx, "oracle."+call, trace.WithAttributes(attribute.String("oracle.call", call)))
	defer span.End()

	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", o.fail(span, call, ctx.Err())
			}
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return "", o.fail(span, call, fmt.Errorf("rate limiter: %w", err))
		}

		out, err := o.once(ctx, msgs, temperature, maxTokens)
		if err == nil {
			span.SetAttributes(attribute.Int("oracle.attempts", attempt+1))
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		o.logger.Debug("oracle call failed",
			zap.String("call", call),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", o.fail(span, call, lastErr)
}

func (o *LLM) once(ctx context.Context, msgs []llms.MessageContent, temperature float64, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.model.GenerateContent(ctx, msgs,
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("empty response")
	}
	out := strings.TrimSpace(resp.Choices[0].Content)
	if out == "" {
		return "", errors.New("empty response")
	}
	return out, nil
}

func (o *LLM) fail(span trace.Span, call string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Warn("oracle unavailable", zap.String("call", call), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, call, err)
}

func normalizeIntent(out string) task.Intent {
	fields := strings.Fields(strings.ToLower(out))
	if len(fields) == 0 {
		return task.IntentUnknown
	}
	word := strings.Trim(fields[0], "\"'`.,:;!*")
	return task.ParseIntent(word)
}

func cleanCommand(out string) string {
	out = stripFences(strings.TrimSpace(out))
	out = strings.Trim(out, "`")
	if nl := strings.Index(out, "\n"); nl >= 0 {
		out = out[:nl]
	}
	return strings.TrimSpace(out)
}

func lastUser(conversation []task.Turn) string {
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == task.RoleUser {
			return conversation[i].Text
		}
	}
	return ""
}

func renderConversation(conversation []task.Turn) string {
	var b strings.Builder
	for _, t := range conversation {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	return strings.TrimSpace(b.String())
}

func renderCapabilities(caps []capability.Descriptor) string {
	var b strings.Builder
	for _, d := range caps {
		schema := "{}"
		if d.Schema != nil {
			if raw, err := json.Marshal(d.Schema); err == nil {
				schema = string(raw)
			}
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n  arguments: %s\n", d.Name, d.Tier, d.Description, schema)
	}
	return strings.TrimSpace(b.String())
}

const maxRenderedOutput = 2000

func renderOutcomes(plan []task.Step, outcomes []task.StepOutcome) string {
	if len(outcomes) == 0 {
		return "(no tools were run)"
	}
	desc := make(map[string]string, len(plan))
	for _, s := range plan {
		desc[s.ID] = s.Action
		if s.Description != "" {
			desc[s.ID] += " (" + s.Description + ")"
		}
	}
	var b strings.Builder
	for _, oc := range outcomes {
		status := "ok"
		text := oc.Output
		if !oc.Success {
			status = "failed"
			text = oc.Error
		}
		if len(text) > maxRenderedOutput {
			text = text[:maxRenderedOutput] + "..."
		}
		fmt.Fprintf(&b, "- %s %s attempt %d %s: %s\n", oc.StepID, desc[oc.StepID], oc.Attempt, status, text)
	}
	return strings.TrimSpace(b.String())
}
