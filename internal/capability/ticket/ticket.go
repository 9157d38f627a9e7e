// Package ticket provides ticketing capabilities backed by GitHub issues.
package ticket

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/config"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Action names.
const (
	ActionCreate  = "ticket_create"
	ActionGet     = "ticket_get"
	ActionComment = "ticket_comment"
)

// Config configures the ticket capabilities.
type Config struct {
	Token   config.Secret
	Owner   string
	Repo    string
	BaseURL string // GitHub Enterprise or test server; empty for github.com
	Retry   *RetryConfig
	Logger  *zap.Logger
}

// Tracker files and reads tickets in one repository.
type Tracker struct {
	client *github.Client
	owner  string
	repo   string
	retry  *RetryConfig
	logger *zap.Logger
}

// New creates a tracker authenticated with a static token.
func New(ctx context.Context, cfg Config) (*Tracker, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("ticket owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		client.BaseURL = u
	}

	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	retry.ApplyDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracker{client: client, owner: cfg.Owner, repo: cfg.Repo, retry: retry, logger: logger}, nil
}

// Capabilities returns the ticket capabilities.
func (t *Tracker) Capabilities() []capability.Capability {
	return []capability.Capability{
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionCreate,
				Description: "Open a new ticket.",
				Tier:        task.RiskMedium,
				Schema: capability.ObjectSchema([]string{"title"}, map[string]*jsonschema.Schema{
					"title":  capability.String("Ticket title"),
					"body":   capability.String("Ticket body (markdown)"),
					"labels": capability.StringList("Labels to apply"),
				}),
			},
			Fn: t.create,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionGet,
				Description: "Fetch a ticket by number.",
				Tier:        task.RiskLow,
				Schema: capability.ObjectSchema([]string{"number"}, map[string]*jsonschema.Schema{
					"number": capability.Integer("Ticket number"),
				}),
			},
			Fn: t.get,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionComment,
				Description: "Add a comment to a ticket.",
				Tier:        task.RiskMedium,
				Schema: capability.ObjectSchema([]string{"number", "body"}, map[string]*jsonschema.Schema{
					"number": capability.Integer("Ticket number"),
					"body":   capability.String("Comment body (markdown)"),
				}),
			},
			Fn: t.comment,
		},
	}
}

func (t *Tracker) create(ctx context.Context, args map[string]any) (string, error) {
	title, err := capability.StringArg(args, "title")
	if err != nil {
		return "", err
	}
	labels, err := capability.StringListArg(args, "labels")
	if err != nil {
		return "", err
	}
	req := &github.IssueRequest{Title: github.String(title)}
	if body := capability.OptionalString(args, "body", ""); body != "" {
		req.Body = github.String(body)
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}

	var issue *github.Issue
	_, err = withRetry(ctx, t.retry, t.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = t.client.Issues.Create(ctx, t.owner, t.repo, req)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}
	return fmt.Sprintf("created ticket #%d: %s", issue.GetNumber(), issue.GetHTMLURL()), nil
}

func (t *Tracker) get(ctx context.Context, args map[string]any) (string, error) {
	number, err := requireNumber(args)
	if err != nil {
		return "", err
	}
	var issue *github.Issue
	_, err = withRetry(ctx, t.retry, t.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = t.client.Issues.Get(ctx, t.owner, t.repo, number)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("get ticket #%d: %w", number, err)
	}
	return fmt.Sprintf("#%d [%s] %s\n\n%s", issue.GetNumber(), issue.GetState(), issue.GetTitle(), issue.GetBody()), nil
}

func (t *Tracker) comment(ctx context.Context, args map[string]any) (string, error) {
	number, err := requireNumber(args)
	if err != nil {
		return "", err
	}
	body, err := capability.StringArg(args, "body")
	if err != nil {
		return "", err
	}
	var created *github.IssueComment
	_, err = withRetry(ctx, t.retry, t.logger, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = t.client.Issues.CreateComment(ctx, t.owner, t.repo, number, &github.IssueComment{
			Body: github.String(body),
		})
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("comment on ticket #%d: %w", number, err)
	}
	return fmt.Sprintf("commented on ticket #%d: %s", number, created.GetHTMLURL()), nil
}

func requireNumber(args map[string]any) (int, error) {
	number, err := capability.OptionalInt(args, "number", 0)
	if err != nil {
		return 0, err
	}
	if number <= 0 {
		return 0, fmt.Errorf("%w: \"number\" must be a positive integer", capability.ErrInvalidArguments)
	}
	return number, nil
}
