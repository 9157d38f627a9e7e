// Package git provides version-control capabilities backed by go-git.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Action names.
const (
	ActionStatus = "git_status"
	ActionLog    = "git_log"
	ActionCommit = "git_commit"
	ActionPush   = "git_push"
)

const defaultLogLimit = 10

// Config configures the git capabilities.
type Config struct {
	// RepoPath is the working tree the capabilities operate on.
	RepoPath string
	// AuthorName and AuthorEmail sign commits.
	AuthorName  string
	AuthorEmail string
}

// Repository exposes git operations on one working tree.
type Repository struct {
	cfg Config
	now func() time.Time
}

// New opens nothing eagerly; the repository is opened per call so that a
// freshly initialised tree is picked up.
func New(cfg Config) (*Repository, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("git repository path is required")
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "orbit"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "orbit@localhost"
	}
	return &Repository{cfg: cfg, now: time.Now}, nil
}

// Capabilities returns the git capabilities.
func (r *Repository) Capabilities() []capability.Capability {
	return []capability.Capability{
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionStatus,
				Description: "Show the working tree status.",
				Tier:        task.RiskLow,
				Schema:      capability.ObjectSchema(nil, map[string]*jsonschema.Schema{}),
			},
			Fn: r.status,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionLog,
				Description: "Show recent commits on HEAD.",
				Tier:        task.RiskLow,
				Schema: capability.ObjectSchema(nil, map[string]*jsonschema.Schema{
					"limit": capability.Integer("Number of commits (default 10)"),
				}),
			},
			Fn: r.log,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionCommit,
				Description: "Stage all changes and create a commit.",
				Tier:        task.RiskMedium,
				Schema: capability.ObjectSchema([]string{"message"}, map[string]*jsonschema.Schema{
					"message": capability.String("Commit message"),
				}),
			},
			Fn: r.commit,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionPush,
				Description: "Push the current branch to a remote.",
				Tier:        task.RiskHigh,
				Schema: capability.ObjectSchema(nil, map[string]*jsonschema.Schema{
					"remote": capability.String("Remote name (default origin)"),
				}),
			},
			Fn: r.push,
		},
	}
}

func (r *Repository) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(r.cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", r.cfg.RepoPath, err)
	}
	return repo, nil
}

func (r *Repository) status(ctx context.Context, _ map[string]any) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}

	branch := "(detached)"
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	if st.IsClean() {
		return fmt.Sprintf("On branch %s\nnothing to commit, working tree clean", branch), nil
	}
	return fmt.Sprintf("On branch %s\n%s", branch, strings.TrimRight(st.String(), "\n")), nil
}

func (r *Repository) log(ctx context.Context, args map[string]any) (string, error) {
	limit, err := capability.OptionalInt(args, "limit", defaultLogLimit)
	if err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return "", fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var lines []string
	err = iter.ForEach(func(c *object.Commit) error {
		if len(lines) >= limit || ctx.Err() != nil {
			return storer.ErrStop
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		lines = append(lines, fmt.Sprintf("%s %s (%s)", c.Hash.String()[:7], subject, c.Author.Name))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk log: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

func (r *Repository) commit(ctx context.Context, args map[string]any) (string, error) {
	message, err := capability.StringArg(args, "message")
	if err != nil {
		return "", err
	}
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.cfg.AuthorName,
			Email: r.cfg.AuthorEmail,
			When:  r.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return fmt.Sprintf("created commit %s", hash.String()[:7]), nil
}

func (r *Repository) push(ctx context.Context, args map[string]any) (string, error) {
	remote := capability.OptionalString(args, "remote", "origin")
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	err = repo.PushContext(ctx, &git.PushOptions{RemoteName: remote})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "everything up-to-date", nil
	}
	if err != nil {
		return "", fmt.Errorf("push to %s: %w", remote, err)
	}
	return fmt.Sprintf("pushed to %s", remote), nil
}
