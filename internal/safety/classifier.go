package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

// metaChars matches chaining, redirection, substitution and line breaks.
var metaChars = regexp.MustCompile("[;&|><`$\\n]")

// Assessor rates an action the allow-list does not cover. Implementations
// must answer deterministically for identical input.
type Assessor interface {
	AssessRisk(ctx context.Context, action string, args map[string]any) (task.RiskTier, error)
}

// Classifier implements the risk decision for proposed steps.
type Classifier struct {
	policy   Policy
	assessor Assessor
	cache    *lru.Cache[string, task.RiskTier]
	logger   *zap.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the classifier logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// DefaultCacheSize bounds the number of remembered oracle decisions.
const DefaultCacheSize = 512

// NewClassifier creates a classifier. A nil assessor makes every
// non-allow-listed action critical. cacheSize <= 0 uses DefaultCacheSize.
func NewClassifier(policy Policy, assessor Assessor, cacheSize int, opts ...Option) (*Classifier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, task.RiskTier](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	c := &Classifier{
		policy:   policy,
		assessor: assessor,
		cache:    cache,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify returns the risk tier of invoking action with args.
func (c *Classifier) Classify(ctx context.Context, action string, args map[string]any) task.RiskTier {
	floor := task.RiskLow
	if ContainsMeta(args) {
		floor = task.RiskHigh
	}

	tier, source := c.decide(ctx, action, args)
	result := task.MaxRisk(tier, floor)

	c.logger.Debug("classified action",
		zap.String("action", action),
		zap.String("source", source),
		zap.Stringer("tier", result),
		zap.Bool("meta", floor == task.RiskHigh),
	)
	return result
}

func (c *Classifier) decide(ctx context.Context, action string, args map[string]any) (task.RiskTier, string) {
	if tier, ok := c.policy.Pinned[action]; ok {
		return tier, "pinned"
	}
	if c.policy.actionAllowed(action) || c.policy.commandAllowed(action, args) {
		return task.RiskLow, "allow-list"
	}
	if c.assessor == nil {
		return task.RiskCritical, "no-assessor"
	}

	key, err := cacheKey(action, args)
	if err == nil {
		if tier, ok := c.cache.Get(key); ok {
			return tier, "cache"
		}
	}

	tier, err := c.assessor.AssessRisk(ctx, action, args)
	if err != nil {
		c.logger.Warn("risk assessment failed, treating as critical",
			zap.String("action", action),
			zap.Error(err),
		)
		return task.RiskCritical, "fail-closed"
	}
	if key != "" {
		c.cache.Add(key, tier)
	}
	return tier, "oracle"
}

// cacheKey relies on encoding/json writing map keys in sorted order.
func cacheKey(action string, args map[string]any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return action + "\x00" + string(b), nil
}

// ContainsMeta reports whether any string within args, at any nesting
// depth, contains a shell meta-character.
func ContainsMeta(args map[string]any) bool {
	for _, v := range args {
		if valueContainsMeta(v) {
			return true
		}
	}
	return false
}

func valueContainsMeta(v any) bool {
	switch val := v.(type) {
	case string:
		return metaChars.MatchString(val)
	case []string:
		for _, s := range val {
			if metaChars.MatchString(s) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if valueContainsMeta(item) {
				return true
			}
		}
	case map[string]any:
		return ContainsMeta(val)
	}
	return false
}
