package ticket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retries of transient GitHub API failures.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// withRetry runs op, retrying rate limits and server errors with
// exponential backoff.
func withRetry(ctx context.Context, cfg *RetryConfig, logger *zap.Logger, op func() (*github.Response, error)) (*github.Response, error) {
	backoff := cfg.InitialBackoff
	var lastErr error
	var lastResp *github.Response

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !isRetryable(resp) || attempt == cfg.MaxRetries {
			break
		}
		logger.Info("retrying GitHub API call",
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastResp, lastErr
}

func isRetryable(resp *github.Response) bool {
	code := statusCode(resp)
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case code >= 500 && code < 600:
		return true
	}
	return false
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
