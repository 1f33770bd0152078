package renderer

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 800 * time.Millisecond
)

// RetryConfig bounds the in-call retry of a single transport command.
// Only transient network failures are retried; anything else surfaces
// immediately so the scheduler can record the failed attempt.
type RetryConfig struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = defaultRetryAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultRetryBaseBackoff
	}
	if c.MaxBackoff <= c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff * 2
	}
	return c
}

func newExecutor(cfg RetryConfig) failsafe.Executor[any] {
	cfg = cfg.withDefaults()
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseBackoff, cfg.MaxBackoff).
		WithMaxRetries(cfg.Attempts - 1).
		HandleIf(func(_ any, err error) bool {
			return isTransientNetworkError(err)
		}).
		ReturnLastFailure().
		Build()
	return failsafe.With[any](policy)
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"network is unreachable",
		"no route to host",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
