// Package ratelimit throttles login attempts per identifier in fixed windows.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"livechat-presence/internal/metrics"

	"go.uber.org/zap"
)

// Store keeps attempt counters. The redis client implements it.
type Store interface {
	AttemptCount(ctx context.Context, key string) (int64, time.Duration, error)
	IncrementAttempts(ctx context.Context, key string, window time.Duration) (int64, error)
}

type Decision struct {
	Allowed           bool `json:"allowed"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retry_after_seconds,omitempty"`
}

type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	logger *zap.Logger
}

func NewLimiter(store Store, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, logger: logger}
}

func key(identifier string) string {
	return "ratelimit:login:" + strings.ToLower(strings.TrimSpace(identifier))
}

// Check reports whether identifier may attempt a login now. It does not count
// as an attempt. Store failures allow the attempt.
func (l *Limiter) Check(ctx context.Context, identifier string) Decision {
	count, ttl, err := l.store.AttemptCount(ctx, key(identifier))
	if err != nil {
		l.logger.Warn("login rate limit check failed, allowing", zap.Error(err))
		metrics.RateLimitDecisions.WithLabelValues("fail_open").Inc()
		return Decision{Allowed: true, Remaining: l.limit}
	}

	remaining := l.limit - int(count)
	if remaining > 0 {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true, Remaining: remaining}
	}

	metrics.RateLimitDecisions.WithLabelValues("blocked").Inc()
	retry := int(ttl.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfterSeconds: retry}
}

// Record counts one attempt for identifier.
func (l *Limiter) Record(ctx context.Context, identifier string) error {
	_, err := l.store.IncrementAttempts(ctx, key(identifier), l.window)
	return err
}
