package worker

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"

	"story-pipeline/internal/config"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/storyjson"
	"story-pipeline/internal/telemetry"
)

// ErrorClass says whether a failed external call is worth repeating.
type ErrorClass int

const (
	Fatal ErrorClass = iota
	Transient
)

func (c ErrorClass) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

var (
	statusInMessage  = regexp.MustCompile(`\b(429|5\d\d)\b`)
	transientMarkers = []string{
		"fetch failed",
		"econnreset",
		"etimedout",
		"connection reset",
		"connection refused",
		"request processing failed",
		"unexpected eof",
	}
)

// ClassifyError decides whether err is transient. Rate limits, 5xx responses,
// network hiccups and malformed model output are transient; missing
// configuration, cancellation and everything else are fatal.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return Fatal
	case errors.Is(err, config.ErrNotConfigured), errors.Is(err, context.Canceled):
		return Fatal
	case errors.Is(err, storyjson.ErrUnparseable), errors.Is(err, storyjson.ErrInvalidStory):
		return Transient
	}

	if code, ok := llm.HTTPStatus(err); ok {
		if code == 429 || code >= 500 {
			return Transient
		}
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	if statusInMessage.MatchString(msg) {
		return Transient
	}
	return Fatal
}

// RetryPolicy bounds how often and how patiently an external call is repeated.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Sleep waits between attempts; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy allows 5 attempts with backoff doubling from 1s up to 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
}

// RetryPolicyFromConfig reads the retry settings.
func RetryPolicyFromConfig(cfg config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

// backoffDelay is min(max, base * 2^(attempt-1)) for a 1-based attempt.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) {
		return max
	}
	return time.Duration(exp)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetries runs fn until it succeeds, fails fatally or runs out of attempts.
// The last error is returned unchanged.
func withRetries[T any](ctx context.Context, p RetryPolicy, log *logger.Logger, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= maxAttempts || ClassifyError(err) != Transient || ctx.Err() != nil {
			return zero, err
		}

		delay := backoffDelay(p.BaseDelay, p.MaxDelay, attempt)
		log.Warn("retrying external call",
			"call", label,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", delay.String(),
			"error", err,
		)
		telemetry.ExternalRetries.WithLabelValues(label).Inc()
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, errors.Join(err, sleepErr)
		}
	}
}
