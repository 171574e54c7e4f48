package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Policy configures retry behavior with exponential backoff
type Policy struct {
	MaxAttempts int           `koanf:"max_attempts" json:"max_attempts"` // Total attempts including the first (default: 2)
	BaseDelay   time.Duration `koanf:"base_delay" json:"base_delay"`     // Delay before the second attempt (default: 500ms)
	MaxDelay    time.Duration `koanf:"max_delay" json:"max_delay"`       // Upper bound for any delay (default: 10s)
	Multiplier  float64       `koanf:"multiplier" json:"multiplier"`     // Exponential backoff multiplier (default: 2.0)
	Jitter      bool          `koanf:"jitter" json:"jitter"`             // Add up to 10% random jitter
}

// Result describes how a retried operation went
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	Reasons       []string      `json:"reasons"` // One entry per failed attempt
}

// DefaultPolicy is used for suggestion regeneration: one retry with a short pause
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// LLMPolicy is for slower, rate limited provider calls
func LLMPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.5,
		Jitter:      true,
	}
}

// Do runs op until it succeeds, the attempts are used up, or ctx is done.
// op receives the zero-based attempt number.
func Do(ctx context.Context, policy Policy, op func(attempt int) error, logger zerolog.Logger) Result {
	return DoWithReason(ctx, policy, func(attempt int) (string, error) {
		err := op(attempt)
		if err != nil {
			return err.Error(), err
		}
		return "", nil
	}, logger)
}

// DoWithReason is Do for operations that classify their own failures. The reason is
// recorded in Result.Reasons for every failed attempt.
func DoWithReason(ctx context.Context, policy Policy, op func(attempt int) (string, error), logger zerolog.Logger) Result {
	start := time.Now()
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	result := Result{Reasons: make([]string, 0, attempts)}

	for attempt := 0; attempt < attempts; attempt++ {
		result.Attempts = attempt + 1

		reason, err := op(attempt)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				logger.Debug().Int("attempt", result.Attempts).Dur("total", result.TotalDuration).Msg("Operation succeeded after retry")
			}
			return result
		}

		result.LastError = err
		result.Reasons = append(result.Reasons, reason)

		if attempt == attempts-1 {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(policy, attempt)
		logger.Warn().
			Err(err).
			Int("attempt", result.Attempts).
			Int("max_attempts", attempts).
			Str("reason", reason).
			Dur("backoff", delay).
			Msg("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	logger.Warn().Err(result.LastError).Int("attempts", result.Attempts).Dur("total", result.TotalDuration).Msg("Operation failed")
	return result
}

// calculateDelay returns baseDelay * multiplier^attempt, capped and optionally jittered
func calculateDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(policy.BaseDelay)
		}
	}
	return time.Duration(delay)
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"overloaded",
	"too many requests",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"no such host",
	"broken pipe",
	"unexpected eof",
}

// IsRetryableError reports whether err looks like a transient provider or network failure
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
