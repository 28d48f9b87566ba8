package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/erni-foto/pipeline/pkg/logging"
)

// Policy holds the retry policy for one operation
type Policy struct {
	// MaxAttempts is the total number of attempts, first try included
	MaxAttempts int
	// MinWait is the wait before the first retry
	MinWait time.Duration
	// MaxWait caps the wait between attempts
	MaxWait time.Duration
	// Base is the exponential growth factor between waits
	Base float64
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
		Base:        2.0,
	}
}

// Validate checks the policy parameters
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.MinWait <= 0 {
		return fmt.Errorf("min wait must be positive, got %v", p.MinWait)
	}
	if p.MaxWait < p.MinWait {
		return fmt.Errorf("max wait %v must be at least min wait %v", p.MaxWait, p.MinWait)
	}
	if p.Base <= 1 {
		return fmt.Errorf("base must be greater than 1, got %v", p.Base)
	}
	return nil
}

// Wait returns the wait after the k-th failed attempt (k starting at 1):
// min(MaxWait, MinWait * Base^(k-1)).
func (p Policy) Wait(attempt int) time.Duration {
	wait := float64(p.MinWait) * math.Pow(p.Base, float64(attempt-1))
	if wait > float64(p.MaxWait) {
		return p.MaxWait
	}
	return time.Duration(wait)
}

// Config holds retry configuration and observer hooks
type Config struct {
	Policy Policy
	// Classify maps an error to Transient or Fatal; nil means Classify
	Classify Classifier
	// OnAttempt is called after every failed attempt
	OnAttempt func(attempt int, kind ErrorKind, willRetry bool)
	// OnRecovered is called when the operation succeeds after retrying
	OnRecovered func(attempts int)
	// OnExhausted is called when every attempt failed with a transient error
	OnExhausted func(attempts int, kind ErrorKind)
}

// Retrier executes operations under a retry policy
type Retrier struct {
	config Config
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config Config) (*Retrier, error) {
	if err := config.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if config.Classify == nil {
		config.Classify = Classify
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}, nil
}

// Execute executes the given operation under the retry policy. Transient
// failures are retried with exponential backoff; a fatal failure returns
// immediately after the attempt that produced it.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	policy := r.config.Policy
	var lastErr error
	var lastKind ErrorKind

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", policy.MaxAttempts,
				)
				if r.config.OnRecovered != nil {
					r.config.OnRecovered(attempt)
				}
			}
			return nil
		}

		lastErr = err
		lastKind = r.config.Classify(err)
		willRetry := lastKind == ErrorKindTransient && attempt < policy.MaxAttempts

		if r.config.OnAttempt != nil {
			r.config.OnAttempt(attempt, lastKind, willRetry)
		}

		if lastKind == ErrorKindFatal {
			r.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			return err
		}

		if !willRetry {
			break
		}

		wait := policy.Wait(attempt)

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"wait", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	r.logger.Error("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"attempts", policy.MaxAttempts,
	)

	if r.config.OnExhausted != nil {
		r.config.OnExhausted(policy.MaxAttempts, lastKind)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// ExecuteWithResult executes the given operation and returns its result
func ExecuteWithResult[T any](ctx context.Context, r *Retrier, operation func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}

// Retry executes an operation under the given policy without observer hooks
func Retry(ctx context.Context, policy Policy, operation func(context.Context) error) error {
	retrier, err := NewRetrier(Config{Policy: policy})
	if err != nil {
		return err
	}
	return retrier.Execute(ctx, operation)
}
