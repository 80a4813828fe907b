package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("vexsync/retry")

// TransientError marks a failure worth retrying within the same pass:
// network timeouts, pool exhaustion, temporarily unavailable collaborators.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so IsTransient recognizes it. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable. Explicit TransientError
// wrapping wins; otherwise net timeouts and deadline expiry qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retryer evaluates the scheduler's bounded per-item retry policy. It is
// deliberately separate from checkpoint persistence: the checkpoint decides
// what is outstanding across invocations, the Retryer decides how many times
// one invocation hammers a flaky operation before recording Failed.
type Retryer struct {
	attempts     uint
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
}

type Config struct {
	MaxAttempts  uint          // In-pass retries per operation. 0 (the default) disables them.
	InitialDelay time.Duration // Default is 1 second.
	MaxDelay     time.Duration // Default is 60 seconds. 0 means no limit.
}

func NewRetryer(config Config) *Retryer {
	r := &Retryer{
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
	}
	if r.initialDelay == 0 {
		r.initialDelay = time.Second
	}
	if r.maxDelay == 0 {
		r.maxDelay = 60 * time.Second
	}
	return r
}

// ShouldWaitAndRetry returns true after sleeping the backoff when the error
// is transient and attempts remain. A nil error resets the attempt counter.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !IsTransient(err) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.attempts > r.maxAttempts {
		if r.maxAttempts > 0 {
			l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
		}
		return false
	}

	// linear backoff
	wait := time.Duration(int64(r.attempts)) * r.initialDelay
	if wait > r.maxDelay {
		wait = r.maxDelay
	}

	l.Warn("retrying operation", zap.Error(err), zap.Duration("wait", wait))

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}
