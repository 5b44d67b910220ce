package agent

import (
	"context"
	"errors"
	"log"
	"time"
)

// Scheduler hands out timers so retry delays can be faked in tests.
type Scheduler interface {
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock is the real-time Scheduler.
var WallClock Scheduler = wallClock{}

// RetryPolicy bounds how often and how patiently the upstream is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Delay is the wait before retry n (1-based): BaseDelay * 2^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return p.BaseDelay << (n - 1)
}

// Outcome is what a reliable call produced. When Exhausted is set the
// Reply is the fallback text and the turn should still be recorded.
type Outcome struct {
	Validated
	Attempts  int
	Exhausted bool
	LastErr   error
}

// Caller wraps a Generator with validation, fallback extraction and retry.
type Caller struct {
	gen    Generator
	policy RetryPolicy
	sched  Scheduler
	logger *log.Logger
}

func NewCaller(gen Generator, policy RetryPolicy, sched Scheduler, logger *log.Logger) *Caller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if sched == nil {
		sched = WallClock
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Caller{gen: gen, policy: policy, sched: sched, logger: logger}
}

// Call invokes the generator until it yields a valid reply or the attempts
// run out. Only cancellation and ErrNotConfigured are returned as errors.
func (c *Caller) Call(ctx context.Context, req GenerateRequest) (Outcome, error) {
	var last Outcome
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-c.sched.After(c.policy.Delay(attempt - 1)):
			}
		}

		raw, err := c.gen.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, ErrNotConfigured) {
				return Outcome{}, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			c.logger.Printf("generator attempt %d/%d failed: %v", attempt, c.policy.MaxAttempts, err)
			last = Outcome{Validated: fallback(KindEmpty, nil), Attempts: attempt, LastErr: err}
			continue
		}

		v := Validate(raw)
		last = Outcome{Validated: v, Attempts: attempt}
		if v.Valid {
			if v.Recovered {
				c.logger.Printf("generator attempt %d: reply recovered from %s", attempt, v.Source)
			}
			return last, nil
		}
		c.logger.Printf("generator attempt %d/%d returned an unusable %s response", attempt, c.policy.MaxAttempts, v.Kind)
	}

	last.Exhausted = true
	c.logger.Printf("generator gave no usable reply after %d attempts, using fallback", last.Attempts)
	return last, nil
}
