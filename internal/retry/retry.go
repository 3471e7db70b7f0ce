// Package retry layers retry-with-delay and poll-until-condition semantics over
// an execution.Client.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
	"github.com/rs/zerolog"
)

// Policy bounds a retried operation. MaxAttempts counts dispatches, so N
// attempts sleep N-1 times.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Exponential grows the delay by 1.5 per attempt, capped at MaxDelay when set.
	Exponential bool
	MaxDelay    time.Duration
}

// Once is a single-attempt policy.
var Once = Policy{MaxAttempts: 1}

// PolicyFromConfig builds the process-wide default policy.
func PolicyFromConfig(a config.Argus) Policy {
	return Policy{
		MaxAttempts: a.RetryCount,
		Delay:       a.RetryDelayDuration(),
		Exponential: a.Backoff == "exponential",
		MaxDelay:    a.MaxRetryDelayDuration(),
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() backoff.BackOff {
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = 1.5
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError is returned when every attempt of a retried operation failed.
type ExhaustedError struct {
	Command  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Command, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ConditionTimeoutError is returned when a polled predicate never held.
type ConditionTimeoutError struct {
	Command    string
	Attempts   int
	LastStdout string
}

func (e *ConditionTimeoutError) Error() string {
	return fmt.Sprintf("condition on %s not met after %d evaluation(s), last output %q", e.Command, e.Attempts, e.LastStdout)
}

// Executor runs commands through a client with retry accounting.
type Executor struct {
	client  execution.Client
	policy  Policy
	sleep   Sleeper
	logger  zerolog.Logger
	metrics *Metrics
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleeper replaces the wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records attempts and outcomes.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor binds a client and a default policy.
func NewExecutor(client execution.Client, policy Policy, opts ...Option) *Executor {
	e := &Executor{
		client: client,
		policy: policy,
		sleep:  SleepContext,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the default policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run is RunWithRetry with the default policy.
func (e *Executor) Run(ctx context.Context, cmd execution.Command) (execution.CommandResult, error) {
	return e.RunWithRetry(ctx, cmd, e.policy)
}

// RunWithRetry dispatches cmd until an attempt succeeds or the policy is
// exhausted. Every failure is retried the same way.
func (e *Executor) RunWithRetry(ctx context.Context, cmd execution.Command, policy Policy) (execution.CommandResult, error) {
	var result execution.CommandResult
	err := e.do(ctx, cmd.Type.String(), cmd.Text, policy, func() error {
		var err error
		result, err = e.client.Run(ctx, cmd)
		return err
	})
	return result, err
}

// CopyFile uploads a file with the default policy.
func (e *Executor) CopyFile(ctx context.Context, localPath, remotePath string) error {
	return e.do(ctx, "copy", "copy "+localPath+" to "+remotePath, e.policy, func() error {
		return e.client.CopyFile(ctx, localPath, remotePath)
	})
}

// RunUntilCondition runs cmd, with retry, until predicate holds for its stdout.
// Errors from the retried run propagate unchanged.
func (e *Executor) RunUntilCondition(ctx context.Context, cmd execution.Command, predicate func(stdout string) bool, policy Policy) error {
	attempts := policy.attempts()
	b := policy.backOff()
	var last string
	for i := 1; i <= attempts; i++ {
		res, err := e.RunWithRetry(ctx, cmd, policy)
		if err != nil {
			return err
		}
		last = res.Stdout
		if predicate(res.Stdout) {
			e.metrics.condition(true)
			return nil
		}
		e.metrics.condition(false)
		e.logger.Debug().Int("evaluation", i).Int("max", attempts).Str("stdout", res.Stdout).Msg("condition not met")
		if i < attempts {
			if err := e.sleep(ctx, b.NextBackOff()); err != nil {
				return err
			}
		}
	}
	e.metrics.conditionTimeout()
	return &ConditionTimeoutError{Command: cmd.Text, Attempts: attempts, LastStdout: last}
}

func (e *Executor) do(ctx context.Context, kind, label string, policy Policy, fn func() error) error {
	attempts := policy.attempts()
	b := policy.backOff()
	var lastErr error
	made := 0
	for i := 1; i <= attempts; i++ {
		made = i
		lastErr = fn()
		e.metrics.attempt(kind, lastErr == nil)
		if lastErr == nil {
			return nil
		}
		e.logger.Debug().Err(lastErr).Int("attempt", i).Int("max", attempts).Str("command", label).Msg("attempt failed")
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if i < attempts {
			if err := e.sleep(ctx, b.NextBackOff()); err != nil {
				return err
			}
		}
	}
	e.metrics.exhausted(kind)
	e.logger.Warn().Err(lastErr).Int("attempts", made).Str("command", label).Msg("retries exhausted")
	return &ExhaustedError{Command: label, Attempts: made, Err: lastErr}
}
