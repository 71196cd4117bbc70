package remote

import (
	"context"
	"errors"
	"time"

	"github.com/jokh38/mqi-interface/internal/executor"
	"github.com/jokh38/mqi-interface/internal/resilience"
)

// Executor runs commands on the cluster head node through the session
// pool. Transport failures (dial errors, dead sessions, pool exhaustion)
// are transient and go through the retry policy and the circuit breaker; a
// command that reaches the remote side and exits non-zero is a permanent
// executor.ExitError and is surfaced to the caller unretried.
type Executor struct {
	pool    *Pool
	breaker *resilience.Breaker
	policy  resilience.Policy
}

func NewExecutor(pool *Pool, breaker *resilience.Breaker, policy resilience.Policy) *Executor {
	return &Executor{pool: pool, breaker: breaker, policy: policy}
}

func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration) (executor.Result, error) {
	var res executor.Result
	err := resilience.Do(ctx, e.breaker, e.policy, func(ctx context.Context) error {
		sess, err := e.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		out, err := sess.Run(runCtx, command)
		if err == nil {
			res = out
			e.pool.Release(sess)
			return nil
		}
		var exitErr *executor.ExitError
		if errors.As(err, &exitErr) {
			// The channel worked; only the command failed.
			res = out
			e.pool.Release(sess)
			return resilience.Permanent(err)
		}
		// Transport-level failure: the session may be wedged.
		e.pool.Discard(sess)
		return err
	})
	return res, err
}

// WithSession borrows a session, runs fn, and returns it, retrying fn on
// transport failures. File transfers use this to get breaker coverage
// without re-implementing acquire/release discipline.
func (e *Executor) WithSession(ctx context.Context, fn func(Session) error) error {
	return resilience.Do(ctx, e.breaker, e.policy, func(ctx context.Context) error {
		sess, err := e.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			e.pool.Discard(sess)
			return err
		}
		e.pool.Release(sess)
		return nil
	})
}
