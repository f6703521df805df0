// Package speculative implements the retry policy used by read paths to
// hedge slow requests: backup requests are issued with exponentially
// growing delays until the caller is satisfied.
package speculative

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/executor"
)

// Scheduler is the delayed executor the policy schedules its requests on.
// *executor.Lane satisfies it.
type Scheduler interface {
	Schedule(delay time.Duration, task executor.Task) (*executor.Handle, error)
}

// Outcome is the completion of one speculative request. IssueNext asks the
// policy to schedule another request; Err terminates the chain.
type Outcome struct {
	IssueNext bool
	Err       error
}

// RequestExecutor issues the actual speculative requests. The returned
// channel yields exactly one Outcome; it may be delivered from any
// goroutine, typically an I/O completion one.
type RequestExecutor interface {
	IssueSpeculativeRequest() <-chan Outcome
}

// Policy holds the hedge timing parameters: the first delay, the hard
// ceiling, and the per-step multiplier applied to the previous delay.
type Policy struct {
	firstTimeoutMs int
	maxTimeoutMs   int
	multiplier     int
	logger         *zap.Logger
}

// NewPolicy validates and builds a policy. The product of maxTimeoutMs and
// multiplier must not overflow int.
func NewPolicy(firstTimeoutMs, maxTimeoutMs, multiplier int, logger *zap.Logger) (*Policy, error) {
	if firstTimeoutMs <= 0 || maxTimeoutMs <= 0 {
		return nil, errors.New("speculative: timeouts must be positive")
	}
	if multiplier < 1 {
		return nil, errors.New("speculative: backoff multiplier must be at least 1")
	}
	if maxTimeoutMs > math.MaxInt/multiplier {
		return nil, errors.New("speculative: maxTimeoutMs and multiplier would overflow")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		firstTimeoutMs: firstTimeoutMs,
		maxTimeoutMs:   maxTimeoutMs,
		multiplier:     multiplier,
		logger:         logger,
	}, nil
}

// Initiate starts a speculative chain: the first request fires
// firstTimeoutMs in the future, and each subsequent delay is the previous
// one times the multiplier, capped at maxTimeoutMs. The chain stops when a
// request reports IssueNext=false, fails, or the scheduler rejects a
// submission.
func (p *Policy) Initiate(scheduler Scheduler, requestExecutor RequestExecutor) {
	p.scheduleSpeculativeRequest(scheduler, requestExecutor, p.firstTimeoutMs)
}

func (p *Policy) scheduleSpeculativeRequest(scheduler Scheduler, requestExecutor RequestExecutor, timeoutMs int) {
	_, err := scheduler.Schedule(time.Duration(timeoutMs)*time.Millisecond, func(ctx context.Context) error {
		outcome := requestExecutor.IssueSpeculativeRequest()
		go func() {
			res, ok := <-outcome
			switch {
			case !ok || res.Err != nil:
				p.logger.Warn("Speculative request failed, stopping chain",
					zap.Int("timeout_ms", timeoutMs),
					zap.Error(res.Err))
			case res.IssueNext:
				next := timeoutMs * p.multiplier
				if next > p.maxTimeoutMs {
					next = p.maxTimeoutMs
				}
				p.scheduleSpeculativeRequest(scheduler, requestExecutor, next)
			default:
				p.logger.Debug("Stopped issuing speculative requests",
					zap.Int("timeout_ms", timeoutMs))
			}
		}()
		return nil
	})
	if err != nil {
		p.logger.Warn("Failed to schedule speculative request",
			zap.Int("timeout_ms", timeoutMs),
			zap.Error(err))
	}
}
