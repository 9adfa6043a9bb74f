package stream

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// ReconnectPolicy controls how Reconnecting reopens a stream.
type ReconnectPolicy struct {
	Vendor models.Vendor
	// MaxAttempts is the number of consecutive failed opens tolerated before
	// giving up. Zero retries forever.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OpensPerSecond bounds how often the base producer is called.
	OpensPerSecond float64
	// Retryable decides whether the error that ended a stream is worth a
	// reconnect. Every error is retried when nil.
	Retryable func(error) bool
	Log       *logger.Log
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = defaultMaxDelay
		if p.MaxDelay < p.InitialDelay {
			p.MaxDelay = p.InitialDelay
		}
	}
	if p.OpensPerSecond <= 0 {
		p.OpensPerSecond = 1
	}
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	return p
}

// delay returns the wait before reconnect attempt n, starting at 1.
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Reconnecting wraps p so the returned stream survives liveness failures and
// read errors: when the underlying stream ends it is reopened after a delay.
// The first open happens synchronously and its error is returned as is.
func Reconnecting(p Producer, policy ReconnectPolicy) Producer {
	policy = policy.withDefaults()
	return func(ctx context.Context, sub Subscription) (*Stream, error) {
		first, err := p(ctx, sub)
		if err != nil {
			return nil, err
		}
		log := policy.Log.WithComponent("reconnect").WithVendor(string(policy.Vendor))
		limiter := rate.NewLimiter(rate.Limit(policy.OpensPerSecond), 1)

		return Produce(ctx, Options{Vendor: policy.Vendor}, func(ctx context.Context, emit Emit) error {
			current := first
			for {
				streamErr := pipe(ctx, current, emit, nil)
				current.Close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if streamErr != nil && policy.Retryable != nil && !policy.Retryable(streamErr) {
					return streamErr
				}
				log.WithError(streamErr).Warn("stream ended, reconnecting")

				next, err := reopen(ctx, p, sub, policy, limiter, log, streamErr)
				if err != nil {
					return err
				}
				current = next
			}
		}), nil
	}
}

func reopen(ctx context.Context, p Producer, sub Subscription, policy ReconnectPolicy, limiter *rate.Limiter, log *logger.Entry, lastErr error) (*Stream, error) {
	for attempt := 1; ; attempt++ {
		if policy.MaxAttempts > 0 && attempt > policy.MaxAttempts {
			return nil, fmt.Errorf("reconnect %s: giving up after %d attempts: %w", policy.Vendor, policy.MaxAttempts, lastErr)
		}
		if waitForReconnect(ctx, policy.delay(attempt)) {
			return nil, ctx.Err()
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, ctx.Err()
		}

		metrics.Reconnect(string(policy.Vendor), attempt)
		s, err := p(ctx, sub)
		if err == nil {
			log.WithFields(logger.Fields{"attempt": attempt}).Info("stream reopened")
			return s, nil
		}
		lastErr = err
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
	}
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
