package lease

import (
	"context"
	"time"
)

// run is the heartbeat goroutine. It renews immediately, then on a schedule
// anchored to the previous deadline rather than to the end of the last call,
// so slow renewals and scheduling delays do not accumulate drift.
func (l *Lease) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	next := l.clock.Now()
	timer := l.clock.Timer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		err := l.tick(ctx)

		now := l.clock.Now()
		if err != nil {
			next = now.Add(l.retryDelay())
		} else {
			next = next.Add(l.cfg.RenewInterval)
			if next.Before(now) {
				next = now
			}
		}
		timer.Reset(next.Sub(now))
	}
}

// tick performs one background renewal. The store call runs on a context
// detached from stop so a stop never abandons a write half-issued; OpTimeout
// bounds how long a stop can wait for it.
func (l *Lease) tick(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.OpTimeout)
	defer cancel()
	return l.refreshLocked(opCtx)
}

// retryDelay doubles RetryBackoff per consecutive failure, capped at RenewInterval.
func (l *Lease) retryDelay() time.Duration {
	l.mu.Lock()
	failures := l.failures
	l.mu.Unlock()

	delay := l.cfg.RetryBackoff
	for i := 1; i < failures && delay < l.cfg.RenewInterval; i++ {
		delay *= 2
	}
	if delay > l.cfg.RenewInterval {
		delay = l.cfg.RenewInterval
	}
	return delay
}
