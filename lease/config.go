package lease

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pratilipi/nameregistry-go/events"
)

const (
	DefaultTTL              = 3 * time.Second
	DefaultRenewInterval    = time.Second
	DefaultFailureThreshold = 3
)

// Config controls a lease's expiry and renewal cadence. Zero values take
// defaults; see withDefaults.
type Config struct {
	// TTL is applied on every create and renew.
	TTL time.Duration
	// RenewInterval is the heartbeat period. It must be at most TTL/2 so a
	// single missed tick never lets the entry lapse.
	RenewInterval time.Duration
	// OpTimeout bounds one background store call. Defaults to RenewInterval.
	OpTimeout time.Duration
	// FailureThreshold is the number of consecutive failed renewals after
	// which the lease reports itself degraded.
	FailureThreshold int
	// RetryBackoff is the first retry delay after a failed renewal. It doubles
	// per consecutive failure, capped at RenewInterval.
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Clock        clock.Clock
	// Sink receives lifecycle events in addition to the logger.
	Sink events.Sink
	// OnRelease runs after the lease is released.
	OnRelease func(*Lease)
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = c.TTL / 3
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = c.RenewInterval
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = c.RenewInterval / 4
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

func (c Config) validate() error {
	if c.TTL <= 0 {
		return errors.New("ttl must be > 0")
	}
	if c.RenewInterval <= 0 {
		return errors.New("renew interval must be > 0")
	}
	if c.RenewInterval*2 > c.TTL {
		return errors.New("renew interval must be <= ttl/2")
	}
	if c.OpTimeout <= 0 {
		return errors.New("op timeout must be > 0")
	}
	if c.FailureThreshold < 1 {
		return errors.New("failure threshold must be >= 1")
	}
	if c.RetryBackoff <= 0 {
		return errors.New("retry backoff must be > 0")
	}
	return nil
}
