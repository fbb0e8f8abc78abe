package registry

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pratilipi/nameregistry-go/lease"
	"github.com/pratilipi/nameregistry-go/store"
)

const DefaultNamespace = "names"

type Config struct {
	// Namespace separates the registry's keys from unrelated data in a shared
	// store. Keys are "<Namespace>/<name>". A namespace cannot nest inside
	// another, so it must not contain the separator.
	Namespace        string
	TTL              time.Duration
	RenewInterval    time.Duration
	OpTimeout        time.Duration
	FailureThreshold int
	RetryBackoff     time.Duration
	// RenewConcurrency caps parallel store calls in RenewAll.
	RenewConcurrency int
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.TTL == 0 {
		c.TTL = lease.DefaultTTL
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = c.TTL / 3
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = c.RenewInterval
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = lease.DefaultFailureThreshold
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = c.RenewInterval / 4
	}
	if c.RenewConcurrency == 0 {
		c.RenewConcurrency = 16
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

func (c Config) validate() error {
	if strings.Contains(c.Namespace, store.Separator) {
		return errors.New("namespace must not contain " + store.Separator)
	}
	if c.TTL <= 0 {
		return errors.New("ttl must be > 0")
	}
	if c.RenewInterval <= 0 || c.RenewInterval*2 > c.TTL {
		return errors.New("renew interval must be > 0 and <= ttl/2")
	}
	if c.RenewConcurrency < 1 {
		return errors.New("renew concurrency must be >= 1")
	}
	return nil
}
