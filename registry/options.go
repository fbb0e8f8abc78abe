package registry

import (
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/pratilipi/nameregistry-go/events"
)

// Option configures optional registry features.
type Option func(*registryOptions) error

type registryOptions struct {
	sink  events.Sink
	clock clock.Clock
}

func applyOptions(opts []Option) (registryOptions, error) {
	var cfg registryOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return registryOptions{}, err
		}
	}
	return cfg, nil
}

// WithEventSink sends lease lifecycle events (claims, renewal failures,
// degradation, releases) to sink in addition to the configured logger.
func WithEventSink(sink events.Sink) Option {
	return func(cfg *registryOptions) error {
		if sink == nil {
			return errors.New("event sink cannot be nil")
		}
		cfg.sink = sink
		return nil
	}
}

// WithClock replaces the wall clock used for heartbeats and status times.
func WithClock(clk clock.Clock) Option {
	return func(cfg *registryOptions) error {
		if clk == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.clock = clk
		return nil
	}
}
