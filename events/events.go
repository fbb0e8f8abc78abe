// Package events carries lease lifecycle notifications out of the renewal
// path. Background renewals have no caller to return errors to, so failures
// surface here instead.
package events

import (
	"context"
	"time"
)

type Kind string

const (
	KindClaimed     Kind = "claimed"
	KindRenewFailed Kind = "renew_failed"
	KindDegraded    Kind = "degraded"
	KindRecovered   Kind = "recovered"
	KindLost        Kind = "lost"
	KindReleased    Kind = "released"
)

type Event struct {
	Kind Kind
	Name string
	// Key is the store key the lease writes, which includes its namespace.
	Key     string
	LeaseID string
	Address string
	// Failures is the consecutive renewal failure count at the time of the event.
	Failures int
	Err      error
	Time     time.Time
}

// Sink receives events. Publish is called from renewal goroutines and must
// not block for long.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

type multiSink []Sink

func (m multiSink) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}
