// Package lease implements a single claimed name and the heartbeat that keeps
// it alive in the store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/pratilipi/nameregistry-go/events"
	"github.com/pratilipi/nameregistry-go/store"
)

var (
	ErrReleased    = errors.New("lease already released")
	ErrInvalidName = errors.New("name must not be empty")
)

type State int

const (
	StateCreated State = iota
	StateActive
	StateStopped
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a point-in-time view of a lease's health.
type Status struct {
	State State
	// Degraded is set once ConsecutiveFailures reaches the configured
	// threshold and cleared by the next successful renewal.
	Degraded bool
	// Lost is set when a renewal found the entry gone from the store, for
	// example after an external release or an outage longer than the TTL.
	Lost                bool
	ConsecutiveFailures int
	LastRenewal         time.Time
	// Deadline is the local estimate of when the store entry expires.
	Deadline  time.Time
	LastError error
}

// Lease is the client-side owner of one name. Ownership is local: the store
// lets any client overwrite or delete the entry.
type Lease struct {
	id    string
	name  string
	key   string
	st    store.Store
	cfg   Config
	clock clock.Clock
	sink  events.Sink

	// writeMu keeps one store write in flight per lease.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	address  string
	degraded bool
	lost     bool
	failures int
	lastErr  error
	renewed  time.Time
	deadline time.Time
}

func newLease(st store.Store, key, name, address string, cfg Config) (*Lease, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Lease{
		id:      uuid.NewString(),
		name:    name,
		key:     key,
		st:      st,
		cfg:     cfg,
		clock:   cfg.Clock,
		sink:    events.Multi(events.NewLogSink(cfg.Logger), cfg.Sink),
		address: address,
	}, nil
}

// Claim writes name -> address under key with a fresh TTL, replacing any
// existing entry, and returns the lease in the created state.
func Claim(ctx context.Context, st store.Store, key, name, address string, cfg Config) (*Lease, error) {
	l, err := newLease(st, key, name, address, cfg)
	if err != nil {
		return nil, err
	}

	start := l.clock.Now()
	if err := st.SetWithExpiry(ctx, key, address, l.cfg.TTL); err != nil {
		return nil, fmt.Errorf("claim %s: %w", name, err)
	}
	l.markClaimed(ctx, start)
	return l, nil
}

// TryClaim is Claim guarded by a create-if-absent. claimed is false, with a
// nil lease and error, when the name is already taken.
func TryClaim(ctx context.Context, st store.Store, key, name, address string, cfg Config) (*Lease, bool, error) {
	l, err := newLease(st, key, name, address, cfg)
	if err != nil {
		return nil, false, err
	}

	start := l.clock.Now()
	ok, err := st.SetIfAbsent(ctx, key, address, l.cfg.TTL)
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	l.markClaimed(ctx, start)
	return l, true, nil
}

func (l *Lease) markClaimed(ctx context.Context, start time.Time) {
	l.mu.Lock()
	l.renewed = start
	l.deadline = start.Add(l.cfg.TTL)
	l.mu.Unlock()
	l.publish(ctx, events.KindClaimed, nil)
}

func (l *Lease) ID() string   { return l.id }
func (l *Lease) Name() string { return l.name }
func (l *Lease) Key() string  { return l.key }

func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lease) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:               l.state,
		Degraded:            l.degraded,
		Lost:                l.lost,
		ConsecutiveFailures: l.failures,
		LastRenewal:         l.renewed,
		Deadline:            l.deadline,
		LastError:           l.lastErr,
	}
}

// Address reads the entry from the store. An absent entry yields "".
func (l *Lease) Address(ctx context.Context) (string, error) {
	if l.State() == StateReleased {
		return "", ErrReleased
	}
	val, _, err := l.st.Get(ctx, l.key)
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetAddress rewrites the entry's address without resetting its TTL. If the
// entry has vanished it is recreated with a fresh TTL.
func (l *Lease) SetAddress(ctx context.Context, address string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.State() == StateReleased {
		return ErrReleased
	}

	ok, err := l.st.Set(ctx, l.key, address)
	if err != nil {
		return fmt.Errorf("set address %s: %w", l.name, err)
	}
	if !ok {
		start := l.clock.Now()
		if err := l.st.SetWithExpiry(ctx, l.key, address, l.cfg.TTL); err != nil {
			return fmt.Errorf("set address %s: %w", l.name, err)
		}
		l.mu.Lock()
		l.lost = false
		l.renewed = start
		l.deadline = start.Add(l.cfg.TTL)
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.address = address
	l.mu.Unlock()
	return nil
}

// RenewOnce resets the entry's expiry to TTL from now. It never touches the
// address.
func (l *Lease) RenewOnce(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.State() == StateReleased {
		return ErrReleased
	}
	if err := l.refreshLocked(ctx); err != nil {
		return fmt.Errorf("renew %s: %w", l.name, err)
	}
	return nil
}

// StartAutoRenew starts the background heartbeat. It is a no-op when the
// heartbeat is already running.
func (l *Lease) StartAutoRenew() error {
	for {
		l.mu.Lock()
		switch l.state {
		case StateReleased:
			l.mu.Unlock()
			return ErrReleased
		case StateActive:
			l.mu.Unlock()
			return nil
		}

		// A previous heartbeat may still be draining after a stop.
		if prev := l.done; prev != nil {
			select {
			case <-prev:
			default:
				l.mu.Unlock()
				<-prev
				continue
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		l.state = StateActive
		l.cancel = cancel
		l.done = done
		l.mu.Unlock()

		go l.run(ctx, done)
		return nil
	}
}

// StopAutoRenew stops the heartbeat and blocks until it has exited, so no
// renewal is issued after it returns. It is a no-op when not running.
func (l *Lease) StopAutoRenew() {
	l.mu.Lock()
	if l.state == StateActive {
		l.state = StateStopped
		l.cancel()
		l.cancel = nil
	}
	done := l.done
	l.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Release stops the heartbeat, deletes the entry and moves the lease to its
// terminal state. The lease is released even if the delete fails; the TTL
// then reclaims the name.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateReleased {
		l.mu.Unlock()
		return ErrReleased
	}
	l.state = StateReleased
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	done := l.done
	l.mu.Unlock()

	if done != nil {
		<-done
	}

	l.writeMu.Lock()
	_, err := l.st.Delete(ctx, l.key)
	l.writeMu.Unlock()

	l.publish(ctx, events.KindReleased, err)
	if l.cfg.OnRelease != nil {
		l.cfg.OnRelease(l)
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	return nil
}

// refreshLocked refreshes the expiry and records the outcome. Callers hold writeMu.
func (l *Lease) refreshLocked(ctx context.Context) error {
	start := l.clock.Now()
	found, err := l.st.RefreshExpiry(ctx, l.key, l.cfg.TTL)
	l.record(ctx, start, found, err)
	return err
}

func (l *Lease) record(ctx context.Context, start time.Time, found bool, err error) {
	var kinds []events.Kind

	l.mu.Lock()
	switch {
	case err != nil:
		l.failures++
		l.lastErr = err
		kinds = append(kinds, events.KindRenewFailed)
		if l.failures == l.cfg.FailureThreshold {
			l.degraded = true
			kinds = append(kinds, events.KindDegraded)
		}
	default:
		if l.degraded {
			kinds = append(kinds, events.KindRecovered)
		}
		l.failures = 0
		l.degraded = false
		l.lastErr = nil
		if found {
			l.lost = false
			l.renewed = start
			l.deadline = start.Add(l.cfg.TTL)
		} else if !l.lost {
			l.lost = true
			kinds = append(kinds, events.KindLost)
		}
	}
	l.mu.Unlock()

	for _, kind := range kinds {
		l.publish(ctx, kind, err)
	}
}

func (l *Lease) publish(ctx context.Context, kind events.Kind, err error) {
	l.mu.Lock()
	ev := events.Event{
		Kind:     kind,
		Name:     l.name,
		Key:      l.key,
		LeaseID:  l.id,
		Address:  l.address,
		Failures: l.failures,
		Err:      err,
		Time:     l.clock.Now(),
	}
	l.mu.Unlock()
	l.sink.Publish(ctx, ev)
}
