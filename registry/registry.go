// Package registry maps human-readable names to addresses in a shared
// key-value store. Names are held by leases that must be renewed; a name
// whose owner stops renewing disappears once its TTL runs out.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/pratilipi/nameregistry-go/events"
	"github.com/pratilipi/nameregistry-go/lease"
	"github.com/pratilipi/nameregistry-go/store"
)

// ErrInvalidName is returned for an empty name.
var ErrInvalidName = lease.ErrInvalidName

// Registry is a namespace-scoped view of the store. Reads always go to the
// store; the registry only remembers the leases it minted itself.
type Registry struct {
	cfg     Config
	store   store.Store
	sink    events.Sink
	clock   clock.Clock
	logger  *slog.Logger
	tracker *leaseTracker
}

func New(cfg Config, st store.Store, opts ...Option) (*Registry, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}

	opt, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	if opt.clock == nil {
		opt.clock = clock.New()
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Registry{
		cfg:     cfg,
		store:   st,
		sink:    opt.sink,
		clock:   opt.clock,
		logger:  cfg.Logger,
		tracker: newLeaseTracker(),
	}, nil
}

func (r *Registry) Namespace() string { return r.cfg.Namespace }

// Names yields every live name in the namespace. It scans the whole store
// keyspace under the namespace prefix, so it can be slow on large stores.
// Order is whatever the store returns; each range restarts the scan.
func (r *Registry) Names(ctx context.Context) iter.Seq2[string, error] {
	prefix := store.NamespacePrefix(r.cfg.Namespace)
	return func(yield func(string, error) bool) {
		seen := make(map[string]struct{})
		for key, err := range r.store.ScanKeys(ctx, prefix) {
			if err != nil {
				yield("", fmt.Errorf("list names: %w", err))
				return
			}
			name, ok := store.SplitKey(r.cfg.Namespace, key)
			if !ok || name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if !yield(name, nil) {
				return
			}
		}
	}
}

// ListNames collects Names into a slice.
func (r *Registry) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	for name, err := range r.Names(ctx) {
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Has reports whether name is currently registered. Expired and never
// registered names are indistinguishable.
func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrInvalidName
	}
	ok, err := r.store.Exists(ctx, r.key(name))
	if err != nil {
		return false, fmt.Errorf("has %s: %w", name, err)
	}
	return ok, nil
}

// Address returns the address bound to name, or "" when name is absent.
func (r *Registry) Address(ctx context.Context, name string) (string, error) {
	addr, _, err := r.Lookup(ctx, name)
	return addr, err
}

// Lookup is Address with an explicit found flag, for callers that must tell
// an empty address from an absent name.
func (r *Registry) Lookup(ctx context.Context, name string) (address string, found bool, err error) {
	if name == "" {
		return "", false, ErrInvalidName
	}
	address, found, err = r.store.Get(ctx, r.key(name))
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", name, err)
	}
	return address, found, nil
}

// Claim binds name to address with a fresh TTL and returns a lease that is
// not yet renewing. An existing entry is taken over without any ownership
// check; use TryClaim when exclusivity matters.
func (r *Registry) Claim(ctx context.Context, name, address string) (*lease.Lease, error) {
	l, err := lease.Claim(ctx, r.store, r.key(name), name, address, r.leaseConfig())
	if err != nil {
		return nil, err
	}
	r.track(l)
	return l, nil
}

// TryClaim claims name only if no live entry exists. claimed is false when
// another holder has it.
func (r *Registry) TryClaim(ctx context.Context, name, address string) (*lease.Lease, bool, error) {
	l, ok, err := lease.TryClaim(ctx, r.store, r.key(name), name, address, r.leaseConfig())
	if err != nil || !ok {
		return nil, ok, err
	}
	r.track(l)
	return l, true, nil
}

// track makes l the lease for its name. A lease it displaces no longer owns
// the entry, so its heartbeat is stopped.
func (r *Registry) track(l *lease.Lease) {
	prev := r.tracker.add(l)
	r.logger.Debug("claimed name", slog.String("name", l.Name()), slog.String("lease_id", l.ID()))
	if prev != nil && prev != l {
		prev.StopAutoRenew()
		r.logger.Debug("lease displaced",
			slog.String("name", prev.Name()),
			slog.String("lease_id", prev.ID()),
			slog.String("by", l.ID()))
	}
}

// Release deletes name immediately, whoever holds it. When this registry
// holds a lease for name, that lease is released too, which stops its
// heartbeat. Releasing an absent name is not an error.
func (r *Registry) Release(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if l := r.tracker.get(name); l != nil {
		err := l.Release(ctx)
		if !errors.Is(err, lease.ErrReleased) {
			return err
		}
	}

	deleted, err := r.store.Delete(ctx, r.key(name))
	if err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	if l := r.tracker.removeName(name); l != nil {
		l.StopAutoRenew()
	}
	r.logger.Debug("released name", slog.String("name", name), slog.Bool("existed", deleted))
	return nil
}

// RenewAll refreshes every lease this registry claimed and still tracks.
// All leases are attempted; failures are combined into one error.
func (r *Registry) RenewAll(ctx context.Context) error {
	leases := r.tracker.snapshot()
	if len(leases) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(r.cfg.RenewConcurrency)
	for _, l := range leases {
		g.Go(func() error {
			err := l.RenewOnce(ctx)
			if err == nil || errors.Is(err, lease.ErrReleased) {
				return nil
			}
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Run renews all tracked leases every RenewInterval until ctx is done. It is
// the registry-owned alternative to per-lease StartAutoRenew.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.cfg.RenewInterval)
	defer ticker.Stop()

	r.renewRound(ctx)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.renewRound(ctx)
		}
	}
}

func (r *Registry) renewRound(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	roundCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	if err := r.RenewAll(roundCtx); err != nil {
		r.logger.Warn("renew leases",
			slog.String("namespace", r.cfg.Namespace),
			slog.Int("failed", len(multierr.Errors(err))),
			slog.String("error", err.Error()))
	}
}

// Leases returns the leases currently tracked by this registry.
func (r *Registry) Leases() []*lease.Lease {
	return r.tracker.snapshot()
}

// Close releases every tracked lease.
func (r *Registry) Close(ctx context.Context) error {
	var errs error
	for _, l := range r.tracker.snapshot() {
		if err := l.Release(ctx); err != nil && !errors.Is(err, lease.ErrReleased) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (r *Registry) key(name string) string {
	return store.JoinKey(r.cfg.Namespace, name)
}

func (r *Registry) leaseConfig() lease.Config {
	return lease.Config{
		TTL:              r.cfg.TTL,
		RenewInterval:    r.cfg.RenewInterval,
		OpTimeout:        r.cfg.OpTimeout,
		FailureThreshold: r.cfg.FailureThreshold,
		RetryBackoff:     r.cfg.RetryBackoff,
		Logger:           r.logger,
		Clock:            r.clock,
		Sink:             r.sink,
		OnRelease:        r.tracker.remove,
	}
}

// leaseTracker holds this registry's own leases keyed by bare name.
type leaseTracker struct {
	mu     sync.Mutex
	leases map[string]*lease.Lease
}

func newLeaseTracker() *leaseTracker {
	return &leaseTracker{leases: make(map[string]*lease.Lease)}
}

// add tracks l and returns the lease it replaced, if any.
func (t *leaseTracker) add(l *lease.Lease) *lease.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.leases[l.Name()]
	t.leases[l.Name()] = l
	return prev
}

func (t *leaseTracker) get(name string) *lease.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leases[name]
}

// remove forgets l only if it is still the tracked lease for its name, so a
// stale lease released after a takeover does not untrack its successor.
func (t *leaseTracker) remove(l *lease.Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.leases[l.Name()] == l {
		delete(t.leases, l.Name())
	}
}

func (t *leaseTracker) removeName(name string) *lease.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.leases[name]
	delete(t.leases, name)
	return l
}

func (t *leaseTracker) snapshot() []*lease.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*lease.Lease, 0, len(t.leases))
	for _, l := range t.leases {
		out = append(out, l)
	}
	return out
}
