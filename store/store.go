package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// ErrUnavailable matches every error an adapter returns for a failed round trip
// to its backend (unreachable, timeout, auth failure). Absence of a key is
// never reported as an error.
var ErrUnavailable = errors.New("store unavailable")

// Store is the key-value contract the registry is built on. Implementations
// must be safe for concurrent use and must guarantee per-key expiry.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns found=false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set replaces the value of an existing key without touching its expiry.
	// It reports false and writes nothing when the key is absent.
	Set(ctx context.Context, key, value string) (bool, error)
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent creates the key with the given expiry only if it does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RefreshExpiry resets the expiry of an existing key to ttl from now. The
	// value is never rewritten. It reports false when the key is absent.
	RefreshExpiry(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete reports false when the key was already absent.
	Delete(ctx context.Context, key string) (bool, error)
	// ScanKeys yields every live key starting with prefix. The sequence is
	// finite, unordered and may be slow; each range over it restarts the scan.
	ScanKeys(ctx context.Context, prefix string) iter.Seq2[string, error]
}

// Error wraps a backend failure.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrUnavailable for backend failures. A cancelled or expired
// caller context is reported as itself, not as an outage.
func (e *Error) Is(target error) bool {
	if target != ErrUnavailable {
		return false
	}
	return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// Separator joins a namespace and a name into a key.
const Separator = "/"

// JoinKey builds the store key for name inside namespace.
func JoinKey(namespace, name string) string {
	return namespace + Separator + name
}

// NamespacePrefix is the scan prefix covering every key of namespace.
func NamespacePrefix(namespace string) string {
	return namespace + Separator
}

// SplitKey strips the namespace prefix and separator from key. ok is false
// when key does not belong to namespace.
func SplitKey(namespace, key string) (name string, ok bool) {
	return strings.CutPrefix(key, NamespacePrefix(namespace))
}
