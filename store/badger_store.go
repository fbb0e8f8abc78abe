package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 3

// BadgerStore implements Store on an embedded BadgerDB. Badger keeps expiry
// with one-second resolution, so TTLs are rounded up to whole seconds.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a database at dir, or an in-memory one when dir is empty.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, wrap("open", "", err)
	}
	return &BadgerStore{db: db, ownsDB: true}, nil
}

// Close closes the database if it was opened by OpenBadgerStore.
func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, wrap("exists", key, err)
	}
	return found, nil
}

func (s *BadgerStore) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value []byte
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", false, wrap("get", key, err)
	}
	return string(value), found, nil
}

func (s *BadgerStore) Set(_ context.Context, key, value string) (bool, error) {
	var found bool
	err := s.update(func(txn *badger.Txn) error {
		found = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		entry := badger.NewEntry([]byte(key), []byte(value))
		entry.ExpiresAt = item.ExpiresAt()
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, wrap("set", key, err)
	}
	return found, nil
}

func (s *BadgerStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	err := s.update(func(txn *badger.Txn) error {
		return txn.SetEntry(newExpiringEntry(key, []byte(value), ttl))
	})
	return wrap("set", key, err)
}

func (s *BadgerStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var created bool
	err := s.update(func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.SetEntry(newExpiringEntry(key, []byte(value), ttl))
	})
	if err != nil {
		return false, wrap("setnx", key, err)
	}
	return created, nil
}

func (s *BadgerStore) RefreshExpiry(_ context.Context, key string, ttl time.Duration) (bool, error) {
	var found bool
	err := s.update(func(txn *badger.Txn) error {
		found = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return txn.SetEntry(newExpiringEntry(key, value, ttl))
	})
	if err != nil {
		return false, wrap("expire", key, err)
	}
	return found, nil
}

func (s *BadgerStore) Delete(_ context.Context, key string) (bool, error) {
	var found bool
	err := s.update(func(txn *badger.Txn) error {
		found = false
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, wrap("del", key, err)
	}
	return found, nil
}

func (s *BadgerStore) ScanKeys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !yield(string(it.Item().KeyCopy(nil)), nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", wrap("scan", prefix, err))
		}
	}
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func newExpiringEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		deadline := time.Now().Add(ttl)
		secs := deadline.Unix()
		if deadline.Nanosecond() > 0 {
			secs++
		}
		entry.ExpiresAt = uint64(secs)
	}
	return entry
}
