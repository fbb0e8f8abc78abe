package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdScanPage = 500

// EtcdStore implements Store on etcd v3. Each expiring key is attached to its
// own lease; etcd lease TTLs have one-second resolution and a server-side
// minimum, so short TTLs are rounded up.
type EtcdStore struct {
	client *clientv3.Client
}

func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	return &EtcdStore{client: client}
}

func (s *EtcdStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return false, wrap("exists", key, err)
	}
	return resp.Count > 0, nil
}

func (s *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return "", false, wrap("get", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *EtcdStore) Set(ctx context.Context, key, value string) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return false, wrap("set", key, err)
	}
	return resp.Succeeded, nil
}

func (s *EtcdStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	grant, err := s.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return wrap("grant", key, err)
	}
	if _, err := s.client.Put(ctx, key, value, clientv3.WithLease(grant.ID)); err != nil {
		s.revoke(grant.ID)
		return wrap("set", key, err)
	}
	return nil
}

func (s *EtcdStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	grant, err := s.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, wrap("grant", key, err)
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, wrap("setnx", key, err)
	}
	if !resp.Succeeded {
		s.revoke(grant.ID)
	}
	return resp.Succeeded, nil
}

// RefreshExpiry keeps the key's current lease alive. Keys written without a
// lease are moved onto a fresh one, leaving the value untouched.
func (s *EtcdStore) RefreshExpiry(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	resp, err := s.client.Get(ctx, key, clientv3.WithKeysOnly())
	if err != nil {
		return false, wrap("expire", key, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}

	leaseID := clientv3.LeaseID(resp.Kvs[0].Lease)
	if leaseID != clientv3.NoLease {
		_, err := s.client.KeepAliveOnce(ctx, leaseID)
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, nil
		}
		if err != nil {
			return false, wrap("expire", key, err)
		}
		return true, nil
	}

	grant, err := s.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, wrap("grant", key, err)
	}
	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithIgnoreValue(), clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		s.revoke(grant.ID)
		return false, wrap("expire", key, err)
	}
	if !txn.Succeeded {
		s.revoke(grant.ID)
	}
	return txn.Succeeded, nil
}

func (s *EtcdStore) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Delete(ctx, key)
	if err != nil {
		return false, wrap("del", key, err)
	}
	return resp.Deleted > 0, nil
}

// ScanKeys pages through the prefix range so large namespaces are never
// loaded in a single response.
func (s *EtcdStore) ScanKeys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	end := clientv3.GetPrefixRangeEnd(prefix)
	return func(yield func(string, error) bool) {
		from := prefix
		for {
			resp, err := s.client.Get(ctx, from,
				clientv3.WithRange(end),
				clientv3.WithKeysOnly(),
				clientv3.WithLimit(etcdScanPage),
				clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
			if err != nil {
				yield("", wrap("scan", prefix, err))
				return
			}
			for _, kv := range resp.Kvs {
				if !yield(string(kv.Key), nil) {
					return
				}
			}
			if !resp.More || len(resp.Kvs) == 0 {
				return
			}
			from = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
		}
	}
}

func (s *EtcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = s.client.Revoke(ctx, id)
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
