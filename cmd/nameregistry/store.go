package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pratilipi/nameregistry-go/store"
)

// openStore connects the backend named by kind. The returned func releases
// its client.
func openStore(ctx context.Context, kind string) (store.Store, func(), error) {
	switch kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     env("REDIS_ADDR", "localhost:6379"),
			Password: env("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return store.NewRedisStore(client), func() { _ = client.Close() }, nil

	case "badger":
		dir := env("BADGER_DIR", "")
		if dir == "" {
			slog.Warn("BADGER_DIR not set; names live in memory only")
		}
		st, err := store.OpenBadgerStore(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		return st, func() { _ = st.Close() }, nil

	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(env("ETCD_ENDPOINTS", "localhost:2379"), ","),
			DialTimeout: envDuration("ETCD_DIAL_TIMEOUT", 5*time.Second),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		return store.NewEtcdStore(client), func() { _ = client.Close() }, nil

	case "memory":
		return store.NewMemoryStore(nil), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", kind)
}
