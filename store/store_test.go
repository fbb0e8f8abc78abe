package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contract runs the behaviour every adapter must share. advance moves the
// backend's notion of time forward; nil skips expiry checks.
func contract(t *testing.T, st Store, advance func(time.Duration)) {
	ctx := context.Background()
	const ttl = 3 * time.Second

	t.Run("absent key", func(t *testing.T) {
		ok, err := st.Exists(ctx, "names/missing")
		require.NoError(t, err)
		assert.False(t, ok)

		val, found, err := st.Get(ctx, "names/missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, val)

		updated, err := st.Set(ctx, "names/missing", "x")
		require.NoError(t, err)
		assert.False(t, updated)
		ok, err = st.Exists(ctx, "names/missing")
		require.NoError(t, err)
		assert.False(t, ok, "Set must not create keys")

		refreshed, err := st.RefreshExpiry(ctx, "names/missing", ttl)
		require.NoError(t, err)
		assert.False(t, refreshed)

		deleted, err := st.Delete(ctx, "names/missing")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("set get delete", func(t *testing.T) {
		require.NoError(t, st.SetWithExpiry(ctx, "names/a", "10.0.0.1:9000", ttl))

		val, found, err := st.Get(ctx, "names/a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "10.0.0.1:9000", val)

		updated, err := st.Set(ctx, "names/a", "10.0.0.2:9000")
		require.NoError(t, err)
		assert.True(t, updated)
		val, _, err = st.Get(ctx, "names/a")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:9000", val)

		refreshed, err := st.RefreshExpiry(ctx, "names/a", ttl)
		require.NoError(t, err)
		assert.True(t, refreshed)
		val, _, err = st.Get(ctx, "names/a")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:9000", val, "refresh must not rewrite the value")

		deleted, err := st.Delete(ctx, "names/a")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = st.Delete(ctx, "names/a")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("set if absent", func(t *testing.T) {
		created, err := st.SetIfAbsent(ctx, "names/b", "first", ttl)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = st.SetIfAbsent(ctx, "names/b", "second", ttl)
		require.NoError(t, err)
		assert.False(t, created)

		val, _, err := st.Get(ctx, "names/b")
		require.NoError(t, err)
		assert.Equal(t, "first", val)
		_, err = st.Delete(ctx, "names/b")
		require.NoError(t, err)
	})

	t.Run("scan by prefix", func(t *testing.T) {
		for _, key := range []string{"names/x", "names/y", "names/z", "other/x"} {
			require.NoError(t, st.SetWithExpiry(ctx, key, "", ttl))
		}
		var keys []string
		for key, err := range st.ScanKeys(ctx, "names/") {
			require.NoError(t, err)
			keys = append(keys, key)
		}
		sort.Strings(keys)
		assert.Equal(t, []string{"names/x", "names/y", "names/z"}, keys)

		for _, key := range []string{"names/x", "names/y", "names/z", "other/x"} {
			_, err := st.Delete(ctx, key)
			require.NoError(t, err)
		}
	})

	if advance == nil {
		return
	}

	t.Run("expiry", func(t *testing.T) {
		require.NoError(t, st.SetWithExpiry(ctx, "names/e", "addr", ttl))
		advance(ttl - time.Second)

		refreshed, err := st.RefreshExpiry(ctx, "names/e", ttl)
		require.NoError(t, err)
		assert.True(t, refreshed)

		advance(ttl - time.Second)
		ok, err := st.Exists(ctx, "names/e")
		require.NoError(t, err)
		assert.True(t, ok, "refresh must push the deadline out")

		updated, err := st.Set(ctx, "names/e", "addr2")
		require.NoError(t, err)
		assert.True(t, updated)

		advance(2 * time.Second)
		ok, err = st.Exists(ctx, "names/e")
		require.NoError(t, err)
		assert.False(t, ok, "Set must keep the existing deadline")

		for key, err := range st.ScanKeys(ctx, "names/") {
			require.NoError(t, err)
			assert.NotEqual(t, "names/e", key)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	mock := clock.NewMock()
	contract(t, NewMemoryStore(mock), mock.Add)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	contract(t, NewRedisStore(client), mr.FastForward)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	st := NewRedisStore(client)
	require.NoError(t, client.Ping(context.Background()).Err())

	mr.SetError("ERR injected failure")
	_, err := st.Exists(context.Background(), "names/a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "exists", storeErr.Op)
	assert.Equal(t, "names/a", storeErr.Key)

	for _, err := range st.ScanKeys(context.Background(), "names/") {
		assert.ErrorIs(t, err, ErrUnavailable)
	}
}

func TestBadgerStore(t *testing.T) {
	st, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	contract(t, st, nil)
}

func TestBadgerStoreExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on badger's one-second expiry clock")
	}
	ctx := context.Background()
	st, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SetWithExpiry(ctx, "names/short", "old", time.Second))
	updated, err := st.Set(ctx, "names/short", "new")
	require.NoError(t, err)
	require.True(t, updated)

	require.NoError(t, st.SetWithExpiry(ctx, "names/renewed", "addr", time.Second))
	refreshed, err := st.RefreshExpiry(ctx, "names/renewed", time.Minute)
	require.NoError(t, err)
	require.True(t, refreshed)

	// A one-second TTL rounds up to at most two whole seconds.
	time.Sleep(2100 * time.Millisecond)

	ok, err := st.Exists(ctx, "names/short")
	require.NoError(t, err)
	assert.False(t, ok, "Set must keep the original expiry")

	val, found, err := st.Get(ctx, "names/renewed")
	require.NoError(t, err)
	assert.True(t, found, "refresh must extend the expiry")
	assert.Equal(t, "addr", val)
}

func TestContextErrorsAreNotUnavailable(t *testing.T) {
	err := wrap("get", "names/a", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrUnavailable))

	err = wrap("get", "names/a", fmt.Errorf("dial: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrUnavailable))

	assert.ErrorIs(t, wrap("get", "names/a", errors.New("connection refused")), ErrUnavailable)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewRedisStore(client).Exists(ctx, "names/a")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestTTLSeconds(t *testing.T) {
	assert.Equal(t, int64(1), ttlSeconds(0))
	assert.Equal(t, int64(1), ttlSeconds(300*time.Millisecond))
	assert.Equal(t, int64(3), ttlSeconds(3*time.Second))
	assert.Equal(t, int64(4), ttlSeconds(3*time.Second+time.Millisecond))
}

func TestScanStopsEarly(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(nil)
	for _, key := range []string{"names/a", "names/b", "names/c"} {
		require.NoError(t, st.SetWithExpiry(ctx, key, "", time.Minute))
	}

	var seen int
	for _, err := range st.ScanKeys(ctx, "names/") {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "names/svc-a", JoinKey("names", "svc-a"))

	name, ok := SplitKey("names", "names/svc-a")
	assert.True(t, ok)
	assert.Equal(t, "svc-a", name)

	name, ok = SplitKey("names", "names/nested/svc")
	assert.True(t, ok)
	assert.Equal(t, "nested/svc", name)

	_, ok = SplitKey("names", "namesx/svc-a")
	assert.False(t, ok)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, "names/", escapeGlob("names/"))
}
