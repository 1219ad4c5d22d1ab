package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseRecordStore runs the behaviour every backend must share.
func exerciseRecordStore(t *testing.T, s RecordStore) {
	t.Helper()
	ctx := context.Background()

	recs, err := s.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, s.Append(ctx, "alice", 0, []byte("a0")))
	require.NoError(t, s.Append(ctx, "alice", 1, []byte("a1")))
	require.NoError(t, s.Append(ctx, "bob", 0, []byte("b0")))

	err = s.Append(ctx, "alice", 1, []byte("fork"))
	assert.ErrorIs(t, err, ErrConflict, "slot already taken")
	err = s.Append(ctx, "alice", 5, []byte("gap"))
	assert.ErrorIs(t, err, ErrConflict, "gap")

	recs, err = s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a0"), []byte("a1")}, recs)

	members, err := s.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

// exerciseConcurrentAppend races writers for the same slot; exactly one wins.
func exerciseConcurrentAppend(t *testing.T, s RecordStore) {
	t.Helper()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Append(ctx, "race", 0, []byte(fmt.Sprintf("w%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, wins)

	recs, err := s.Load(ctx, "race")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseRecordStore(t, s)
	exerciseConcurrentAppend(t, s)

	require.NoError(t, s.Close())
	_, err := s.Load(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_LoadReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "m", 0, []byte("orig")))

	recs, err := s.Load(ctx, "m")
	require.NoError(t, err)
	recs[0][0] = 'X'

	recs, err = s.Load(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "orig", string(recs[0]))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Append(ctx, "m", 0, []byte("x")), context.Canceled)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("tel-test-%d", os.Getpid())
	s := NewRedisStore(addr, "", 0, prefix)
	require.NoError(t, s.Ping(ctx))
	t.Cleanup(func() {
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})

	exerciseRecordStore(t, s)
	exerciseConcurrentAppend(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Kind: KindFile, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Options{Kind: KindSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Kind: KindPostgres})
	assert.Error(t, err)
	_, err = Open(ctx, Options{Kind: KindRedis})
	assert.Error(t, err)
	_, err = Open(ctx, Options{Kind: "etcd"})
	assert.Error(t, err)
}
