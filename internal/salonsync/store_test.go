package salonsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	open func(t *testing.T) DurableStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) DurableStore { return NewMemoryStore() }},
		{name: "leveldb", open: func(t *testing.T) DurableStore {
			s, err := OpenLevelDBStore(filepath.Join(t.TempDir(), "queue"))
			require.NoError(t, err)
			return s
		}},
		{name: "sqlite", open: func(t *testing.T) DurableStore {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			return s
		}},
		{name: "redis", open: func(t *testing.T) DurableStore {
			return NewRedisStore(newRedisTestClient(t), "salonsync:test:"+uuid.NewString())
		}},
	}
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func ids(recs []StoredRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestDurableStoreContract(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			defer s.Close()
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, s.Put(ctx, StorePendingBookings, id, []byte("v-"+id)))
			}
			require.NoError(t, s.Put(ctx, StorePendingProfile, "a", []byte("profile")))

			recs, err := s.GetAll(ctx, StorePendingBookings)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, ids(recs))
			assert.Equal(t, "v-b", string(recs[1].Value))

			v, ok, err := s.Get(ctx, StorePendingProfile, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "profile", string(v))

			_, ok, err = s.Get(ctx, StorePendingBookings, "zzz")
			require.NoError(t, err)
			assert.False(t, ok)

			// Re-putting an id moves it to the tail.
			require.NoError(t, s.Put(ctx, StorePendingBookings, "a", []byte("v-a2")))
			recs, err = s.GetAll(ctx, StorePendingBookings)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c", "a"}, ids(recs))
			assert.Equal(t, "v-a2", string(recs[2].Value))

			require.NoError(t, s.Delete(ctx, StorePendingBookings, "c"))
			require.NoError(t, s.Delete(ctx, StorePendingBookings, "c"))
			require.NoError(t, s.Delete(ctx, StorePendingBookings, "never-existed"))
			recs, err = s.GetAll(ctx, StorePendingBookings)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a"}, ids(recs))

			recs, err = s.GetAll(ctx, "empty-store")
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestLevelDBStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	ctx := context.Background()

	s, err := OpenLevelDBStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, StorePendingBookings, "first", []byte("1")))
	require.NoError(t, s.Put(ctx, StorePendingBookings, "second", []byte("2")))
	require.NoError(t, s.Close())

	s, err = OpenLevelDBStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(ctx, StorePendingBookings, "third", []byte("3")))

	recs, err := s.GetAll(ctx, StorePendingBookings)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, ids(recs))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, StorePendingProfile, "p1", []byte(`{"name":"Ana"}`)))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(ctx, StorePendingProfile, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Ana"}`, string(v))
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(context.Background(), StorePendingBookings, "a", nil), ErrStoreClosed)
	_, err := s.GetAll(context.Background(), StorePendingBookings)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
