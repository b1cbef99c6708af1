package salonsync

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func openTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.OpenFile(filepath.Join(t.TempDir(), "leveldb"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func entry(body string) CacheEntry {
	return CacheEntry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func TestCachePutMatch(t *testing.T) {
	storage := NewCacheStorage(openTestDB(t), 1<<20, nil)
	c := storage.Open("v1")

	_, ok := c.Match("GET http://app.local/a.css")
	assert.False(t, ok)

	require.NoError(t, c.Put("GET http://app.local/a.css", entry("body{}")))
	got, ok := c.Match("GET http://app.local/a.css")
	require.True(t, ok)
	assert.Equal(t, "body{}", string(got.Body))
	assert.Equal(t, "v1", got.Generation)
	assert.NotZero(t, got.Hash32)
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

	require.NoError(t, c.Put("GET http://app.local/a.css", entry("body{color:red}")))
	got, ok = c.Match("GET http://app.local/a.css")
	require.True(t, ok)
	assert.Equal(t, "body{color:red}", string(got.Body))

	require.NoError(t, c.Delete("GET http://app.local/a.css"))
	_, ok = c.Match("GET http://app.local/a.css")
	assert.False(t, ok)
}

func TestCacheSurvivesRAMEviction(t *testing.T) {
	// Nothing fits the RAM budget; the disk tier still answers.
	storage := NewCacheStorage(openTestDB(t), 1, nil)
	c := storage.Open("v1")

	require.NoError(t, c.Put("k1", entry("one")))
	require.NoError(t, c.Put("k2", entry("two")))
	require.NoError(t, c.Put("k3", entry("three")))

	for k, want := range map[string]string{"k1": "one", "k2": "two", "k3": "three"} {
		got, ok := c.Match(k)
		require.True(t, ok, k)
		assert.Equal(t, want, string(got.Body))
	}
	assert.Equal(t, 0, storage.ram.Len())
}

func TestCacheGenerationsAreIsolated(t *testing.T) {
	storage := NewCacheStorage(openTestDB(t), 1<<20, nil)
	v1 := storage.Open("salonsync-cache-v1")
	v2 := storage.Open("salonsync-cache-v2")

	require.NoError(t, v1.Put("GET /", entry("old")))
	_, ok := v2.Match("GET /")
	assert.False(t, ok)

	require.NoError(t, v2.Put("GET /", entry("new")))
	gens, err := storage.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"salonsync-cache-v1", "salonsync-cache-v2"}, gens)
}

func TestEvictOtherGenerations(t *testing.T) {
	storage := NewCacheStorage(openTestDB(t), 1<<20, nil)
	v1 := storage.Open("salonsync-cache-v1")
	require.NoError(t, v1.Put("GET /", entry("old")))
	require.NoError(t, v1.Put("GET /app.js", entry("old js")))

	v2 := storage.Open("salonsync-cache-v2")
	require.NoError(t, v2.Put("GET /", entry("new")))

	removed, err := v2.EvictOtherGenerations(v2.Generation())
	require.NoError(t, err)
	assert.Equal(t, []string{"salonsync-cache-v1"}, removed)

	_, ok := v1.Match("GET /")
	assert.False(t, ok)
	_, ok = v1.Match("GET /app.js")
	assert.False(t, ok)

	got, ok := v2.Match("GET /")
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Body))

	gens, err := storage.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"salonsync-cache-v2"}, gens)

	keys, err := v1.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRAMCacheLRU(t *testing.T) {
	c := newRAMCache(30)
	c.Put("a", entry("a"), 10, nil)
	c.Put("b", entry("b"), 10, nil)
	c.Put("c", entry("c"), 10, nil)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", entry("d"), 10, nil)
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted first")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.TotalSize())

	assert.False(t, c.Put("huge", entry("x"), 31, nil))
	assert.Equal(t, 2, c.DeletePrefix("a")+c.DeletePrefix("c"))
	assert.Equal(t, 1, c.Len())
}

func TestCachePutLargerThanRAMReplacesOldEntry(t *testing.T) {
	storage := NewCacheStorage(openTestDB(t), 1024, nil)
	c := storage.Open("v1")

	require.NoError(t, c.Put("GET /", entry("small")))
	_, ok := storage.ram.Get(c.ramKey("GET /"))
	require.True(t, ok)

	big := strings.Repeat("x", 4096)
	require.NoError(t, c.Put("GET /", entry(big)))

	got, ok := c.Match("GET /")
	require.True(t, ok)
	assert.Equal(t, big, string(got.Body))
	assert.Equal(t, 0, storage.ram.Len())
}

func TestRAMFillDoesNotReplaceNewerWrite(t *testing.T) {
	c := newRAMCache(1 << 20)

	// A reader loaded "old" from disk, then a writer stored "new".
	since := c.Writes()
	c.Put("k", entry("new"), 10, nil)
	assert.False(t, c.Fill("k", entry("old"), 10, since, nil))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Body))

	// Writes to other keys also invalidate the read.
	since = c.Writes()
	c.Delete("other")
	c.Delete("k")
	assert.False(t, c.Fill("k", entry("old"), 10, since, nil))
	_, ok = c.Get("k")
	assert.False(t, ok)

	since = c.Writes()
	assert.True(t, c.Fill("k", entry("loaded"), 10, since, nil))
	assert.False(t, c.Fill("k", entry("again"), 10, c.Writes(), nil), "held keys are not refilled")
	got, ok = c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "loaded", string(got.Body))
}

func TestCacheConcurrentMatchAndPutEndsOnLastWrite(t *testing.T) {
	storage := NewCacheStorage(openTestDB(t), 1<<20, nil)
	c := storage.Open("v1")
	require.NoError(t, c.Put("k", entry("v0")))

	const writes = 200
	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				// Force reads through the disk tier.
				storage.ram.DeletePrefix(c.ramKey("k"))
				c.Match("k")
			}
		}()
	}
	for n := 1; n <= writes; n++ {
		require.NoError(t, c.Put("k", entry(fmt.Sprintf("v%d", n))))
	}
	close(done)
	wg.Wait()

	got, ok := c.Match("k")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("v%d", writes), string(got.Body))
}

func TestCachePutAll(t *testing.T) {
	storage := NewCacheStorage(openTestDB(t), 1<<20, nil)
	c := storage.Open("v1")

	require.NoError(t, c.PutAll(map[string]CacheEntry{
		"GET /a.js":  entry("a"),
		"GET /b.css": entry("b"),
	}))
	keys, err := c.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"GET /a.js", "GET /b.css"}, keys)

	got, ok := c.Match("GET /b.css")
	require.True(t, ok)
	assert.Equal(t, "b", string(got.Body))
	assert.Equal(t, "v1", got.Generation)

	require.NoError(t, c.PutAll(nil))
}

func TestCachePutAllWritesNothingOnStorageFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "leveldb")
	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	c := NewCacheStorage(db, 1<<20, nil).Open("v1")
	require.NoError(t, db.Close())

	err = c.PutAll(map[string]CacheEntry{"GET /a.js": entry("a"), "GET /b.js": entry("b")})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStorageIO))

	db, err = leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	defer db.Close()
	keys, err := NewCacheStorage(db, 1<<20, nil).Open("v1").Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
