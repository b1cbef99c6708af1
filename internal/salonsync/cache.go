package salonsync

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb key layout:
//
//	cg:<generation>               generation marker
//	ce:<generation>\x00<key>      gob-encoded CacheEntry
const (
	genMarkerPrefix = "cg:"
	entryPrefix     = "ce:"
	genSep          = "\x00"
)

// CacheStorage holds every cache generation. Writes to one generation and the
// eviction of another never interleave: eviction holds the write lock for the
// whole delete so a generation is either fully present or fully gone.
type CacheStorage struct {
	db  *leveldb.DB
	ram *ramCache
	log *slog.Logger

	overflowLog *rateLimitedLogger

	mu sync.RWMutex
}

func NewCacheStorage(db *leveldb.DB, ramMax int64, log *slog.Logger) *CacheStorage {
	if log == nil {
		log = discardLogger()
	}
	return &CacheStorage{
		db:          db,
		ram:         newRAMCache(ramMax),
		log:         log,
		overflowLog: newRateLimitedLogger(log, time.Minute),
	}
}

// Open returns the cache for generation name. It does not touch storage until
// the first Put.
func (s *CacheStorage) Open(name string) *Cache {
	return &Cache{storage: s, gen: name}
}

// Generations lists every generation that holds at least one entry.
func (s *CacheStorage) Generations() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genMarkerPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genMarkerPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, newError("cache.generations", KindStorageIO, err)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes every entry of generation name in one batch.
func (s *CacheStorage) Delete(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(name)
}

func (s *CacheStorage) deleteLocked(name string) (int, error) {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+genSep)), nil)
	n := 0
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		n++
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, newError("cache.delete", KindStorageIO, err)
	}
	batch.Delete([]byte(genMarkerPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return 0, newError("cache.delete", KindStorageIO, err)
	}
	s.ram.DeletePrefix(name + genSep)
	return n, nil
}

// EvictOtherGenerations deletes every generation except current and returns the
// names it removed.
func (s *CacheStorage) EvictOtherGenerations(current string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, err := s.Generations()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, g := range gens {
		if g == current {
			continue
		}
		n, err := s.deleteLocked(g)
		if err != nil {
			return removed, fmt.Errorf("evict generation %q: %w", g, err)
		}
		s.log.Info("evicted cache generation", "generation", g, "entries", n)
		removed = append(removed, g)
	}
	return removed, nil
}

// RAMSize is the byte total currently held by the RAM tier.
func (s *CacheStorage) RAMSize() int64 { return s.ram.TotalSize() }

// Cache is one generation of the cache.
type Cache struct {
	storage *CacheStorage
	gen     string
}

func (c *Cache) Generation() string { return c.gen }

// EvictOtherGenerations deletes every generation except current. Passing this
// cache's own generation is the usual activation step.
func (c *Cache) EvictOtherGenerations(current string) ([]string, error) {
	return c.storage.EvictOtherGenerations(current)
}

func (c *Cache) ramKey(key string) string   { return c.gen + genSep + key }
func (c *Cache) entryKey(key string) []byte { return []byte(entryPrefix + c.gen + genSep + key) }

// Put stores ent under key, replacing any previous entry for the key.
func (c *Cache) Put(key string, ent CacheEntry) error {
	ent.Generation = c.gen
	ent.Header = cloneHeader(ent.Header)
	if ent.Hash32 == 0 {
		ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	}
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	s := c.storage
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(genMarkerPrefix+c.gen), nil)
	batch.Put(c.entryKey(key), b)
	if err := s.db.Write(batch, nil); err != nil {
		return newError("cache.put", KindStorageIO, err)
	}
	s.ram.Put(c.ramKey(key), ent, int64(len(b)), s.overflowLog)
	return nil
}

// PutAll stores every entry in one leveldb batch: either all of them are
// written or none is.
func (c *Cache) PutAll(entries map[string]CacheEntry) error {
	type encoded struct {
		ent CacheEntry
		b   []byte
	}
	enc := make(map[string]encoded, len(entries))
	for key, ent := range entries {
		ent.Generation = c.gen
		ent.Header = cloneHeader(ent.Header)
		if ent.Hash32 == 0 {
			ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
		}
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode cache entry %q: %w", key, err)
		}
		enc[key] = encoded{ent: ent, b: b}
	}
	if len(enc) == 0 {
		return nil
	}

	s := c.storage
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(genMarkerPrefix+c.gen), nil)
	for key, e := range enc {
		batch.Put(c.entryKey(key), e.b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return newError("cache.putall", KindStorageIO, err)
	}
	for key, e := range enc {
		s.ram.Put(c.ramKey(key), e.ent, int64(len(e.b)), s.overflowLog)
	}
	return nil
}

// Match returns the entry stored under key. Storage errors read as a miss.
func (c *Cache) Match(key string) (CacheEntry, bool) {
	s := c.storage
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ent, ok := s.ram.Get(c.ramKey(key)); ok {
		return ent, true
	}
	since := s.ram.Writes()
	b, err := s.db.Get(c.entryKey(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			s.log.Warn("cache read failed", "key", key, "err", err)
		}
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		s.log.Warn("cache entry undecodable", "key", key, "err", err)
		return CacheEntry{}, false
	}
	s.ram.Fill(c.ramKey(key), ent, int64(len(b)), since, s.overflowLog)
	return ent, true
}

// Delete drops key from this generation.
func (c *Cache) Delete(key string) error {
	s := c.storage
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.ram.Delete(c.ramKey(key))
	if err := s.db.Delete(c.entryKey(key), nil); err != nil {
		return newError("cache.delete", KindStorageIO, err)
	}
	return nil
}

// Keys lists the request keys stored in this generation.
func (c *Cache) Keys() ([]string, error) {
	prefix := entryPrefix + c.gen + genSep
	it := c.storage.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Key()), prefix))
	}
	if err := it.Error(); err != nil {
		return nil, newError("cache.keys", KindStorageIO, err)
	}
	return out, nil
}
