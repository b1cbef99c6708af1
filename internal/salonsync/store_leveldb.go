package salonsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb key layout:
//
//	qs                          last assigned sequence number
//	qd:<store>\x00<seq:16 hex>  gob-encoded StoredRecord
//	qi:<store>\x00<id>          seq of the record with that id
//
// Iterating qd:<store> yields records in insertion order.
const (
	queueSeqKey   = "qs"
	queueDataPref = "qd:"
	queueIdxPref  = "qi:"
)

type LevelDBStore struct {
	db    *leveldb.DB
	owned bool

	mu  sync.Mutex
	seq uint64
}

// OpenLevelDBStore opens (or creates) a leveldb database at path that the
// store owns and closes.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, newError("queue.open", KindStorageOpen, err)
	}
	s, err := newLevelDBStore(db, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewLevelDBStore uses a database shared with other components. Close does
// not close db.
func NewLevelDBStore(db *leveldb.DB) (*LevelDBStore, error) {
	return newLevelDBStore(db, false)
}

func newLevelDBStore(db *leveldb.DB, owned bool) (*LevelDBStore, error) {
	s := &LevelDBStore{db: db, owned: owned}
	b, err := db.Get([]byte(queueSeqKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, newError("queue.open", KindStorageOpen, err)
	case len(b) != 8:
		return nil, newError("queue.open", KindStorageOpen, fmt.Errorf("corrupt sequence value (%d bytes)", len(b)))
	default:
		s.seq = binary.BigEndian.Uint64(b)
	}
	return s, nil
}

func dataKey(store string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%016x", queueDataPref, store, seq))
}

func idxKey(store, id string) []byte {
	return []byte(queueIdxPref + store + "\x00" + id)
}

func (s *LevelDBStore) lookup(store, id string) (uint64, bool, error) {
	b, err := s.db.Get(idxKey(store, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("corrupt index for %s/%s", store, id)
	}
	return binary.BigEndian.Uint64(b), true, nil
}

func (s *LevelDBStore) Get(_ context.Context, store, id string) ([]byte, bool, error) {
	seq, ok, err := s.lookup(store, id)
	if err != nil {
		return nil, false, newError("queue.get", KindStorageIO, err)
	}
	if !ok {
		return nil, false, nil
	}
	b, err := s.db.Get(dataKey(store, seq), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newError("queue.get", KindStorageIO, err)
	}
	var rec StoredRecord
	if err := decodeGob(b, &rec); err != nil {
		return nil, false, newError("queue.get", KindStorageIO, err)
	}
	return rec.Value, true, nil
}

func (s *LevelDBStore) Put(_ context.Context, store, id string, value []byte) error {
	b, err := encodeGob(StoredRecord{ID: id, Value: value})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists, err := s.lookup(store, id)
	if err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	seq := s.seq + 1
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	batch := new(leveldb.Batch)
	if exists {
		batch.Delete(dataKey(store, old))
	}
	batch.Put(dataKey(store, seq), b)
	batch.Put(idxKey(store, id), seqBuf[:])
	batch.Put([]byte(queueSeqKey), seqBuf[:])
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return newError("queue.put", KindStorageIO, err)
	}
	s.seq = seq
	return nil
}

func (s *LevelDBStore) Delete(_ context.Context, store, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok, err := s.lookup(store, id)
	if err != nil {
		return newError("queue.delete", KindStorageIO, err)
	}
	if !ok {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(dataKey(store, seq))
	batch.Delete(idxKey(store, id))
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return newError("queue.delete", KindStorageIO, err)
	}
	return nil
}

func (s *LevelDBStore) GetAll(_ context.Context, store string) ([]StoredRecord, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(queueDataPref+store+"\x00")), nil)
	defer it.Release()
	var out []StoredRecord
	for it.Next() {
		var rec StoredRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			return nil, newError("queue.getall", KindStorageIO, fmt.Errorf("decode %q: %w", it.Key(), err))
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, newError("queue.getall", KindStorageIO, err)
	}
	return out, nil
}

func (s *LevelDBStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
