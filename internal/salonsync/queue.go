package salonsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue holds mutations waiting for the API, one durable store per queue.
// Enqueue failures are returned to the caller; nothing is dropped silently.
type Queue struct {
	store DurableStore
	now   func() time.Time

	mu sync.Mutex
}

func NewQueue(store DurableStore) *Queue {
	return &Queue{store: store, now: time.Now}
}

func checkStore(name string) (queueSpec, error) {
	spec, ok := specForStore(name)
	if !ok {
		return queueSpec{}, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return spec, nil
}

// Enqueue persists m in storeName and returns it with its id, kind and
// creation time filled in.
func (q *Queue) Enqueue(ctx context.Context, storeName string, m QueuedMutation) (QueuedMutation, error) {
	spec, err := checkStore(storeName)
	if err != nil {
		return QueuedMutation{}, err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = spec.Kind
	}
	if m.Kind != spec.Kind {
		return QueuedMutation{}, fmt.Errorf("%w: %q cannot be queued in %s", ErrUnknownKind, m.Kind, storeName)
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}
	if !json.Valid(m.Payload) {
		return QueuedMutation{}, fmt.Errorf("%w: record %s", ErrBadPayload, m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return QueuedMutation{}, fmt.Errorf("encode %s: %w", m.ID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists, err := q.store.Get(ctx, storeName, m.ID)
	if err != nil {
		return QueuedMutation{}, fmt.Errorf("%w: %w", ErrSaveOffline, err)
	}
	if exists {
		return QueuedMutation{}, fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	if err := q.store.Put(ctx, storeName, m.ID, b); err != nil {
		return QueuedMutation{}, fmt.Errorf("%w: %w", ErrSaveOffline, err)
	}
	return m, nil
}

// Drain returns every record of storeName in the order it was enqueued. It
// does not remove anything. A record that cannot be decoded fails the whole
// call; replay uses pending instead.
func (q *Queue) Drain(ctx context.Context, storeName string) ([]QueuedMutation, error) {
	recs, bad, err := q.pending(ctx, storeName)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		return nil, newError("queue.drain", KindStorageIO, fmt.Errorf("decode %s/%s: %w", storeName, bad[0].ID, bad[0].Err))
	}
	return recs, nil
}

// undecodable is a stored record whose value is not a QueuedMutation.
type undecodable struct {
	ID  string
	Err error
}

// pending is Drain that skips undecodable records and reports them apart, so
// one corrupt record does not hold back the rest of the queue.
func (q *Queue) pending(ctx context.Context, storeName string) ([]QueuedMutation, []undecodable, error) {
	if _, err := checkStore(storeName); err != nil {
		return nil, nil, err
	}
	recs, err := q.store.GetAll(ctx, storeName)
	if err != nil {
		return nil, nil, fmt.Errorf("drain %s: %w", storeName, err)
	}
	out := make([]QueuedMutation, 0, len(recs))
	var bad []undecodable
	for _, r := range recs {
		var m QueuedMutation
		if err := json.Unmarshal(r.Value, &m); err != nil {
			bad = append(bad, undecodable{ID: r.ID, Err: err})
			continue
		}
		if m.ID == "" {
			m.ID = r.ID
		}
		out = append(out, m)
	}
	return out, bad, nil
}

// Remove deletes one record. Removing an id that is not queued is not an error.
func (q *Queue) Remove(ctx context.Context, storeName, id string) error {
	if _, err := checkStore(storeName); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, storeName, id); err != nil {
		return fmt.Errorf("remove %s/%s: %w", storeName, id, err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, storeName, id string) (QueuedMutation, bool, error) {
	if _, err := checkStore(storeName); err != nil {
		return QueuedMutation{}, false, err
	}
	b, ok, err := q.store.Get(ctx, storeName, id)
	if err != nil || !ok {
		return QueuedMutation{}, false, err
	}
	var m QueuedMutation
	if err := json.Unmarshal(b, &m); err != nil {
		return QueuedMutation{}, false, newError("queue.get", KindStorageIO, err)
	}
	return m, true, nil
}

func (q *Queue) Count(ctx context.Context, storeName string) (int, error) {
	if _, err := checkStore(storeName); err != nil {
		return 0, err
	}
	recs, err := q.store.GetAll(ctx, storeName)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Clear removes every record of storeName.
func (q *Queue) Clear(ctx context.Context, storeName string) error {
	if _, err := checkStore(storeName); err != nil {
		return err
	}
	recs, err := q.store.GetAll(ctx, storeName)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := q.store.Delete(ctx, storeName, r.ID); err != nil {
			return fmt.Errorf("clear %s: %w", storeName, err)
		}
	}
	return nil
}
