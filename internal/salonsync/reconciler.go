package salonsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSyncLeaseTTL = time.Minute

// SyncResult summarizes one reconciliation pass over a queue.
type SyncResult struct {
	Tag       string `json:"tag"`
	Store     string `json:"store"`
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Remaining int    `json:"remaining"`
	Err       error  `json:"-"`
}

// Reconciler replays queued mutations against the API.
//
// Records that touch the same entity are replayed one after another in queue
// order, and the first failure stops the rest of that entity's records for the
// pass so a later edit never lands before an earlier one. Records of different
// entities are replayed concurrently.
type Reconciler struct {
	queue       *Queue
	bookings    RemoteBookingClient
	profile     RemoteProfileClient
	concurrency int
	log         *slog.Logger
	failLog     *rateLimitedLogger
	stats       *statsCollector

	// leases keeps agents that share a queue from replaying it at once.
	leases   LeaseManager
	owner    string
	leaseTTL time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(queue *Queue, bookings RemoteBookingClient, profile RemoteProfileClient, concurrency int, log *slog.Logger) *Reconciler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = discardLogger()
	}
	return &Reconciler{
		queue:       queue,
		bookings:    bookings,
		profile:     profile,
		concurrency: concurrency,
		log:         log,
		failLog:     newRateLimitedLogger(log, 30*time.Second),
		leases:      NewMemoryLeases(),
		owner:       uuid.NewString(),
		leaseTTL:    defaultSyncLeaseTTL,
		locks:       map[string]*sync.Mutex{},
	}
}

func (r *Reconciler) tagLock(tag string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tag]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tag] = l
	}
	return l
}

// Sync drains the queue bound to tag once. It never panics or returns an
// error; failures are logged and reported in the result, and failed records
// stay queued for the next trigger. Passes for the same tag never overlap.
func (r *Reconciler) Sync(ctx context.Context, tag string) SyncResult {
	res := SyncResult{Tag: tag}
	spec, ok := specForTag(tag)
	if !ok {
		res.Err = fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		r.log.Warn("sync requested for unknown tag", "tag", tag)
		return res
	}
	res.Store = spec.Store

	l := r.tagLock(tag)
	l.Lock()
	defer l.Unlock()

	ctx, release, err := r.holdLease(ctx, spec.Store)
	if err != nil {
		res.Err = err
		if errors.Is(err, ErrSyncBusy) {
			r.log.Info("queue is being synced elsewhere, skipping pass", "tag", tag)
		} else {
			r.log.Error("sync lease failed", "tag", tag, "err", err)
		}
		return res
	}
	defer release()

	recs, bad, err := r.queue.pending(ctx, spec.Store)
	if err != nil {
		res.Err = err
		r.log.Error("sync drain failed", "tag", tag, "err", err)
		return res
	}
	for _, b := range bad {
		r.failLog.Warn("queued record is undecodable, skipping it", "store", spec.Store, "id", b.ID, "err", b.Err)
	}
	res.Failed = len(bad)
	if len(recs) == 0 {
		res.Remaining = len(bad)
		return res
	}

	var (
		order  []string
		groups = map[string][]QueuedMutation{}
	)
	for _, m := range recs {
		k := entityKey(m)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.concurrency)
	)
	for _, k := range order {
		group := groups[k]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			applied, failed, deferred := r.replayGroup(ctx, spec.Store, group)
			mu.Lock()
			res.Applied += applied
			res.Failed += failed
			res.Deferred += deferred
			mu.Unlock()
		}()
	}
	wg.Wait()

	n, err := r.queue.Count(context.WithoutCancel(ctx), spec.Store)
	if err != nil {
		res.Err = newError("sync.count", KindStorageIO, err)
		r.log.Error("count after sync failed", "tag", tag, "err", err)
	}
	res.Remaining = n
	r.log.Info("sync pass finished",
		"tag", tag,
		"applied", res.Applied,
		"failed", res.Failed,
		"deferred", res.Deferred,
		"remaining", res.Remaining,
	)
	return res
}

// holdLease claims the sync lease of store and renews it in the background
// until release is called. The returned ctx is canceled if a renewal is
// refused.
func (r *Reconciler) holdLease(ctx context.Context, store string) (context.Context, func(), error) {
	resource := "sync:" + store
	ttl := r.leaseTTL
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	lease, ok, err := r.leases.Acquire(ctx, resource, r.owner, ttl)
	if err != nil {
		return nil, nil, newError("sync.lease", KindStorageIO, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSyncBusy, store)
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				_, ok, err := r.leases.Renew(context.WithoutCancel(ctx), resource, r.owner, lease.Token, ttl)
				if err != nil || !ok {
					r.log.Warn("sync lease lost, stopping pass", "store", store, "err", err)
					cancel()
					return
				}
			}
		}
	}()

	release := func() {
		close(stop)
		<-done
		cancel()
		if err := r.leases.Release(context.WithoutCancel(ctx), resource, r.owner, lease.Token); err != nil {
			r.log.Warn("release sync lease", "store", store, "err", err)
		}
	}
	return ctx, release, nil
}

// replayGroup replays one entity's records in order, stopping at the first
// failure.
func (r *Reconciler) replayGroup(ctx context.Context, store string, group []QueuedMutation) (applied, failed, deferred int) {
	for i, m := range group {
		if err := r.replayOne(ctx, m); err != nil {
			r.failLog.Warn("replay failed, record stays queued", "store", store, "id", m.ID, "kind", m.Kind, "err", err)
			if r.stats != nil {
				r.stats.ObserveReplay(false)
			}
			return applied, 1, len(group) - i - 1
		}
		if r.stats != nil {
			r.stats.ObserveReplay(true)
		}
		// The remote call succeeded; removal must happen even if ctx is done.
		if err := r.queue.Remove(context.WithoutCancel(ctx), store, m.ID); err != nil {
			r.log.Error("remove after replay failed, record will be replayed again", "store", store, "id", m.ID, "err", err)
			return applied, 1, len(group) - i - 1
		}
		applied++
	}
	return applied, 0, 0
}

func (r *Reconciler) replayOne(ctx context.Context, m QueuedMutation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("replay panicked: %v", p)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	switch m.Kind {
	case KindCreateBooking:
		return r.bookings.CreateBooking(ctx, m.Token, m.Payload)
	case KindUpdateProfile:
		return r.profile.UpdateProfile(ctx, m.Token, m.Payload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
}

// entityKey groups records that must replay in order. Profile edits by the
// same token target the same user; bookings are independent unless the caller
// names an entity.
func entityKey(m QueuedMutation) string {
	if m.Entity != "" {
		return string(m.Kind) + ":" + m.Entity
	}
	if m.Kind == KindUpdateProfile {
		return string(m.Kind) + ":token:" + m.Token
	}
	return "id:" + m.ID
}
