package salonsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type SubmitStatus string

const (
	SubmitSent   SubmitStatus = "sent"
	SubmitQueued SubmitStatus = "queued"
)

type SubmitResult struct {
	Status SubmitStatus    `json:"status"`
	Record *QueuedMutation `json:"record,omitempty"`
}

type syncRegistrar interface {
	Register(tag string) error
}

// Outbox sends a mutation straight to the API when possible and queues it
// for background sync when the API cannot be reached.
type Outbox struct {
	queue    *Queue
	bookings RemoteBookingClient
	profile  RemoteProfileClient
	syncs    syncRegistrar
	monitor  *Monitor
	log      *slog.Logger
}

func NewOutbox(queue *Queue, bookings RemoteBookingClient, profile RemoteProfileClient, syncs syncRegistrar, monitor *Monitor, log *slog.Logger) *Outbox {
	if log == nil {
		log = discardLogger()
	}
	return &Outbox{queue: queue, bookings: bookings, profile: profile, syncs: syncs, monitor: monitor, log: log}
}

// Submit delivers a mutation. A non-2xx answer from the API is returned as an
// error and nothing is queued; only network failures (or a known offline
// state) queue the mutation. A queue failure is returned so the caller can
// tell the user the change could not be saved.
func (o *Outbox) Submit(ctx context.Context, kind Kind, token, entity string, payload json.RawMessage) (SubmitResult, error) {
	spec, ok := specForKind(kind)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if o.monitor.Online() {
		var err error
		switch kind {
		case KindCreateBooking:
			err = o.bookings.CreateBooking(ctx, token, payload)
		case KindUpdateProfile:
			err = o.profile.UpdateProfile(ctx, token, payload)
		}
		if err == nil {
			return SubmitResult{Status: SubmitSent}, nil
		}
		if !IsKind(err, KindNetwork) {
			return SubmitResult{}, err
		}
		o.log.Info("api unreachable, queueing mutation", "kind", kind, "err", err)
	}

	m, err := o.queue.Enqueue(ctx, spec.Store, QueuedMutation{
		Kind:    kind,
		Payload: payload,
		Token:   token,
		Entity:  entity,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if err := o.syncs.Register(spec.Tag); err != nil {
		o.log.Warn("register background sync failed", "tag", spec.Tag, "err", err)
	}
	return SubmitResult{Status: SubmitQueued, Record: &m}, nil
}
