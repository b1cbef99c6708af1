package salonsync

import (
	"encoding/json"
	"net/http"
	"time"
)

// CacheEntry is a stored snapshot of a GET response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// Generation is the cache name the entry was written under.
	Generation string
}

// Kind names the remote operation a queued mutation replays as.
type Kind string

const (
	KindCreateBooking Kind = "create-booking"
	KindUpdateProfile Kind = "update-profile"
)

// Well-known durable store names and background sync tags.
const (
	StorePendingBookings = "pending-bookings"
	StorePendingProfile  = "pending-profile-updates"

	TagSyncBookings = "sync-bookings"
	TagSyncProfile  = "sync-profile"
)

// QueuedMutation is a mutating request persisted while the API was unreachable.
// Entries are never updated in place.
type QueuedMutation struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Token     string          `json:"token,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// queueSpec binds a durable store to the sync tag that drains it and the
// remote operation its records replay as.
type queueSpec struct {
	Store string
	Tag   string
	Kind  Kind
}

var queueSpecs = []queueSpec{
	{Store: StorePendingBookings, Tag: TagSyncBookings, Kind: KindCreateBooking},
	{Store: StorePendingProfile, Tag: TagSyncProfile, Kind: KindUpdateProfile},
}

func specForStore(store string) (queueSpec, bool) {
	for _, s := range queueSpecs {
		if s.Store == store {
			return s, true
		}
	}
	return queueSpec{}, false
}

func specForTag(tag string) (queueSpec, bool) {
	for _, s := range queueSpecs {
		if s.Tag == tag {
			return s, true
		}
	}
	return queueSpec{}, false
}

func specForKind(kind Kind) (queueSpec, bool) {
	for _, s := range queueSpecs {
		if s.Kind == kind {
			return s, true
		}
	}
	return queueSpec{}, false
}
