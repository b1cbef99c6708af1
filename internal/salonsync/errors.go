package salonsync

import (
	"errors"
	"fmt"
)

var (
	ErrNoFallback   = errors.New("no fallback available")
	ErrUnknownStore = errors.New("unknown store")
	ErrUnknownTag   = errors.New("unknown sync tag")
	ErrUnknownKind  = errors.New("unknown mutation kind")
	ErrDuplicateID  = errors.New("record id already queued")
	ErrStoreClosed  = errors.New("store is closed")
	ErrSaveOffline  = errors.New("could not save offline")
	ErrBadPayload   = errors.New("payload is not valid json")
	ErrSyncBusy     = errors.New("queue is being synced by another agent")
)

// ErrorKind classifies failures by how callers are expected to react.
type ErrorKind string

const (
	KindStorageOpen ErrorKind = "storage-open"
	KindStorageIO   ErrorKind = "storage-io"
	KindNetwork     ErrorKind = "network"
	KindStatus      ErrorKind = "status"
	KindNoFallback  ErrorKind = "no-fallback"
)

type OfflineError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *OfflineError) Unwrap() error { return e.Err }

func newError(op string, kind ErrorKind, err error) error {
	return &OfflineError{Op: op, Kind: kind, Err: err}
}

// IsKind reports whether any error in err's chain is an OfflineError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OfflineError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// IsRetryable reports whether retrying the same operation later may succeed.
// Network and non-2xx failures are; storage and fallback failures are not.
func IsRetryable(err error) bool {
	return IsKind(err, KindNetwork) || IsKind(err, KindStatus)
}

// StatusError is returned by the remote clients for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}
