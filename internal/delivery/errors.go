package delivery

import (
	"errors"
	"time"

	"github.com/growthpigs/revos-dispatch/internal/storage"
)

// preconditionError marks sound business state, not a fault: the campaign
// was paused, the post deleted, the activity cancelled. The job completes
// as a no-op.
type preconditionError struct {
	reason string
}

func (e *preconditionError) Error() string { return "precondition: " + e.reason }

func Precondition(reason string) error { return &preconditionError{reason: reason} }

func IsPrecondition(err error) bool {
	var pe *preconditionError
	return errors.As(err, &pe)
}

// deferredError reschedules the job without burning an attempt. Used when
// the internal daily limiter says the quota is gone: the job is deferred to
// the reset boundary, never dropped.
type deferredError struct {
	until  time.Time
	reason string
}

func (e *deferredError) Error() string {
	return "deferred until " + e.until.Format(time.RFC3339) + ": " + e.reason
}

func DeferUntil(until time.Time, reason string) error {
	return &deferredError{until: until, reason: reason}
}

func DeferredUntil(err error) (time.Time, bool) {
	var de *deferredError
	if errors.As(err, &de) {
		return de.until, true
	}
	return time.Time{}, false
}

// permanentError marks a failure no retry can fix, independent of what the
// API client classification says (e.g. a payload that cannot decode).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error { return &permanentError{err: err} }

func isMarkedPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func isNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
