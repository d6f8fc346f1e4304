package dispatch

import "errors"

// Validation and authorization failures surface immediately to the caller
// and are never retried. Transient store failures propagate to the task
// substrate's retry policy as store.ErrStoreUnavailable, and a mid-run
// batch failure as *fanout.PartialCommitError.

// ErrInvalidArgument marks a malformed manual-trigger request, rejected
// before any read.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrPermissionDenied marks a manual trigger by a caller who is not the
// event's organizer.
var ErrPermissionDenied = errors.New("permission denied")
