package core

import (
	"errors"

	"github.com/valter-silva-au/digital-fte/internal/storage"
)

// Error kinds shared by the mailbox components. Callers test them with
// errors.Is; every returned error wraps exactly one of them where the kind
// matters to the caller.
var (
	// ErrConflict: another process moved the item first, or the
	// destination is occupied. Never retried.
	ErrConflict = storage.ErrConflict
	// ErrCrossDevice: a move would span filesystems and is refused.
	ErrCrossDevice = storage.ErrCrossDevice
	// ErrNotFound: no stage holds the item.
	ErrNotFound = storage.ErrNotFound
	// ErrMalformed: an item or source event could not be parsed.
	ErrMalformed = storage.ErrMalformed

	// ErrTransient: a poll or call failed in a way worth retrying later.
	ErrTransient = errors.New("transient failure")
	// ErrTimeout: the external actor did not answer in time.
	ErrTimeout = errors.New("timeout")
	// ErrFatal: misconfiguration or missing credentials; the component stops.
	ErrFatal = errors.New("fatal")
	// ErrInvalidTransition: the requested move is not an edge of the stage graph.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotOwner: the caller does not hold the claimed item.
	ErrNotOwner = errors.New("not the owner")
)
