package membuf

import "github.com/pkg/errors"

// Retryable / resource-exhaustion conditions: callers are expected to loop
// on these, never to propagate them to an end user.
var (
	ErrOutOfFrames = errors.New("membuf: no free frames available")
	ErrOutOfPages  = errors.New("membuf: no free pages available")
	ErrOutOfPIDs   = errors.New("membuf: no free pids available")
	ErrRetry       = errors.New("membuf: retry")
)

// ErrForeignReclaim is returned by Worker.ReclaimPage for any pid whose
// owner isn't the local node: reclamation of a foreign page is left to
// its owner's eviction path.
var ErrForeignReclaim = errors.New("membuf: cannot reclaim a pid owned by another node")
