package claim

import "github.com/pkg/errors"

// Policy errors are terminal: reported with a specific reason, never retried.
var (
	ErrNotSealed      = errors.New("epoch not sealed or not published")
	ErrNotParticipant = errors.New("identity is not a sealed participant")
	ErrAlreadyClaimed = errors.New("reward already claimed")
	ErrSlotEvicted    = errors.New("ring slot evicted, claim window closed")
)

// ErrProofMismatch is an integrity error: the recomputed tree or proof does
// not reproduce the sealed root. Never retried; the affected operation halts
// and alerts, because serving a bad proof is worse than serving none.
var ErrProofMismatch = errors.New("recomputed proof does not match sealed root")
