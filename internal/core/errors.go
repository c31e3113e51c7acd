package core

import "errors"

// Sentinel errors for each class from the error-handling design: fatal
// invariant violations abort the replica (via logging.Fatalf at the call
// site), everything else is dropped and logged.
var (
	ErrNotDelivered    = errors.New("core: block not delivered")
	ErrSafetyBreach    = errors.New("core: safety breach: commit chain does not reach b_exec")
	ErrVoteBelowHeight = errors.New("core: attempted vote at or below vheight")
	ErrEquivocation    = errors.New("core: equivocating proposal at height")
	ErrVerifyFailed    = errors.New("core: signature verification failed")
	ErrDuplicate       = errors.New("core: duplicate message, already counted")
	ErrWrongState      = errors.New("core: protocol-illegal in current state")
	ErrUnknownBlock    = errors.New("core: referenced block unknown")
	ErrUnknownReplica  = errors.New("core: unknown replica id")
)
