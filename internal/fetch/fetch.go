// Package fetch retries a block fetch against the network with bounded
// exponential backoff — the source's fetch-on-demand path for a block a
// delivery depends on but doesn't have locally yet (libhotstuff's
// needFetch/fetchDataIfRequire, folded here into the propagation layer's
// sync helper per SPEC_FULL.md's DOMAIN STACK).
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mastran/synchs-omission/internal/types"
)

// Fetcher retrieves one block by hash from whatever peer the host chooses;
// it returns a nil block (not an error) when the peer simply doesn't have
// it yet, which WithRetry treats as retryable.
type Fetcher func(h types.Hash) (*types.Block, error)

// WithRetry calls fetch until it returns a non-nil block, ctx is canceled,
// or backoff gives up per b's policy.
func WithRetry(ctx context.Context, fetch Fetcher, h types.Hash, b backoff.BackOff) (*types.Block, error) {
	var blk *types.Block
	op := func() error {
		found, err := fetch(h)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("fetch: %x not yet available", h)
		}
		blk = found
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return blk, nil
}

// NewDefaultBackOff returns the standard exponential policy for block
// fetches, giving up after maxElapsed total.
func NewDefaultBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return b
}
