package core

import (
	"context"

	"github.com/mastran/synchs-omission/internal/fetch"
	"github.com/mastran/synchs-omission/internal/types"
)

// RequestMissingParents spawns one retried fetch per undelivered parent of
// b; each fetched parent is added to the store and delivery is attempted on
// that parent. b itself is not re-delivered or re-processed here. Runs off the
// core's own goroutine so a slow or unresponsive peer never blocks the
// single-threaded event loop; the delivery retry itself re-enters under
// the core's lock like any other handler.
func (c *Core) RequestMissingParents(ctx context.Context, b *types.Block) {
	for _, p := range b.Parents {
		if blk := c.store.FindBlk(p); blk != nil && blk.Delivered {
			continue
		}
		go c.fetchAndDeliver(ctx, p)
	}
}

func (c *Core) fetchAndDeliver(ctx context.Context, h types.Hash) {
	bo := fetch.NewDefaultBackOff(c.cfg.Delta() * 20)
	blk, err := fetch.WithRetry(ctx, c.host.FetchBlock, h, bo)
	if err != nil {
		c.log.Warnf("fetch %x: giving up: %v", h, err)
		return
	}

	c.mu.Lock()
	added := c.store.AddBlk(blk)
	c.deliverLocked(added)
	c.mu.Unlock()
}
