package core

import (
	"context"

	"github.com/mastran/synchs-omission/internal/timer"
	"github.com/mastran/synchs-omission/internal/types"
)

// Run drives every timer-fired event into the matching on_*_timeout
// handler until ctx is canceled. This is the replica's event loop: the
// core itself never blocks, so everything it does in response to a fired
// timer runs to completion before the next event is read.
func (c *Core) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.ts.Fired():
			if !ok {
				return
			}
			c.dispatchTimer(ev)
		}
	}
}

func (c *Core) dispatchTimer(ev timer.Event) {
	switch ev.Kind {
	case timer.KindBlame:
		c.OnBlameTimeout()
	case timer.KindViewTrans:
		c.OnViewTransTimeout()
	case timer.KindPropagate:
		// Propagation timer firing only suppresses late re-broadcasts;
		// there is no direct action to take here beyond letting
		// IsArmed(KindPropagate) read false from now on.
	case timer.KindAck:
		// Same: the ack timer's firing only gates late-straggler Acks.
	case timer.KindPreCommit:
		if blk, ok := ev.Payload.(*types.Block); ok {
			c.OnPreCommitTimeout(blk)
		}
	}
}
