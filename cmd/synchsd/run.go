package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mastran/synchs-omission/internal/blockstore"
	"github.com/mastran/synchs-omission/internal/cert"
	"github.com/mastran/synchs-omission/internal/committee"
	"github.com/mastran/synchs-omission/internal/config"
	"github.com/mastran/synchs-omission/internal/core"
	"github.com/mastran/synchs-omission/internal/localnet"
	"github.com/mastran/synchs-omission/internal/logging"
	"github.com/mastran/synchs-omission/internal/timer"
	"github.com/mastran/synchs-omission/internal/types"
	"github.com/mastran/synchs-omission/internal/verifypool"
	"github.com/mastran/synchs-omission/internal/walstore"
)

func runCmd() *cobra.Command {
	var (
		nreplicas      uint32
		nfaulty        uint32
		deltaMillis    uint32
		commitInterval uint64
		walRoot        string
		logLevel       string
		seconds        uint32
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an in-process demo replica network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := &config.Config{
				NReplicas:      nreplicas,
				NFaulty:        nfaulty,
				DeltaMillis:    deltaMillis,
				CommitInterval: commitInterval,
				WALDir:         walRoot,
				LogLvl:         logLevel,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.SetLevel(cfg.LogLvl)
			return runDemo(cfg, time.Duration(seconds)*time.Second)
		},
	}

	cmd.Flags().Uint32Var(&nreplicas, "nreplicas", 4, "total replica count n (n = 3f+1)")
	cmd.Flags().Uint32Var(&nfaulty, "nfaulty", 1, "tolerated Byzantine replicas f")
	cmd.Flags().Uint32Var(&deltaMillis, "delta-millis", 200, "assumed network delay bound, ms")
	cmd.Flags().Uint64Var(&commitInterval, "commit-interval", 2, "height period for commit quorums")
	cmd.Flags().StringVar(&walRoot, "wal-root", "./synchsd-wal", "root directory for per-replica WALs")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().Uint32Var(&seconds, "seconds", 20, "how long to run the demo network before exiting")

	return cmd
}

// runDemo builds cfg.NReplicas Core instances wired to a shared in-process
// Network, runs each replica's event loop, and drives proposals with a
// trivial round-robin pacemaker until duration elapses.
func runDemo(cfg *config.Config, duration time.Duration) error {
	log := logging.Get("synchsd")
	net := localnet.NewNetwork()

	ids := make([]uint64, cfg.NReplicas)
	privs := make(map[uint64]*cert.PrivateKey, cfg.NReplicas)
	peers := make([]committee.Peer, 0, cfg.NReplicas)
	for i := uint32(0); i < cfg.NReplicas; i++ {
		id := uint64(i + 1)
		ids[i] = id
		priv := cert.GeneratePrivateKey()
		privs[id] = priv
		peers = append(peers, committee.Peer{ID: id, Addr: fmt.Sprintf("local://%d", id), PubKey: priv.Public()})
	}

	comm := committee.New(peers, cfg.NFaulty)
	cores := make(map[uint64]*core.Core, cfg.NReplicas)
	wals := make(map[uint64]*walstore.WAL, cfg.NReplicas)
	timers := make(map[uint64]*timer.Service, cfg.NReplicas)

	for _, id := range ids {
		genesis := types.NewBlock(nil, 0, nil, nil, nil, nil)
		store := blockstore.New(genesis)
		ts := timer.New(64)
		vpool := verifypool.New(4)
		wal, err := walstore.Open(filepath.Join(cfg.WALDir, fmt.Sprintf("replica-%d", id)), 200)
		if err != nil {
			return fmt.Errorf("synchsd: open wal for replica %d: %w", id, err)
		}

		host := net.HostFor(id, func(f *types.Finality) {
			if f.Decision == 1 {
				log.Infof("replica %d: decided cmd %x at height %d (blk %x)", id, f.CmdHash, f.CmdHeight, f.BlkHash)
			}
		}, func(b *types.Block) {
			log.Debugf("replica %d: consensus reached on block %x (height %d)", id, b.Hash, b.Height)
		})

		c, err := core.NewCore(core.Deps{
			ID:        id,
			Cfg:       cfg,
			Committee: comm,
			Store:     store,
			Timers:    ts,
			VPool:     vpool,
			WAL:       wal,
			Host:      host,
			Priv:      privs[id],
		}, genesis)
		if err != nil {
			return fmt.Errorf("synchsd: init replica %d: %w", id, err)
		}
		cores[id] = c
		wals[id] = wal
		timers[id] = ts
		net.Register(id, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	for _, c := range cores {
		go c.Run(ctx)
	}

	go pacemaker(ctx, cfg, comm, cores, ids)

	<-ctx.Done()
	log.Infof("synchsd: shutting down")
	for id, ts := range timers {
		ts.Close()
		if err := wals[id].Close(); err != nil {
			log.Warnf("replica %d: close wal: %v", id, err)
		}
	}
	return nil
}

// pacemaker is the demo's trivial proposer loop: every 2Δ, the view's
// designated proposer (view read from the lowest-id replica, a stand-in
// for the real view-synchronization a genuine pacemaker would provide)
// extends its own tail with one command. It is intentionally outside
// internal/core — a real deployment's pacemaker is explicitly out of this
// repository's scope (§1), same as transport.
func pacemaker(ctx context.Context, cfg *config.Config, comm *committee.Committee, cores map[uint64]*core.Core, ids []uint64) {
	ticker := time.NewTicker(cfg.Delta() * 2)
	defer ticker.Stop()
	counter := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counter++
			view := cores[ids[0]].GetView()
			proposerID := comm.Proposer(view)
			c, ok := cores[proposerID]
			if !ok {
				continue
			}
			tails := c.GetTails()
			if len(tails) == 0 {
				continue
			}
			parent := tails[rand.Intn(len(tails))]
			cmd := []byte(fmt.Sprintf("cmd-%d", counter))
			if _, err := c.OnPropose([][]byte{cmd}, []types.Hash{parent}, nil); err != nil {
				logging.Get("synchsd").Debugf("proposer %d: propose: %v", proposerID, err)
			}
		}
	}
}
