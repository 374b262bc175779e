package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/10yihang/pcdsync/internal/config"
	"github.com/10yihang/pcdsync/internal/coordinator"
	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/keeper/keepertest"
	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/10yihang/pcdsync/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var simulateCommand = &cli.Command{
	Name:  "simulate",
	Usage: "run the sync loop against an in-process Keeper and prover",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "blocks",
			Usage: "Number of blocks to sync",
			Value: 10,
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Delay between simulated sync_completed events",
			Value: 100 * time.Millisecond,
		},
	},
	Action: func(ctx *cli.Context) error {
		blocks := ctx.Uint64("blocks")
		if blocks == 0 {
			return fmt.Errorf("--blocks must be positive")
		}

		spoolDir, err := os.MkdirTemp("", "pcdsync-spool-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(spoolDir)

		srv := keepertest.NewServer()
		defer srv.Close()

		cfg := config.Default()
		cfg.Store.Kind = store.KindMemory
		cfg.ProofService.Mode = config.ProofModeLocal
		cfg.ProofService.LocalKey = "simulate"
		cfg.Coordinator.SpoolDir = spoolDir
		cfg.Keeper.URL = srv.URL()
		cfg.Keeper.EventTypes = []string{string(keeper.EventSyncCompleted), string(keeper.EventStatusUpdate)}
		cfg.Keeper.PollInterval = 0
		cfg.Keeper.PingInterval = 0
		if err := cfg.Validate(); err != nil {
			return err
		}

		n, err := newNodeFromConfig(ctx.Context, cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		genesis := []pcd.NoteIdentifier{simNote(0, 0, 1000)}
		if err := n.coord.Initialize(ctx.Context, genesis); err != nil {
			return err
		}

		client := keeper.NewClient(cfg.KeeperClient())
		defer client.Close()
		n.coord.Attach(client)
		n.coord.Start()
		defer n.coord.Stop()

		if err := client.Connect(ctx.Context); err != nil {
			return fmt.Errorf("connect simulated keeper: %w", err)
		}

		spool := coordinator.NewSpoolSource(spoolDir)
		start := time.Now()
		for h := uint64(1); h <= blocks; h++ {
			if err := spool.Put(simDelta(h)); err != nil {
				return err
			}
			srv.SetStatus(keeper.Status{IsRunning: true, PcdHeight: h, ChainHeight: blocks, BlocksBehind: blocks - h, TotalSyncs: h})
			if err := srv.Push(keeper.EventSyncCompleted, keeper.SyncCompletedData{
				NewHeight:       h,
				BlocksSynced:    1,
				NotesDiscovered: 1,
				Success:         true,
			}); err != nil {
				return err
			}
			select {
			case <-ctx.Context.Done():
				return ctx.Context.Err()
			case <-time.After(ctx.Duration("interval")):
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx.Context, 30*time.Second)
		defer cancel()
		if err := waitForHeight(waitCtx, n.machine(), blocks); err != nil {
			return err
		}

		valid, err := n.coord.Verify(ctx.Context)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"blocks":   blocks,
			"elapsed":  time.Since(start).Round(time.Millisecond),
			"valid":    valid,
			"progress": n.coord.Progress().Status.String(),
		}).Info("Simulation finished")
		return printJSON(statusOf(n.machine()))
	},
}

// simDelta adds one note per block and spends the note created two blocks
// earlier.
func simDelta(h uint64) pcd.BlockDelta {
	d := pcd.BlockDelta{
		BlockHeight: h,
		AnchorNew:   fmt.Sprintf("0x%064x", h),
		NewNotes:    []pcd.NoteIdentifier{simNote(h, h, 100+h)},
	}
	if h >= 2 {
		spent := simNote(h-2, h-2, 0).Commitment
		d.SpentNullifiers = []pcd.NullifierIdentifier{{
			Nullifier:      fmt.Sprintf("0x%064x", 1<<32|h),
			NoteCommitment: spent,
		}}
	}
	return d
}

func simNote(h, pos, value uint64) pcd.NoteIdentifier {
	return pcd.NoteIdentifier{
		Commitment: fmt.Sprintf("0x%064x", 1<<48|h),
		Value:      value,
		Position:   pos,
	}
}

func waitForHeight(ctx context.Context, m *pcd.Machine, height uint64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.Height() < height {
		select {
		case <-ctx.Done():
			return fmt.Errorf("reached height %d of %d: %w", m.Height(), height, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
