package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/10yihang/pcdsync/internal/admin"
	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/metrics"
	"github.com/10yihang/pcdsync/internal/pcd"
	errs "github.com/10yihang/pcdsync/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "follow the Keeper and apply spooled deltas as it syncs",
	Action: func(ctx *cli.Context) error {
		n, err := newNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()
		return serve(ctx.Context, n)
	},
}

func serve(parent context.Context, n *node) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := n.cfg
	metrics.InitInfo(admin.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	n.coord.Start()
	defer n.coord.Stop()

	var client *keeper.Client
	if cfg.Keeper.Enabled {
		client = keeper.NewClient(cfg.KeeperClient())
		defer client.Close()

		n.coord.Attach(client)
		client.OnStateChange(func(s keeper.ConnState) {
			log.WithField("state", s).Debug("Keeper connection state changed")
		})
		if err := client.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			log.WithError(err).Warn("Initial keeper connection failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Enabled {
		h := admin.NewHandler(n.coord, cfg.AdminServer())
		if client != nil {
			h.SetKeeper(client)
		}
		srv := admin.NewServer(cfg.AdminServer(), h)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			return srv.Stop()
		})
	}

	if cfg.Metrics.Enabled {
		exp := metrics.NewExporter(cfg.Metrics.Addr)
		exp.SetHealth(func() error {
			if m := n.machine(); m.Status() == pcd.StatusError {
				return fmt.Errorf("pcd: %v", m.LastError())
			}
			return nil
		})
		log.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")
		g.Go(exp.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return exp.Stop(shutdownCtx)
		})
	}

	if client != nil {
		g.Go(func() error {
			// Catch up to wherever the Keeper already is.
			st, err := client.RequestStatus(gctx)
			if err != nil {
				if !errors.Is(err, errs.ErrNotConnected) {
					log.WithError(err).Warn("Could not fetch keeper status")
				}
				return nil
			}
			if _, err := n.coord.CatchUp(gctx, st.PcdHeight); err != nil {
				log.WithError(err).Error("Initial catch-up failed")
			}
			return nil
		})
	}

	log.WithField("height", n.machine().Height()).Info("pcdsync running")
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	log.Info("Shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
