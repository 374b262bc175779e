package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/10yihang/pcdsync/internal/proofsvc"
	"github.com/urfave/cli/v2"
)

var proverCommand = &cli.Command{
	Name:  "prover",
	Usage: "serve the in-process prover over the proof backend HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Listen address",
			Value: "127.0.0.1:3000",
		},
	},
	Action: func(ctx *cli.Context) error {
		key := ctx.String(localKeyFlag.Name)
		if key == "" {
			return errors.New("--local-key is required")
		}
		local, err := proofsvc.NewLocal([]byte(key))
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              ctx.String("listen"),
			Handler:           proofsvc.NewHandler(local),
			ReadHeaderTimeout: 5 * time.Second,
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("Could not shut down prover")
			}
		}()

		log.WithField("addr", srv.Addr).Info("Serving local prover")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
