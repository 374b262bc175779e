package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/urfave/cli/v2"
)

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "print Keeper events as JSON lines",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "events",
			Usage: "Comma separated event types to subscribe to, all when empty",
		},
		&cli.BoolFlag{
			Name:  "sync",
			Usage: "Ask the Keeper to sync once connected",
		},
	},
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		kc := cfg.KeeperClient()
		if s := ctx.String("events"); s != "" {
			kc.EventTypes = nil
			for _, t := range strings.Split(s, ",") {
				kc.EventTypes = append(kc.EventTypes, keeper.EventType(strings.TrimSpace(t)))
			}
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := keeper.NewClient(kc)
		defer client.Close()

		enc := json.NewEncoder(os.Stdout)
		client.OnEvent(func(ev keeper.Event) {
			if err := enc.Encode(ev); err != nil {
				log.WithError(err).Error("Could not write event")
			}
		})
		client.OnError(func(err error) {
			log.WithError(err).Warn("Keeper error")
		})

		if err := client.Connect(sigCtx); err != nil {
			log.WithError(err).Warn("Initial keeper connection failed, retrying")
		}
		if ctx.Bool("sync") {
			data, err := client.RequestSync(sigCtx)
			if err != nil {
				return fmt.Errorf("request sync: %w", err)
			}
			log.WithField("response", string(data)).Info("Sync requested")
		}

		<-sigCtx.Done()
		return nil
	},
}
