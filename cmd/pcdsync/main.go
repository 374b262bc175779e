// Package main is the pcdsync command: it maintains a wallet's PCD chain and
// keeps it in step with a Keeper agent.
package main

import (
	"fmt"
	"os"

	"github.com/10yihang/pcdsync/internal/admin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func main() {
	app := cli.App{}
	app.Name = "pcdsync"
	app.Usage = "maintains a wallet's PCD proof chain and syncs it with a Keeper"
	app.Version = admin.Version
	app.Flags = appFlags
	app.Commands = []*cli.Command{
		initCommand,
		applyCommand,
		verifyCommand,
		exportCommand,
		importCommand,
		resetCommand,
		showCommand,
		watchCommand,
		serveCommand,
		simulateCommand,
		proverCommand,
		adminCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		switch format := ctx.String(logFormatFlag.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
