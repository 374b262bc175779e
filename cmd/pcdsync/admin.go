package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/10yihang/pcdsync/internal/admin"
	"github.com/urfave/cli/v2"
)

var adminCommand = &cli.Command{
	Name:      "admin",
	Usage:     "send one command to a running admin endpoint",
	ArgsUsage: "<command> [args...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "Admin endpoint address",
			Value: admin.DefaultConfig().Addr,
		},
	},
	Action: func(ctx *cli.Context) error {
		args := ctx.Args().Slice()
		if len(args) == 0 {
			return errors.New("usage: pcdsync admin [--addr host:port] <command> [args...]")
		}

		conn, err := admin.Dial(ctx.Context, ctx.String("addr"))
		if err != nil {
			return fmt.Errorf("connect to %s: %w", ctx.String("addr"), err)
		}
		defer conn.Close()

		reply, err := conn.Do(args...)
		if err != nil {
			return err
		}
		printReply(reply, "")
		return nil
	},
}

func printReply(r admin.Reply, indent string) {
	switch v := r.(type) {
	case nil:
		fmt.Println(indent + "(nil)")
	case string:
		fmt.Println(indent + strings.TrimRight(v, "\r\n"))
	case int64:
		fmt.Printf("%s(integer) %d\n", indent, v)
	case []interface{}:
		for i, item := range v {
			fmt.Printf("%s%d) ", indent, i+1)
			printReply(item, "")
		}
	case admin.ReplyError:
		fmt.Println(indent + "(error) " + string(v))
	default:
		fmt.Printf("%s%v\n", indent, v)
	}
}
