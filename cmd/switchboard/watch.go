package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/pflag"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

func runWatch(args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	conn := registerClientFlags(fs)
	asJSON := fs.Bool("json", false, "print events as JSON lines")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usagef("watch: unexpected argument %q", fs.Arg(0))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := conn.client().WatchAttention(ctx, func(ev types.AttentionEvent) {
		if *asJSON {
			if line, err := sonic.Marshal(ev); err == nil {
				fmt.Println(string(line))
			}
			return
		}
		fmt.Printf("%s  %-13s %-31s %-14s p=%-5.1f %s\n",
			ev.Timestamp.Format("15:04:05"), ev.Event, ev.SessionID,
			ev.Category, ev.Priority, orDash(ev.Label))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
