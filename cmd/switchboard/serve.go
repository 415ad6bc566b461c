package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/server"
)

const shutdownTimeout = 30 * time.Second

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addr := fs.String("addr", "", "listen address override")
	configPath := fs.String("config", "", "TOML config file")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usagef("serve: unexpected argument %q", fs.Arg(0))
	}

	cfg, err := config.Load()
	if err != nil {
		return usagef("%v", err)
	}
	if *configPath != "" {
		err = config.LoadFile(cfg, *configPath, false)
	} else {
		err = config.LoadFile(cfg, defaultConfigPath(), true)
	}
	if err != nil {
		return usagef("%v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "switchboard", "config.toml")
}
