package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/internal/config"
	"github.com/ryandielhenn/membership/internal/logging"
	"github.com/ryandielhenn/membership/internal/server"
)

func main() {
	cfg, err := config.Parse(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(server.ExitOK)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(server.ExitStartup)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(server.ExitStartup)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, server.Options{Config: cfg, Logger: log})
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		log.Sync()
		os.Exit(server.ExitStartup)
	}

	// First signal leaves the group, a second one gives up.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("signal received, leaving", zap.Stringer("signal", sig))
		srv.Leave()
		sig = <-sigs
		log.Warn("second signal, exiting without a clean leave", zap.Stringer("signal", sig))
		log.Sync()
		os.Exit(server.ExitCrash)
	}()

	err = srv.Run(ctx)
	code := server.ExitCode(err)
	if code == server.ExitStartup {
		log.Error("member stopped", zap.Error(err))
	}
	log.Sync()
	os.Exit(code)
}
