package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/discovery"
	"github.com/limedotxyz/limescan/internal/config"
	"github.com/limedotxyz/limescan/internal/logger"
	"github.com/limedotxyz/limescan/internal/telemetry"
	"github.com/limedotxyz/limescan/pkg/clock"
	"github.com/limedotxyz/limescan/pkg/engine"
	"github.com/limedotxyz/limescan/pkg/registry"
	"github.com/limedotxyz/limescan/pkg/scanner"
	"github.com/limedotxyz/limescan/pkg/store"
	"github.com/limedotxyz/limescan/pkg/transport"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file",
	}
	envFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file with LIMESCAN_* overrides",
		Value: ".env",
	}
	relayFlag = &cli.StringSliceFlag{
		Name:  "relay",
		Usage: "fallback relay url (repeatable)",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "HTTP listen address",
	}
	etcdFlag = &cli.StringSliceFlag{
		Name:  "etcd",
		Usage: "etcd endpoint of the relay directory (repeatable)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "json or console",
	}
	sessionFlag = &cli.StringFlag{
		Name:  "session-id",
		Usage: "ring key used to pick the home relay (defaults to the hostname)",
	}
)

func main() {
	app := &cli.App{
		Name:    "limescan",
		Usage:   "mirror the live message feed of a relay and serve it over HTTP",
		Version: fmt.Sprintf("%s (%s)", version, gitSHA),
		Flags: []cli.Flag{
			configFlag, envFileFlag, relayFlag, listenFlag, etcdFlag,
			logLevelFlag, logFormatFlag, sessionFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name), c.String(envFileFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(relayFlag.Name) {
		cfg.Relay.URLs = c.StringSlice(relayFlag.Name)
	}
	if c.IsSet(listenFlag.Name) {
		cfg.HTTP.Listen = c.String(listenFlag.Name)
	}
	if c.IsSet(etcdFlag.Name) {
		cfg.Etcd.Endpoints = c.StringSlice(etcdFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = c.String(logFormatFlag.Name)
	}
	if c.IsSet(sessionFlag.Name) {
		cfg.SessionID = c.String(sessionFlag.Name)
	}
	if cfg.SessionID == "" {
		cfg.SessionID, _ = os.Hostname()
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Feed state and the goroutine that owns it
	eng := engine.New(store.New(), clock.System{}, log, &engine.Settings{
		SweepInterval: cfg.Sweep.Interval,
		QueueSize:     engine.DefaultSettings().QueueSize,
	})
	engDone := make(chan struct{})
	go func() {
		defer close(engDone)
		eng.Run(ctx)
	}()

	// 2. Relay directory, falling back to the configured urls
	reg := registry.New()
	transportSettings := transport.DefaultSettings()
	transportSettings.ReconnectDelay = cfg.Relay.ReconnectDelay
	transportSettings.ReadLimit = cfg.Relay.ReadLimit
	sc := scanner.New(eng, reg, clock.System{}, log, scanner.Config{
		SessionID:     cfg.SessionID,
		Fallback:      cfg.Relay.URLs,
		FailoverAfter: cfg.Relay.FailoverAfter,
		Difficulty:    cfg.Relay.PowDifficulty,
		Transport:     transportSettings,
	})
	defer sc.Close()

	if len(cfg.Etcd.Endpoints) > 0 {
		log.Info("creating_etcd_client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		etcdCli, err := discovery.NewClient(cfg.Etcd.Endpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer etcdCli.Close()
		dir := discovery.NewDirectory(etcdCli, cfg.Etcd.Prefix, reg, log)
		go func() {
			if err := dir.Watch(ctx, sc.Rebalance); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay_directory_watch_failed", zap.Error(err))
			}
		}()
	}

	// 3. Home relay session; Watch rebalances again once the directory loads
	sc.Connect(ctx)

	// 4. HTTP endpoints
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           sc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("limescan_listening", zap.String("addr", cfg.HTTP.Listen), zap.String("session_id", cfg.SessionID))
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-engDone
			return fmt.Errorf("http: %w", err)
		}
	}

	log.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_failed", zap.Error(err))
	}
	<-engDone
	return nil
}
