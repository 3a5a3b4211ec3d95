// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command backofficed runs the back office sync engine and serves its API
// over HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tillpoint/backoffice/core/docstore"
	"github.com/tillpoint/backoffice/internal/apiserver"
	"github.com/tillpoint/backoffice/internal/backoffice"
	"github.com/tillpoint/backoffice/internal/config"
	"github.com/tillpoint/backoffice/internal/connectivity"
	"github.com/tillpoint/backoffice/internal/docstore/memstore"
	"github.com/tillpoint/backoffice/internal/docstore/mongo"
	"github.com/tillpoint/backoffice/internal/kvstore"
)

var logger = loggo.GetLogger("backoffice.cmd")

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	flags := gnuflag.NewFlagSet("backofficed", gnuflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.configPath, "config", "backoffice.yaml", "path to the configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "environment file applied before reading the configuration")
	if err := flags.Parse(true, args); err != nil {
		return options{}, errors.Trace(err)
	}
	if flags.NArg() > 0 {
		return options{}, errors.Errorf("unexpected arguments %q", flags.Args())
	}
	return opts, nil
}

// loadConfig reads the configuration file with environment overrides on
// top. A missing env file is not an error.
func loadConfig(opts options, lookup func(string) (string, bool)) (config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
			return config.Config{}, errors.Annotatef(err, "loading %q", opts.envFile)
		}
	}
	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return config.Config{}, errors.Trace(err)
	}
	cfg.ApplyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func run(args []string, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts, os.LookupEnv)
	if err != nil {
		return err
	}
	if err := loggo.ConfigureLoggers(cfg.Logging); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openKV(cfg.Queue.Path)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeKV()

	store, prober, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeStore()

	svc, err := backoffice.New(serviceConfig(cfg, store, prober, kv))
	if err != nil {
		return errors.Trace(err)
	}
	if err := svc.Init(); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := svc.Shutdown(); err != nil {
			logger.Errorf("shutting down: %v", err)
		}
	}()

	scheduler, err := scheduleForceSync(ctx, svc, cfg.Sync.ForceInterval)
	if err != nil {
		return errors.Trace(err)
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	registry := prometheus.NewRegistry()
	collector, err := svc.Collector()
	if err != nil {
		return errors.Trace(err)
	}
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gin.SetMode(gin.ReleaseMode)
	handler, err := apiserver.NewHandler(apiserver.Config{
		Backend:      svc,
		Registry:     registry,
		AllowOrigins: cfg.HTTP.AllowOrigins,
	})
	if err != nil {
		return errors.Trace(err)
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("serving API on %s", cfg.HTTP.Listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return errors.Annotate(err, "serving API")
	case <-ctx.Done():
		logger.Infof("signal received, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("stopping API server: %v", err)
	}
	return nil
}

func openKV(path string) (kvstore.Store, func(), error) {
	if path == "" {
		logger.Warningf("no queue path configured, queued writes will not survive a restart")
		return kvstore.NewMemStore(), func() {}, nil
	}
	kv, err := kvstore.OpenSQLite(path)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return kv, func() {
		if err := kv.Close(); err != nil {
			logger.Warningf("closing %q: %v", path, err)
		}
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (docstore.Store, connectivity.Prober, func(), error) {
	if cfg.Kind == config.StoreMemory {
		logger.Warningf("using an in-memory document store")
		store := memstore.New(clock.WallClock)
		return store, store, func() {}, nil
	}
	store, err := mongo.Open(ctx, mongo.Config{
		URI:      cfg.URI,
		Database: cfg.Database,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	return store, store, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warningf("closing document store: %v", err)
		}
	}, nil
}

func serviceConfig(cfg config.Config, store docstore.Store, prober connectivity.Prober, kv kvstore.Store) backoffice.Config {
	return backoffice.Config{
		Store:         store,
		KV:            kv,
		Clock:         clock.WallClock,
		Prober:        prober,
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,

		QueueCapacity: cfg.Queue.Capacity,

		SyncRetryAttempts: cfg.Sync.RetryAttempts,
		SyncRetryDelay:    cfg.Sync.RetryDelay,
		SyncMaxRetryDelay: cfg.Sync.MaxRetryDelay,

		SubscriptionRetryDelay:    cfg.Subscriptions.RetryDelay,
		SubscriptionMaxRetryDelay: cfg.Subscriptions.MaxRetryDelay,
		CacheTTL:                  cfg.Subscriptions.CacheTTL,

		DebounceWindow:       cfg.Bus.Debounce,
		DebouncedCollections: cfg.Bus.DebouncedCollections,
	}
}

// scheduleForceSync drains the queue every interval, catching anything a
// missed connectivity transition left behind. A zero interval disables
// it and returns a nil scheduler.
func scheduleForceSync(ctx context.Context, svc *backoffice.Service, interval time.Duration) (*gocron.Scheduler, error) {
	if interval <= 0 {
		return nil, nil
	}
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	_, err := scheduler.Every(interval).Do(func() {
		if !svc.Online() || svc.Pending() == 0 {
			return
		}
		result, err := svc.ForceSync(ctx)
		if err != nil {
			logger.Warningf("scheduled sync: %v", err)
			return
		}
		logger.Debugf("scheduled sync applied %d, %d remaining", result.Applied, result.Remaining)
	})
	if err != nil {
		return nil, errors.Annotate(err, "scheduling sync")
	}
	scheduler.StartAsync()
	return scheduler, nil
}
