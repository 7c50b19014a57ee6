package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"gembalance/internal/config"
	"gembalance/internal/keypool"
	"gembalance/internal/logging"
	"gembalance/internal/monitoring/tracing"
	srv "gembalance/internal/server"
	"gembalance/internal/store"
	"gembalance/internal/upstream"
)

const shutdownGrace = 10 * time.Second

func main() {
	policyPath := flag.String("config", "", "path to the policy document (default config.yaml)")
	keysPath := flag.String("keys", "", "path to the credential document (default keys.yaml)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfgMgr := config.NewManager(config.Options{PolicyPath: *policyPath, KeysPath: *keysPath})
	view := cfgMgr.Current()

	if err := logging.Setup(logging.Options{
		Level:   os.Getenv(config.EnvLogLevel),
		Debug:   *debug || view.Policy.Proxy.Debug,
		LogFile: view.Policy.Proxy.LogFile,
	}); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceShutdown, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	// Storage: indexed primary with a document fallback that takes over
	// permanently on the first write failure.
	primary, err := store.NewSQLiteStore(view.Policy.Persistence.PrimaryPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open primary state store")
	}
	fallback := store.NewFileStore(view.Policy.Persistence.FallbackPath)
	resilient := store.NewResilientStore(primary, fallback)
	if err := resilient.Init(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize state stores")
	}
	defer func() {
		if err := resilient.Close(); err != nil {
			log.WithError(err).Warn("state store close failed")
		}
	}()

	pool := keypool.NewManager(keypool.MonitoringConfigFromSettings(
		view.Policy.Monitoring.FailureThreshold,
		view.Policy.Monitoring.RecoveryTimeSeconds,
		view.Policy.Monitoring.WindowSeconds,
	), resilient)

	loaded, err := resilient.Load(ctx)
	if err != nil {
		log.WithError(err).Warn("loading persisted key state failed; starting fresh")
	}
	pool.Bootstrap(ctx, srv.KeySpecs(view.Keys), loaded)

	client := upstream.NewClient(view.Policy.Proxy.UpstreamBaseURL, view.Policy.Proxy.RequestTimeoutMs)

	// Hot reload: reconcile the pool, refresh breaker/tracker parameters, and
	// repoint the upstream client. The listener address never changes live.
	cfgMgr.Subscribe(func(v *config.View) {
		pool.Reconcile(context.Background(), srv.KeySpecs(v.Keys))
		pool.UpdateMonitoringConfig(keypool.MonitoringConfigFromSettings(
			v.Policy.Monitoring.FailureThreshold,
			v.Policy.Monitoring.RecoveryTimeSeconds,
			v.Policy.Monitoring.WindowSeconds,
		))
		client.Configure(v.Policy.Proxy.UpstreamBaseURL, v.Policy.Proxy.RequestTimeoutMs)
	})
	cfgMgr.StartWatcher()
	defer cfgMgr.Stop()

	engine := srv.BuildEngine(srv.Dependencies{
		Config:   cfgMgr,
		Pool:     pool,
		Store:    resilient,
		Upstream: client,
	})

	httpSrv := &http.Server{
		Addr:              view.Policy.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("gembalance listening on %s", view.Policy.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}

	if err := pool.Flush(shutdownCtx); err != nil {
		log.WithError(err).Warn("final state flush failed")
	}
	log.Info("server stopped")
}
