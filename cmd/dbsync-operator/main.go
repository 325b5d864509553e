package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/client-go/dynamic"

	"github.com/edvin/dbsync/internal/config"
	"github.com/edvin/dbsync/internal/controller"
	"github.com/edvin/dbsync/internal/credential"
	"github.com/edvin/dbsync/internal/db"
	"github.com/edvin/dbsync/internal/kube"
	"github.com/edvin/dbsync/internal/logging"
	"github.com/edvin/dbsync/internal/metering"
	"github.com/edvin/dbsync/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)
	for _, n := range cfg.UnratedNetworks() {
		logger.Warn().Str("network", n).Msg("no DCU_PER_SECOND for network, usage will not be metered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("shutting down operator")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry, err := db.NewRegistry(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create database pools")
	}
	defer registry.Close()

	restConfig, err := kube.RestConfig(cfg.Kubeconfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load kubernetes config")
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create kubernetes client")
	}
	client := kube.NewClient(dyn)

	if _, err := client.List(ctx, 1); err != nil {
		logger.Fatal().Err(err).Msg("DbSyncPort CRD is not queryable, is it installed?")
	}

	informer := kube.NewInformer(dyn, 0)
	router := credential.NewRouter(registry, credential.Options{
		Schema:             cfg.DBSchema,
		AdminRole:          cfg.DBAdminRole,
		StatementTimeoutMS: cfg.DBStatementTimeoutMS,
	})
	reconciler := controller.NewReconciler(logger, client, router, m, cfg.CleanupMode)
	ctrl := controller.New(logger, informer, reconciler, m, controller.Options{Workers: cfg.ReconcileWorkers})
	if err := informer.OnChange(ctrl.Enqueue); err != nil {
		logger.Fatal().Err(err).Msg("failed to watch DbSyncPorts")
	}

	source, err := newSource(cfg, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create metering source")
	}
	engine := metering.NewEngine(logger, source, informer, m, metering.Options{
		Networks:    cfg.Networks(),
		Rates:       cfg.DCUPerSecond,
		Interval:    cfg.MetricsDelay,
		Timeout:     cfg.MeteringTimeout,
		Concurrency: cfg.MeteringConcurrency,
	})

	srv := metrics.NewServer(cfg.Addr, reg)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	informer.Start(ctx)
	if !informer.WaitForSync(ctx) {
		logger.Fatal().Msg("DbSyncPort cache did not sync")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("metering failed")
		}
	}()

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	informer.Shutdown()
	logger.Info().Msg("operator stopped")
}

func newSource(cfg *config.Config, registry *db.Registry) (metering.Source, error) {
	if cfg.MeteringSource != config.MeteringSourcePrometheus {
		return metering.NewPgStatSource(registry), nil
	}
	tlsConfig, err := cfg.PrometheusTLS()
	if err != nil {
		return nil, err
	}
	return metering.NewPrometheusSource(cfg.PrometheusURL, cfg.PrometheusQuery, tlsConfig)
}
