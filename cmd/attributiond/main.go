// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// attributiond serves the private attribution API: impression recording,
// conversion measurement, budget inspection and ledger reset, plus
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/attribution/pkg/attribution"
	"github.com/luxfi/attribution/pkg/budget"
	"github.com/luxfi/attribution/pkg/eventstore"
	"github.com/luxfi/attribution/pkg/log"
	"github.com/luxfi/attribution/pkg/metric"
	"github.com/luxfi/attribution/pkg/storage"
)

func main() {
	var (
		port     = flag.String("port", "8080", "API server port")
		env      = flag.String("env", "development", "Environment (development/production)")
		logLevel = flag.String("log-level", "info", "Log level (debug/info/warn/error)")

		dbType = flag.String("db", "badger", "Database backend (badger/memory)")
		dbPath = flag.String("db-path", "/var/lib/attributiond", "Database directory")

		enabled      = flag.Bool("enabled", true, "Whether attribution is active; when off, all operations no-op")
		collectorURL = flag.String("collector", "", "Report collector URL; empty logs reports instead of submitting")

		ncCapacity       = flag.Float64("filter-nc", 1.0, "Per-querier filter capacity (epsilon)")
		cCapacity        = flag.Float64("filter-c", 8.0, "Collusion filter capacity (epsilon)")
		qTriggerCapacity = flag.Float64("filter-qtrigger", 2.0, "Per-trigger quota capacity (epsilon)")
		qSourceCapacity  = flag.Float64("filter-qsource", 4.0, "Per-source quota capacity (epsilon)")

		maxHistogramSize = flag.Uint("max-histogram-size", attribution.DefaultMaxHistogramSize, "Largest accepted report length")
		maxLookbackDays  = flag.Uint("max-lookback-days", attribution.DefaultMaxLookbackDays, "Longest accepted attribution window")
	)
	flag.Parse()

	logger := log.NewWithLevel(*logLevel)
	defer func() { _ = logger.Sync() }()

	store, err := storage.NewStorage(*dbType, *dbPath)
	if err != nil {
		logger.Error("failed to open database",
			log.String("path", *dbPath),
			log.Error(err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	metrics, err := metric.NewMetrics()
	if err != nil {
		logger.Error("failed to register metrics", log.Error(err))
		os.Exit(1)
	}

	cfg := attribution.Config{
		Capacities: budget.Capacities{
			Nc:       budget.Epsilon(*ncCapacity),
			C:        budget.Epsilon(*cCapacity),
			QTrigger: budget.Epsilon(*qTriggerCapacity),
			QSource:  budget.Epsilon(*qSourceCapacity),
		},
		MaxHistogramSize: uint32(*maxHistogramSize),
		MaxLookbackDays:  uint32(*maxLookbackDays),
	}

	var submitter attribution.Submitter
	if *collectorURL != "" {
		submitter = newHTTPSubmitter(*collectorURL, logger)
	} else {
		submitter = &logSubmitter{log: logger}
	}

	coordinator := attribution.New(
		cfg,
		eventstore.New(store.Namespace(storage.PrefixImpressions), logger),
		budget.NewStore(store.Namespace(storage.PrefixFilters), cfg.Capacities, logger),
		attribution.EnabledGate(*enabled),
		submitter,
		metrics,
		logger,
	)

	router := setupRouter(*env, coordinator, metrics, logger)
	srv := &http.Server{
		Addr:    ":" + *port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", log.Error(err))
			os.Exit(1)
		}
	}()

	logger.Info("attribution server started",
		log.String("port", *port),
		log.String("db", *dbType),
		log.String("env", *env))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", log.Error(err))
	}
}
