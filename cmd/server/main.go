// Command server runs the feature-flag evaluator HTTP service.
//
// Application Startup Flow:
//
//  1. Load configuration from environment variables (config.Load)
//  2. Build a zerolog logger for the configured environment (logging.New)
//  3. Initialize the Prometheus metrics registry (telemetry.Init)
//  4. Open the reader and writer connection pools (db.NewPools)
//  5. Build the flag store, property reader, cohort cache, and group-type
//     cache the matcher reads through on every request
//  6. Start the evaluator API on cfg.HTTPAddr
//  7. Start the metrics/pprof server on cfg.MetricsAddr
//  8. Wait for SIGINT/SIGTERM and shut both servers down gracefully
package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flagmatchio/evaluator/internal/api"
	"github.com/flagmatchio/evaluator/internal/auth"
	"github.com/flagmatchio/evaluator/internal/cohortcache"
	"github.com/flagmatchio/evaluator/internal/config"
	"github.com/flagmatchio/evaluator/internal/db"
	"github.com/flagmatchio/evaluator/internal/flagstore"
	"github.com/flagmatchio/evaluator/internal/logging"
	"github.com/flagmatchio/evaluator/internal/matching"
	"github.com/flagmatchio/evaluator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", nil).Fatal().Err(err).Msg("config")
	}

	logger := logging.New(cfg.AppEnv, nil)
	telemetry.Init()

	ctx := context.Background()

	pools, err := db.NewPools(ctx, cfg.ReaderDSN, cfg.WriterDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database pools")
	}
	defer pools.Close()

	flagStore := flagstore.NewPostgresStore(pools.Reader)
	propertyReader := flagstore.NewPostgresReader(pools.Reader)
	hashKeyWriter := flagstore.NewPostgresWriter(pools.Writer)
	groupTypeLoader := flagstore.NewGroupTypeLoader(pools.Reader)
	cohortLoader := flagstore.NewPostgresCohortLoader(pools.Reader)
	keyStore := flagstore.NewPostgresKeyStore(pools.Reader)

	groupTypeCache := matching.NewGroupTypeCache(groupTypeLoader)
	cohortCache := cohortcache.New(cohortLoader, cfg.CohortCacheRefresh)

	authenticator := auth.NewAuthenticator(keyStore, cfg.AdminAPIKey)
	defer authenticator.Close()

	apiServer := api.NewServer(flagStore, propertyReader, hashKeyWriter, cohortCache, groupTypeCache, authenticator, cfg.RateLimitPerIP)

	// ---- Evaluator API server ----
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("evaluator http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	// ---- Metrics + pprof server ----
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)

	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/pprof server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server")
		}
	}()

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownSignal

	logger.Info().Msg("shutdown signal received, stopping servers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during api server shutdown")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during metrics server shutdown")
	}

	logger.Info().Msg("servers stopped")
}
