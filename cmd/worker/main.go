package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sofia-ms/wa-gateway/internal/config"
	"github.com/sofia-ms/wa-gateway/internal/core"
	"github.com/sofia-ms/wa-gateway/internal/db"
	"github.com/sofia-ms/wa-gateway/internal/metrics"
	"github.com/sofia-ms/wa-gateway/internal/provider"
	"github.com/sofia-ms/wa-gateway/internal/scheduler"
	"github.com/sofia-ms/wa-gateway/internal/tracker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("config: %v", err)
		exitCode = 1
		return
	}

	opts := scheduler.Options{
		BatchSize:     cfg.SchedulerBatch,
		Concurrency:   cfg.SchedulerConcurrency,
		TickInterval:  cfg.SchedulerTick,
		IdleSleep:     cfg.SchedulerIdleSleep,
		ProviderQPS:   cfg.ProviderQPS,
		ProviderBurst: cfg.ProviderBurst,
		SendTimeout:   cfg.SendTimeout,
		BackoffBase:   cfg.RetryBackoffBase,
		BackoffCap:    cfg.RetryBackoffCap,
	}

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("db: %v", err)
		exitCode = 1
		return
	}
	defer pool.Close()

	store := &core.Store{DB: pool}

	// ---- Provider ----
	gw := buildGateway(cfg)

	// ---- Observability ----
	metrics.MustRegister()
	stop := make(chan struct{})
	defer close(stop)
	go metrics.NewPGXPoolStats(pool).Start(10*time.Second, stop)
	go serveHealthz(cfg)

	// ---- Delivery poller ----
	// The self-hosted variant confirms deliveries through the webhook; the
	// dummy setup has no callbacks, so completed sends are advanced
	// through the poll path instead.
	trk := tracker.New(store)
	if cfg.Provider == "dummy" {
		poller := &tracker.Poller{Tracker: trk, Store: store, Source: simulatedAcks{}, Interval: cfg.PollInterval}
		go poller.Run(rootCtx)
	}

	// ---- Scheduler ----
	log.Printf("scheduler starting (provider=%s batch=%d concurrency=%d)",
		cfg.Provider, opts.BatchSize, opts.Concurrency)
	if err := scheduler.Run(rootCtx, store, gw, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("scheduler exited: %v", err)
		exitCode = 1
		return
	}
}

// simulatedAcks acknowledges every polled message as delivered.
type simulatedAcks struct{}

func (simulatedAcks) MessageStatus(context.Context, string) (tracker.Kind, error) {
	return tracker.KindDelivered, nil
}

func serveHealthz(cfg *config.Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	addr := env("HEALTH_ADDR", "0.0.0.0:9090")
	_ = http.ListenAndServe(addr, mux)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func buildGateway(cfg *config.Config) provider.Gateway {
	switch cfg.Provider {
	case "evolution":
		return provider.NewEvolution(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.EvolutionInstance, cfg.ProviderTimeout)
	case "meta":
		return provider.NewMeta(cfg.MetaBaseURL, cfg.MetaToken, cfg.MetaPhoneNumberID, cfg.ProviderTimeout)
	default:
		return provider.NewDummy()
	}
}
