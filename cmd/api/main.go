package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sofia-ms/wa-gateway/internal/config"
	"github.com/sofia-ms/wa-gateway/internal/db"
	httpapi "github.com/sofia-ms/wa-gateway/internal/http"
	"github.com/sofia-ms/wa-gateway/internal/metrics"
	"github.com/sofia-ms/wa-gateway/internal/provider"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	gw := buildGateway(cfg)
	srv := httpapi.NewServer(pool, gw)
	srv.DefaultMaxAttempts = cfg.RetryMaxAttempts
	srv.Campaigns.SettleDelay = cfg.CampaignSettle
	srv.Campaigns.CheckBatchSize = cfg.ReachabilityBatch
	srv.Campaigns.CheckPause = cfg.ReachabilityPause

	server := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// pgx pool gauges
	stop := make(chan struct{})
	go metrics.NewPGXPoolStats(pool).Start(10*time.Second, stop)

	go func() {
		log.Printf("HTTP listening on %s (provider=%s)", server.Addr, cfg.Provider)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	close(stop)
	cancel()
	_ = server.Shutdown(shutdownCtx)
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
