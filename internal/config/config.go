package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the api and worker binaries read from the
// environment. Load pulls in a .env file first when one exists.
type Config struct {
	DatabaseURL string
	Host        string
	Port        string

	// Provider selection: evolution | meta | dummy.
	Provider string

	EvolutionBaseURL  string
	EvolutionAPIKey   string
	EvolutionInstance string

	MetaBaseURL       string
	MetaToken         string
	MetaPhoneNumberID string

	ProviderTimeout time.Duration
	ProviderQPS     float64
	ProviderBurst   int

	SchedulerBatch       int
	SchedulerConcurrency int
	SchedulerTick        time.Duration
	SchedulerIdleSleep   time.Duration
	SendTimeout          time.Duration

	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	PollInterval      time.Duration
	CampaignSettle    time.Duration
	ReachabilityBatch int
	ReachabilityPause time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env: %v", err)
	}

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", "postgres://wa:wa@localhost:5432/wa?sslmode=disable"),
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnv("PORT", "8080"),

		Provider: getEnv("PROVIDER", "dummy"),

		EvolutionBaseURL:  getEnv("EVOLUTION_BASE_URL", "http://localhost:8081"),
		EvolutionAPIKey:   getEnv("EVOLUTION_API_KEY", ""),
		EvolutionInstance: getEnv("EVOLUTION_INSTANCE", "default"),

		MetaBaseURL:       getEnv("META_BASE_URL", ""),
		MetaToken:         getEnv("META_TOKEN", ""),
		MetaPhoneNumberID: getEnv("META_PHONE_NUMBER_ID", ""),

		ProviderTimeout: durEnv("PROVIDER_TIMEOUT_MS", 15*time.Second),
		ProviderQPS:     atofEnv("PROVIDER_QPS", 10),
		ProviderBurst:   atoiEnv("PROVIDER_BURST", 5),

		SchedulerBatch:       atoiEnv("SCHEDULER_BATCH", 50),
		SchedulerConcurrency: atoiEnv("SCHEDULER_CONCURRENCY", 4),
		SchedulerTick:        durEnv("SCHEDULER_TICK_MS", 200*time.Millisecond),
		SchedulerIdleSleep:   durEnv("SCHEDULER_IDLE_MS", time.Minute),
		SendTimeout:          durEnv("SEND_TIMEOUT_MS", 10*time.Second),

		RetryMaxAttempts: atoiEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffBase: durEnv("RETRY_BACKOFF_BASE_MS", 30*time.Second),
		RetryBackoffCap:  durEnv("RETRY_BACKOFF_CAP_MS", 10*time.Minute),

		PollInterval:      durEnv("TRACKER_POLL_MS", time.Minute),
		CampaignSettle:    durEnv("CAMPAIGN_SETTLE_MS", 3*time.Second),
		ReachabilityBatch: atoiEnv("REACHABILITY_BATCH", 50),
		ReachabilityPause: durEnv("REACHABILITY_PAUSE_MS", time.Second),
	}
}

// Validate rejects configurations that cannot run at all.
func (c *Config) Validate() error {
	switch c.Provider {
	case "dummy":
	case "evolution":
		if c.EvolutionBaseURL == "" || c.EvolutionAPIKey == "" {
			return fmt.Errorf("provider evolution needs EVOLUTION_BASE_URL and EVOLUTION_API_KEY")
		}
	case "meta":
		if c.MetaToken == "" || c.MetaPhoneNumberID == "" {
			return fmt.Errorf("provider meta needs META_TOKEN and META_PHONE_NUMBER_ID")
		}
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func atoiEnv(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func atofEnv(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func durEnv(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
