package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Scheduler
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_claim_total", Help: "Job claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_claim_batch_size",
			Help:    "Number of jobs claimed per tick.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_inflight", Help: "In-flight dispatches in this process."},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Dispatch outcomes."},
		[]string{"outcome"}, // sent | transient | auth | rejected
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	RetryTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_retry_total", Help: "Retries scheduled after transient failures."})
	AbandonTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_abandon_total", Help: "Jobs abandoned."})

	// Delivery tracking
	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_ingest_total", Help: "Status event ingestion results."},
		[]string{"transport", "result"}, // webhook|poll, ok|unknown|error
	)
	IngestErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tracking_ingest_errors_total", Help: "Ingestion failures that left stored state untouched."},
	)
	PollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracking_poll_total", Help: "Polling sweep results."},
		[]string{"result"}, // ok | error
	)

	// Campaigns
	CampaignRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_recipients_total", Help: "Per-recipient campaign outcomes."},
		[]string{"outcome"}, // succeeded | failed
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		ClaimTotal, ClaimBatchSize, InFlight,
		DispatchTotal, DispatchDuration, RetryTotal, AbandonTotal,
		IngestTotal, IngestErrors, PollTotal,
		CampaignRecipients,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
