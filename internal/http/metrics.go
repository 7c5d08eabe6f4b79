package httpapi

import (
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sofia-ms/wa-gateway/internal/metrics"
)

var registerOnce sync.Once

func (s *Server) mountMetrics(r chi.Router) {
	registerOnce.Do(metrics.MustRegister)
	r.Method("GET", "/metrics", promhttp.Handler())
}
