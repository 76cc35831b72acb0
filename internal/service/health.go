package service

import (
	"context"
	"log/slog"
	"net/http"

	"ode-ingress/internal/client"
	"ode-ingress/internal/config"
	"ode-ingress/internal/metrics"
)

// HealthStatus is the overall verdict of a health check.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthError    HealthStatus = "error"
)

// HealthResult describes one check of the upstream status endpoint.
type HealthResult struct {
	Status   HealthStatus
	Upstream string // running, error or offline
	Code     int    // upstream status code, 0 when no response
	Err      error
}

// HealthService checks the upstream status endpoint.
type HealthService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHealthService creates a HealthService.
func NewHealthService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HealthService {
	return &HealthService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "health_service"),
		metrics: m,
	}
}

// Check issues a single GET against the status endpoint with the health timeout.
// Any status below 400 counts as healthy. There are no retries.
func (s *HealthService) Check(ctx context.Context) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Health.Timeout())
	defer cancel()

	res := s.check(ctx)
	if s.metrics != nil {
		s.metrics.HealthChecks.WithLabelValues(string(res.Status)).Inc()
	}
	if res.Status != HealthOK {
		s.logger.Warn("upstream unhealthy",
			"status", res.Status,
			"code", res.Code,
			"err", res.Err,
		)
	}
	return res
}

func (s *HealthService) check(ctx context.Context) HealthResult {
	reply, err := s.client.Fetch(ctx, http.MethodGet, s.cfg.Upstream.BaseURL+s.cfg.Health.Path, nil, nil)
	if err != nil {
		return HealthResult{Status: HealthError, Upstream: "offline", Err: err}
	}
	if reply.StatusCode >= http.StatusBadRequest {
		return HealthResult{Status: HealthDegraded, Upstream: "error", Code: reply.StatusCode}
	}
	return HealthResult{Status: HealthOK, Upstream: "running", Code: reply.StatusCode}
}
