package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/resilience"
)

// HealthResult is the outcome of a single probe.
type HealthResult struct {
	ID        string `json:"id"`
	Healthy   bool   `json:"healthy"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// WaitAllResult aggregates a waitForAll run.
type WaitAllResult struct {
	Resolved  int            `json:"resolved"`
	Requested int            `json:"requested"`
	Services  []HealthResult `json:"services"`
	TimedOut  bool           `json:"timedOut"`
}

// HealthProber probes lease /health endpoints and blocks callers until
// healthy-or-timeout. Per-identity circuit breakers stop a
// permanently-dead endpoint from eating probe capacity.
type HealthProber struct {
	store  database.Store
	cfg    *config.Health
	brkCfg *config.Breaker
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// NewHealthProber creates a HealthProber.
func NewHealthProber(store database.Store, cfg *config.Health, brkCfg *config.Breaker) *HealthProber {
	return &HealthProber{
		store:    store,
		cfg:      cfg,
		brkCfg:   brkCfg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		breakers: make(map[string]*resilience.Breaker),
	}
}

func (p *HealthProber) breaker(id string) *resilience.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[id]
	if !ok {
		b = resilience.NewBreaker(p.brkCfg.MaxFailures, p.brkCfg.Timeout)
		p.breakers[id] = b
	}
	return b
}

// Check issues one GET against the lease's health endpoint: the "local"
// endpoint when one is recorded, else loopback on the leased port.
func (p *HealthProber) Check(ctx context.Context, id string) (*HealthResult, error) {
	lease, err := p.store.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/health", lease.Port)
	for _, ep := range lease.Endpoints {
		if ep.Env == "local" {
			url = ep.URL
			break
		}
	}

	res := &HealthResult{ID: id}
	start := time.Now()
	err = p.breaker(id).Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		res.Status = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	res.LatencyMS = time.Since(start).Milliseconds()
	res.Healthy = err == nil

	if res.Healthy {
		metrics.HealthProbesTotal.WithLabelValues("healthy").Inc()
	} else {
		metrics.HealthProbesTotal.WithLabelValues("unhealthy").Inc()
	}
	return res, nil
}

// WaitFor polls Check at the configured interval until the service is
// healthy, the lease vanishes, or the (clamped) timeout fires. Timeout
// surfaces as TIMEOUT (408); the caller decides what a vanished lease
// means.
func (p *HealthProber) WaitFor(ctx context.Context, id string, timeout time.Duration) (*HealthResult, error) {
	if timeout < 0 || timeout > p.cfg.MaxWait {
		timeout = p.cfg.MaxWait
	}

	deadline := time.Now().Add(timeout)
	for {
		res, err := p.Check(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrServiceNotFound) {
				return nil, err
			}
			return nil, err
		}
		if res.Healthy {
			return res, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("wait for %s after %s: %w", id, timeout, domain.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// WaitForAll runs the individual waits concurrently, capped at the
// configured id-count limit, and returns per-service plus aggregate
// results. Individual timeouts never fail the aggregate.
func (p *HealthProber) WaitForAll(ctx context.Context, ids []string, timeout time.Duration) (*WaitAllResult, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one id required: %w", domain.ErrValidation)
	}
	if len(ids) > p.cfg.MaxWaitAll {
		return nil, fmt.Errorf("at most %d ids per wait: %w", p.cfg.MaxWaitAll, domain.ErrValidation)
	}

	results := make([]HealthResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			res, err := p.WaitFor(gctx, id, timeout)
			if err != nil {
				results[i] = HealthResult{ID: id, Healthy: false}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &WaitAllResult{Requested: len(ids), Services: results}
	for _, r := range results {
		if r.Healthy {
			out.Resolved++
		}
	}
	out.TimedOut = out.Resolved < out.Requested
	return out, nil
}
