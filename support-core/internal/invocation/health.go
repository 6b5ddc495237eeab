package invocation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/metrics"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/transport"
)

type stateReporter interface {
	State(service string) string
}

// PerformHealthCheck sends a minimal request to the endpoint and updates the
// rolling status. The check bypasses the feature flag and the breaker.
func (c *Client) PerformHealthCheck(ctx context.Context) models.HealthStatus {
	cfg := c.snapshot()
	ctx, cancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer cancel()

	ping := transport.Request{
		Model:     cfg.Model,
		MaxTokens: 1,
		Messages: []transport.Message{{
			Role:    transport.RoleUser,
			Content: []transport.ContentBlock{{Type: transport.BlockText, Text: "ping"}},
		}},
	}

	start := time.Now()
	_, err := c.call(ctx, ping, cfg.HealthCheckTimeout)
	elapsed := time.Since(start)
	if err != nil {
		c.recordFailure(elapsed, err)
		c.logger.Warn("model health check failed", zap.Error(err), zap.Duration("latency", elapsed))
	} else {
		c.recordSuccess(elapsed)
	}
	metrics.ObserveHealthCheck(err == nil)
	return c.HealthStatus()
}

// HealthStatus returns a copy of the current status including breaker state.
func (c *Client) HealthStatus() models.HealthStatus {
	c.healthMu.Lock()
	status := c.health
	c.healthMu.Unlock()
	status.BreakerState = c.breakerState()
	return status
}

func (c *Client) breakerState() string {
	service := c.snapshot().Service
	if sr, ok := c.breaker.(stateReporter); ok {
		return sr.State(service)
	}
	if c.breaker.IsOpen(service) {
		return "open"
	}
	return "closed"
}

func (c *Client) recordSuccess(latency time.Duration) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.Healthy = true
	c.health.ConsecutiveFailures = 0
	c.health.LastError = ""
	c.health.LastLatencyMs = latency.Milliseconds()
	c.health.LastCheck = time.Now().UTC()
}

func (c *Client) recordFailure(latency time.Duration, err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.health.Healthy = false
	c.health.ConsecutiveFailures++
	c.health.LastError = err.Error()
	c.health.LastLatencyMs = latency.Milliseconds()
	c.health.LastCheck = time.Now().UTC()
}

// StartHealthChecks checks the endpoint every interval until Destroy.
// Later calls are no-ops.
func (c *Client) StartHealthChecks(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stop:
					return
				case <-ticker.C:
					c.PerformHealthCheck(c.baseCtx)
				}
			}
		}()
	})
}

// Destroy stops the health schedule and closes the transport. Safe to call
// more than once; later invocations fail with ErrClientClosed.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.cancelBase()
		c.wg.Wait()
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("model transport close failed", zap.Error(err))
		}
	})
}
