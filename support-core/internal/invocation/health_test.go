package invocation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/supportops/support-core/internal/transport"
)

func TestHealthStartsOptimistic(t *testing.T) {
	f := newFixture(t)

	status := f.client.HealthStatus()
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Equal(t, "closed", status.BreakerState)
}

func TestHealthCheckCountsConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	var fail atomic.Bool
	fail.Store(true)
	f.transport.invoke = func(ctx context.Context, req transport.Request) (*transport.Reply, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return textReply("pong", nil), nil
	}

	status := f.client.PerformHealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "connection refused")

	status = f.client.PerformHealthCheck(context.Background())
	assert.Equal(t, 2, status.ConsecutiveFailures)

	fail.Store(false)
	status = f.client.PerformHealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)

	req := f.transport.lastRequest()
	assert.Equal(t, 1, req.MaxTokens)
	assert.Equal(t, testModel, req.Model)
}

func TestHealthCheckTimesOut(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HealthCheckTimeout = 30 * time.Millisecond })
	f.transport.invoke = func(ctx context.Context, req transport.Request) (*transport.Reply, error) {
		time.Sleep(300 * time.Millisecond)
		return textReply("pong", nil), nil
	}

	start := time.Now()
	status := f.client.PerformHealthCheck(context.Background())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestHealthCheckBypassesFlagAndBreaker(t *testing.T) {
	f := newFixture(t)
	f.breaker.open = true

	status := f.client.PerformHealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "open", status.BreakerState)
	assert.Equal(t, 1, f.transport.callCount())
	assert.Zero(t, f.breaker.executed)
}

func TestScheduledHealthChecksStopOnDestroy(t *testing.T) {
	f := newFixture(t)
	f.client.StartHealthChecks(5 * time.Millisecond)
	f.client.StartHealthChecks(5 * time.Millisecond)

	require.Eventually(t, func() bool { return f.transport.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	f.client.Destroy()
	after := f.transport.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, f.transport.callCount())
}
