package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObserveInvocation(t *testing.T) {
	before := testutil.ToFloat64(invocationsTotal.WithLabelValues("emergency", OutcomeSuccess))
	inBefore := testutil.ToFloat64(tokensTotal.WithLabelValues("input"))

	ObserveInvocation("emergency", "", 120*time.Millisecond, 40, 10, 0.002)
	ObserveInvocation("emergency", "timeout", -time.Second, 0, 0, 0)

	assert.Equal(t, before+1, testutil.ToFloat64(invocationsTotal.WithLabelValues("emergency", OutcomeSuccess)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(invocationsTotal.WithLabelValues("emergency", "timeout")), 1.0)
	assert.Equal(t, inBefore+40, testutil.ToFloat64(tokensTotal.WithLabelValues("input")))
}

func TestBreakerAndProposalGauges(t *testing.T) {
	SetBreakerState("model", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerState.WithLabelValues("model")))

	before := testutil.ToFloat64(proposalEventsTotal.WithLabelValues("proposal.created", "code"))
	ObserveProposalEvent("proposal.created", "code")
	assert.Equal(t, before+1, testutil.ToFloat64(proposalEventsTotal.WithLabelValues("proposal.created", "code")))

	errBefore := testutil.ToFloat64(healthChecksTotal.WithLabelValues(OutcomeError))
	ObserveHealthCheck(false)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(healthChecksTotal.WithLabelValues(OutcomeError)))
}
