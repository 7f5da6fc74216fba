package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchMetrics_Creation(t *testing.T) {
	t.Run("successfully create dispatch metrics", func(t *testing.T) {
		metrics, err := NewDispatchMetrics()
		require.NoError(t, err)
		assert.NotNil(t, metrics)
		assert.NotNil(t, metrics.dispatchesCounter)
		assert.NotNil(t, metrics.dispatchesFailedCounter)
		assert.NotNil(t, metrics.dispatchDuration)
		assert.NotNil(t, metrics.dispatchesActiveGauge)
		assert.NotNil(t, metrics.scheduleFiresCounter)
		assert.NotNil(t, metrics.alertsTriggeredCounter)
		assert.NotNil(t, metrics.workflowRunsCounter)
	})
}

func TestDispatchMetrics_Lifecycle(t *testing.T) {
	metrics, err := NewDispatchMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name      string
		agent     string
		action    string
		success   bool
		errorType string
		duration  time.Duration
	}{
		{"successful quote", "market", "quote", true, "", 120 * time.Millisecond},
		{"failed headlines", "news", "headlines", false, "handler_error", 2 * time.Second},
		{"unsupported action", "cache", "explode", false, "unsupported_action", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				metrics.DispatchStarted(ctx, tt.agent)
				metrics.DispatchFinished(ctx, tt.agent, tt.action, tt.success, tt.errorType, tt.duration)
			})
		})
	}
}

func TestDispatchMetrics_DomainCounters(t *testing.T) {
	metrics, err := NewDispatchMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		metrics.RecordScheduleFire(ctx, "hourly-prune", true)
		metrics.RecordScheduleFire(ctx, "hourly-prune", false)
		metrics.RecordAlertTriggered(ctx, "price_above", "AAPL")
		metrics.RecordWorkflowRun(ctx, "morning_briefing", true)
	})
}

func TestDispatchMetrics_ConcurrentRecording(t *testing.T) {
	metrics, err := NewDispatchMetrics()
	require.NoError(t, err)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			ctx := context.Background()
			metrics.DispatchStarted(ctx, "market")
			metrics.DispatchFinished(ctx, "market", "quote", true, "", time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
