package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("dispatch-metrics")

// DispatchMetrics provides metrics collection for agent dispatches
type DispatchMetrics struct {
	dispatchesCounter       metric.Int64Counter
	dispatchesFailedCounter metric.Int64Counter
	dispatchDuration        metric.Float64Histogram
	dispatchesActiveGauge   metric.Int64UpDownCounter
	scheduleFiresCounter    metric.Int64Counter
	alertsTriggeredCounter  metric.Int64Counter
	workflowRunsCounter     metric.Int64Counter
}

// NewDispatchMetrics creates a new dispatch metrics collector
func NewDispatchMetrics() (*DispatchMetrics, error) {
	dispatchesCounter, err := meter.Int64Counter(
		"dashboard.dispatches.total",
		metric.WithDescription("Total number of agent dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	dispatchesFailedCounter, err := meter.Int64Counter(
		"dashboard.dispatches.failed",
		metric.WithDescription("Total number of agent dispatches that failed"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	dispatchDuration, err := meter.Float64Histogram(
		"dashboard.dispatch.duration",
		metric.WithDescription("Duration of agent dispatches in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	dispatchesActiveGauge, err := meter.Int64UpDownCounter(
		"dashboard.dispatches.active",
		metric.WithDescription("Number of in-flight dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	scheduleFiresCounter, err := meter.Int64Counter(
		"dashboard.schedule.fires",
		metric.WithDescription("Total number of schedule firings"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, err
	}

	alertsTriggeredCounter, err := meter.Int64Counter(
		"dashboard.alerts.triggered",
		metric.WithDescription("Total number of alerts triggered"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	workflowRunsCounter, err := meter.Int64Counter(
		"dashboard.workflow.runs",
		metric.WithDescription("Total number of workflow executions"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		dispatchesCounter:       dispatchesCounter,
		dispatchesFailedCounter: dispatchesFailedCounter,
		dispatchDuration:        dispatchDuration,
		dispatchesActiveGauge:   dispatchesActiveGauge,
		scheduleFiresCounter:    scheduleFiresCounter,
		alertsTriggeredCounter:  alertsTriggeredCounter,
		workflowRunsCounter:     workflowRunsCounter,
	}, nil
}

// DispatchStarted marks a dispatch as in flight
func (dm *DispatchMetrics) DispatchStarted(ctx context.Context, agentName string) {
	dm.dispatchesActiveGauge.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent.name", agentName)),
	)
}

// DispatchFinished records the outcome of a dispatch
func (dm *DispatchMetrics) DispatchFinished(ctx context.Context, agentName, action string, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.name", agentName),
		attribute.String("action", action),
		attribute.String("status", status),
	)

	dm.dispatchesCounter.Add(ctx, 1, attrs)
	dm.dispatchDuration.Record(ctx, duration.Seconds(), attrs)
	if !success {
		dm.dispatchesFailedCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("agent.name", agentName),
				attribute.String("action", action),
				attribute.String("error.type", errorType),
			),
		)
	}
	dm.dispatchesActiveGauge.Add(ctx, -1,
		metric.WithAttributes(attribute.String("agent.name", agentName)),
	)
}

// RecordScheduleFire records a schedule firing
func (dm *DispatchMetrics) RecordScheduleFire(ctx context.Context, scheduleName string, success bool) {
	dm.scheduleFiresCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("schedule.name", scheduleName),
			attribute.Bool("success", success),
		),
	)
}

// RecordAlertTriggered records a triggered alert
func (dm *DispatchMetrics) RecordAlertTriggered(ctx context.Context, alertType, subject string) {
	dm.alertsTriggeredCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("alert.type", alertType),
			attribute.String("subject", subject),
		),
	)
}

// RecordWorkflowRun records a workflow execution
func (dm *DispatchMetrics) RecordWorkflowRun(ctx context.Context, workflowID string, success bool) {
	dm.workflowRunsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.Bool("success", success),
		),
	)
}
