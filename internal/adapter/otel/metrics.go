package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conductor"

// Metrics holds all engine metric instruments.
type Metrics struct {
	SagasStarted     metric.Int64Counter
	SagasCompleted   metric.Int64Counter
	SagasCompensated metric.Int64Counter
	SagasFailed      metric.Int64Counter
	StepRetries      metric.Int64Counter
	QuotaRejections  metric.Int64Counter
	BreakerTrips     metric.Int64Counter
	DeadlocksBroken  metric.Int64Counter
	QueueDepth       metric.Int64Gauge
	SagaDuration     metric.Float64Histogram
	QueueWaitTime    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SagasStarted, err = meter.Int64Counter("conductor.sagas.started",
		metric.WithDescription("Number of sagas started"))
	if err != nil {
		return nil, err
	}

	m.SagasCompleted, err = meter.Int64Counter("conductor.sagas.completed",
		metric.WithDescription("Number of sagas completed"))
	if err != nil {
		return nil, err
	}

	m.SagasCompensated, err = meter.Int64Counter("conductor.sagas.compensated",
		metric.WithDescription("Number of sagas rolled back"))
	if err != nil {
		return nil, err
	}

	m.SagasFailed, err = meter.Int64Counter("conductor.sagas.failed",
		metric.WithDescription("Number of sagas that failed terminally"))
	if err != nil {
		return nil, err
	}

	m.StepRetries, err = meter.Int64Counter("conductor.steps.retries",
		metric.WithDescription("Number of step retry attempts"))
	if err != nil {
		return nil, err
	}

	m.QuotaRejections, err = meter.Int64Counter("conductor.quota.rejections",
		metric.WithDescription("Number of admissions rejected by quota"))
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("conductor.breaker.trips",
		metric.WithDescription("Number of circuit breaker open transitions"))
	if err != nil {
		return nil, err
	}

	m.DeadlocksBroken, err = meter.Int64Counter("conductor.deadlocks.broken",
		metric.WithDescription("Number of deadlock cycles broken"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge("conductor.queue.depth",
		metric.WithDescription("Pending scheduler tasks"))
	if err != nil {
		return nil, err
	}

	m.SagaDuration, err = meter.Float64Histogram("conductor.saga.duration_seconds",
		metric.WithDescription("Saga duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.QueueWaitTime, err = meter.Float64Histogram("conductor.queue.wait_seconds",
		metric.WithDescription("Time spent queued before dispatch in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
