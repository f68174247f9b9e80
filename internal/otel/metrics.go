package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Orienta metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TasksStarted     metric.Int64Counter
	TasksFinished    metric.Int64Counter
	FallbackChunks   metric.Int64Counter
	RetentionDeleted metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("orienta.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("orienta.task.started",
		metric.WithDescription("Tasks created by the dispatcher"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("orienta.task.finished",
		metric.WithDescription("Tasks reaching a terminal state, labeled by state and skill"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbackChunks, err = meter.Int64Counter("orienta.fallback.chunks",
		metric.WithDescription("Streamed chunks delivered by the fallback agent"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionDeleted, err = meter.Int64Counter("orienta.retention.deleted",
		metric.WithDescription("Terminal tasks removed by retention cleanup"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
