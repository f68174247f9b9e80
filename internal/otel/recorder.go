package otel

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/caminholabs/orienta/internal/bus"
)

// Recorder feeds task lifecycle and retention events from the bus into the
// metric instruments. It decouples the dispatcher from the meter: the engine
// only publishes bus events, and metrics stay an optional consumer.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
	sub     *bus.Subscription
	logger  *slog.Logger
	done    chan struct{}
}

// NewRecorder builds metric instruments from the meter and wires them to the
// bus. Call Start to begin consuming and Stop on shutdown.
func NewRecorder(meter metric.Meter, b *bus.Bus, logger *slog.Logger) (*Recorder, error) {
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		metrics: m,
		bus:     b,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Metrics exposes the instruments for direct recording, such as gateway
// request timing.
func (r *Recorder) Metrics() *Metrics {
	return r.metrics
}

// Start subscribes to the bus and consumes events until Stop is called.
func (r *Recorder) Start() {
	r.sub = r.bus.Subscribe("")
	go r.run()
}

// Stop unsubscribes and waits for the consumer loop to drain.
func (r *Recorder) Stop() {
	if r.sub == nil {
		return
	}
	r.bus.Unsubscribe(r.sub)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()

	for event := range r.sub.Ch() {
		switch payload := event.Payload.(type) {
		case bus.TaskCreatedEvent:
			r.metrics.TasksStarted.Add(ctx, 1,
				metric.WithAttributes(attribute.String("skill", skillLabel(payload.SkillID))))

		case bus.TaskFinishedEvent:
			attrs := []attribute.KeyValue{
				attribute.String("state", payload.State),
				attribute.String("skill", skillLabel(payload.SkillID)),
				attribute.Bool("native", payload.Native),
			}
			if payload.ErrorKind != "" {
				attrs = append(attrs, attribute.String("error_kind", payload.ErrorKind))
			}
			r.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
			if !payload.Native && payload.ChunkCount > 0 {
				r.metrics.FallbackChunks.Add(ctx, int64(payload.ChunkCount))
			}

		case bus.RetentionCompletedEvent:
			r.metrics.RetentionDeleted.Add(ctx, payload.Removed)
			r.logger.Debug("retention metrics recorded", "removed", payload.Removed)
		}
	}
}

func skillLabel(skillID string) string {
	if skillID == "" {
		return "fallback"
	}
	return skillID
}
