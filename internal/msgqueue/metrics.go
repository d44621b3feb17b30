package msgqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type queueMetrics struct {
	enqueuedCount  metric.Int64Counter
	deliveredCount metric.Int64Counter
	droppedCount   metric.Int64Counter
	retriedCount   metric.Int64Counter
	rejectedCount  metric.Int64Counter
	depth          metric.Int64ObservableGauge
}

func newQueueMetrics(logger pslog.Logger, q *Queue) *queueMetrics {
	meter := otel.Meter("github.com/KauaneAlmeida/projet-backendd/msgqueue")
	m := &queueMetrics{}
	var err error

	m.enqueuedCount, err = meter.Int64Counter("wabridge.queue.enqueued", metric.WithDescription("Messages accepted into the outbound queue"))
	logMetricInitError(logger, "wabridge.queue.enqueued", err)
	m.deliveredCount, err = meter.Int64Counter("wabridge.queue.delivered", metric.WithDescription("Messages delivered by the engine"))
	logMetricInitError(logger, "wabridge.queue.delivered", err)
	m.droppedCount, err = meter.Int64Counter("wabridge.queue.dropped", metric.WithDescription("Messages dropped after exhausting their attempts"))
	logMetricInitError(logger, "wabridge.queue.dropped", err)
	m.retriedCount, err = meter.Int64Counter("wabridge.queue.retried", metric.WithDescription("Failed sends requeued at the front"))
	logMetricInitError(logger, "wabridge.queue.retried", err)
	m.rejectedCount, err = meter.Int64Counter("wabridge.queue.rejected", metric.WithDescription("Enqueues rejected because the queue was full"))
	logMetricInitError(logger, "wabridge.queue.rejected", err)
	m.depth, err = meter.Int64ObservableGauge("wabridge.queue.depth", metric.WithDescription("Pending outbound messages"))
	logMetricInitError(logger, "wabridge.queue.depth", err)

	if m.depth != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.depth, int64(q.Len()))
			return nil
		}, m.depth); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "wabridge.queue.depth", "error", err)
		}
	}
	return m
}

func (m *queueMetrics) enqueued(ctx context.Context)  { add(ctx, m.enqueuedCount) }
func (m *queueMetrics) delivered(ctx context.Context) { add(ctx, m.deliveredCount) }
func (m *queueMetrics) dropped(ctx context.Context)   { add(ctx, m.droppedCount) }
func (m *queueMetrics) retried(ctx context.Context)   { add(ctx, m.retriedCount) }
func (m *queueMetrics) rejected(ctx context.Context)  { add(ctx, m.rejectedCount) }

func add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(context.WithoutCancel(ctx), 1)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
