package txmanager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type txMetrics struct {
	decisions metric.Int64Counter
	outcomes  metric.Int64Counter
	timeouts  metric.Int64Counter
	duration  metric.Int64Histogram
	flushSize metric.Int64Histogram
	flushFail metric.Int64Counter
}

func newTXMetrics() *txMetrics {
	meter := otel.Meter("github.com/xiaoxuxiansheng/goxa/txmanager")
	m := &txMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"goxa.tm.decisions",
		metric.WithDescription("2PC decisions made by the coordinator"),
	)
	logMetricInitError("goxa.tm.decisions", err)

	m.outcomes, err = meter.Int64Counter(
		"goxa.tm.outcomes",
		metric.WithDescription("Overall transaction outcomes"),
	)
	logMetricInitError("goxa.tm.outcomes", err)

	m.timeouts, err = meter.Int64Counter(
		"goxa.tm.subrequest.timeouts",
		metric.WithDescription("Resource sub-requests expired without a reply"),
	)
	logMetricInitError("goxa.tm.subrequest.timeouts", err)

	m.duration, err = meter.Int64Histogram(
		"goxa.tm.transaction.duration_ms",
		metric.WithDescription("Time from record creation to outcome"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("goxa.tm.transaction.duration_ms", err)

	m.flushSize, err = meter.Int64Histogram(
		"goxa.tm.ledger.flush_size",
		metric.WithDescription("Entries persisted per decision log flush"),
	)
	logMetricInitError("goxa.tm.ledger.flush_size", err)

	m.flushFail, err = meter.Int64Counter(
		"goxa.tm.ledger.flush_failed",
		metric.WithDescription("Failed decision log flushes"),
	)
	logMetricInitError("goxa.tm.ledger.flush_failed", err)

	return m
}

func (m *txMetrics) recordDecision(ctx context.Context, decision xa.Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("goxa.decision", decision.String())))
}

func (m *txMetrics) recordOutcome(ctx context.Context, decision xa.Decision, outcome xa.Code, duration time.Duration) {
	if m == nil || m.outcomes == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("goxa.decision", decision.String()),
		attribute.String("goxa.outcome", outcome.String()),
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.duration != nil {
		m.duration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs[0]))
	}
}

func (m *txMetrics) recordTimeout(ctx context.Context, stage BranchStage) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("goxa.branch.stage", stage.String())))
}

func (m *txMetrics) recordFlush(ctx context.Context, size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		if m.flushFail != nil {
			m.flushFail.Add(ctx, 1)
		}
		return
	}
	if m.flushSize != nil && size > 0 {
		m.flushSize.Record(ctx, int64(size))
	}
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.Warnf("metric %s init failed, err: %v", name, err)
}
