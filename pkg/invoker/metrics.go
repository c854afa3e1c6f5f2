package invoker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
)

const instrumentationName = "github.com/drbenjamin/benbox-mcp/pkg/invoker"

// Metrics holds the invoker's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	endpoints   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "benbox_invocations_total",
			Help: "Invocations by request kind, serving session and outcome.",
		}, []string{"kind", "session", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "benbox_invocation_duration_seconds",
			Help:    "Time callers spent waiting for invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "benbox_endpoints",
			Help: "Configured endpoints by session state after startup.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.invocations, m.duration, m.endpoints)
	}
	return m
}

func (m *Metrics) observeInvocation(kind RequestKind, session string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.invocations.WithLabelValues(kind.String(), session, outcome).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) observeStartup(report *mcpmgr.StartupReport) {
	if m == nil || report == nil {
		return
	}
	m.endpoints.WithLabelValues(mcpmgr.StateReady.String()).Set(float64(len(report.Ready)))
	m.endpoints.WithLabelValues(mcpmgr.StateFailed.String()).Set(float64(len(report.Failed)))
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func startSpan(ctx context.Context, tracer trace.Tracer, kind RequestKind, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "benbox."+kind.String(), trace.WithAttributes(
		attribute.String("benbox.kind", kind.String()),
		attribute.String("benbox.name", name),
	))
}

func endSpan(span trace.Span, session string, err error) {
	span.SetAttributes(attribute.String("benbox.session", session))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
