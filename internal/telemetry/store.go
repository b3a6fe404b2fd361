package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/model"
)

const historyScopeName = "github.com/msageha/phasegate/history"

// InstrumentedStore wraps history.Store with a span and phasegate.history.*
// metrics per call.
type InstrumentedStore struct {
	inner  history.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore decorates s with the global providers, or returns s unchanged
// when telemetry is off.
func WrapStore(s history.Store) history.Store {
	if !Enabled() {
		return s
	}
	return NewInstrumentedStore(s, Tracer(historyScopeName), Meter(historyScopeName))
}

func NewInstrumentedStore(s history.Store, tracer trace.Tracer, m metric.Meter) *InstrumentedStore {
	ops, _ := m.Int64Counter("phasegate.history.operations",
		metric.WithDescription("Total run-history operations executed"),
	)
	dur, _ := m.Float64Histogram("phasegate.history.operation.duration",
		metric.WithDescription("Run-history operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("phasegate.history.errors",
		metric.WithDescription("Total run-history operation errors"),
	)
	return &InstrumentedStore{inner: s, tracer: tracer, ops: ops, dur: dur, errs: errs}
}

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "history."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func issueAttr(id string) attribute.KeyValue {
	return attribute.String("phasegate.issue.id", id)
}

func (s *InstrumentedStore) CountRuns(ctx context.Context, issueID, phase string, status model.RunStatus) (int, error) {
	attrs := []attribute.KeyValue{issueAttr(issueID), attribute.String("phasegate.phase", phase)}
	ctx, span, t := s.op(ctx, "CountRuns", attrs...)
	n, err := s.inner.CountRuns(ctx, issueID, phase, status)
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStore) CountTransitions(ctx context.Context, issueID, from, to string) (int, error) {
	attrs := []attribute.KeyValue{
		issueAttr(issueID),
		attribute.String("phasegate.from", from),
		attribute.String("phasegate.to", to),
	}
	ctx, span, t := s.op(ctx, "CountTransitions", attrs...)
	n, err := s.inner.CountTransitions(ctx, issueID, from, to)
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStore) TransitionHistory(ctx context.Context, issueID string, limit int) ([]model.TransitionRecord, error) {
	attrs := []attribute.KeyValue{issueAttr(issueID), attribute.Int("phasegate.limit", limit)}
	ctx, span, t := s.op(ctx, "TransitionHistory", attrs...)
	v, err := s.inner.TransitionHistory(ctx, issueID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PhaseDurationStats(ctx context.Context, issueID, phase string) (model.DurationStats, error) {
	attrs := []attribute.KeyValue{issueAttr(issueID), attribute.String("phasegate.phase", phase)}
	ctx, span, t := s.op(ctx, "PhaseDurationStats", attrs...)
	v, err := s.inner.PhaseDurationStats(ctx, issueID, phase)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) DecisionEvents(ctx context.Context, issueID string, limit int) ([]model.DecisionEvent, error) {
	attrs := []attribute.KeyValue{issueAttr(issueID), attribute.Int("phasegate.limit", limit)}
	ctx, span, t := s.op(ctx, "DecisionEvents", attrs...)
	v, err := s.inner.DecisionEvents(ctx, issueID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) RecordRun(ctx context.Context, run model.Run) error {
	attrs := []attribute.KeyValue{
		issueAttr(run.IssueID),
		attribute.String("phasegate.phase", run.Phase),
		attribute.String("phasegate.run.status", string(run.Status)),
	}
	ctx, span, t := s.op(ctx, "RecordRun", attrs...)
	err := s.inner.RecordRun(ctx, run)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) RecordTransition(ctx context.Context, rec model.TransitionRecord) error {
	attrs := []attribute.KeyValue{
		issueAttr(rec.IssueID),
		attribute.String("phasegate.from", rec.From),
		attribute.String("phasegate.to", rec.To),
	}
	ctx, span, t := s.op(ctx, "RecordTransition", attrs...)
	err := s.inner.RecordTransition(ctx, rec)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) RecordDecision(ctx context.Context, ev model.DecisionEvent) error {
	attrs := []attribute.KeyValue{issueAttr(ev.IssueID), attribute.String("phasegate.decision.action", ev.Action)}
	ctx, span, t := s.op(ctx, "RecordDecision", attrs...)
	err := s.inner.RecordDecision(ctx, ev)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
