package observability

import (
	"context"
	"moltmonitor/internal/models"
	"moltmonitor/internal/storage"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStorage wraps a storage.Storage implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStorage struct {
	inner    storage.Storage
	backend  string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	records  metric.Int64Counter
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// NewInstrumentedStorage creates a new storage wrapper that records trace spans,
// operation latency histograms, error counters and written record counts for
// every storage method call. backend labels the metrics.
func NewInstrumentedStorage(inner storage.Storage, backend string) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("moltmonitor/storage")
	meter := otel.Meter("moltmonitor/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"storage.records.written",
		metric.WithDescription("Number of records written by save operations"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		backend:  backend,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
		records:  records,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
			attribute.String("storage.backend", s.backend),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedStorage) attrs(operation string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", s.backend),
	)
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := s.attrs(operation)

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStorage) LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error) {
	ctx, span := s.startSpan(ctx, "LoadPollStates")
	start := time.Now()
	result, err := s.inner.LoadPollStates(ctx)
	span.SetAttributes(attribute.Int("records", len(result)))
	s.record(ctx, span, "LoadPollStates", start, err)
	return result, err
}

func (s *InstrumentedStorage) SavePollStates(ctx context.Context, records []models.PollStateRecord) error {
	ctx, span := s.startSpan(ctx, "SavePollStates", attribute.Int("records", len(records)))
	start := time.Now()
	err := s.inner.SavePollStates(ctx, records)
	if err == nil {
		s.records.Add(ctx, int64(len(records)), s.attrs("SavePollStates"))
	}
	s.record(ctx, span, "SavePollStates", start, err)
	return err
}

func (s *InstrumentedStorage) LoadSeenItems(ctx context.Context) ([]models.SeenItemRecord, error) {
	ctx, span := s.startSpan(ctx, "LoadSeenItems")
	start := time.Now()
	result, err := s.inner.LoadSeenItems(ctx)
	span.SetAttributes(attribute.Int("records", len(result)))
	s.record(ctx, span, "LoadSeenItems", start, err)
	return result, err
}

func (s *InstrumentedStorage) SaveSeenItems(ctx context.Context, records []models.SeenItemRecord) error {
	ctx, span := s.startSpan(ctx, "SaveSeenItems", attribute.Int("records", len(records)))
	start := time.Now()
	err := s.inner.SaveSeenItems(ctx, records)
	if err == nil {
		s.records.Add(ctx, int64(len(records)), s.attrs("SaveSeenItems"))
	}
	s.record(ctx, span, "SaveSeenItems", start, err)
	return err
}

func (s *InstrumentedStorage) PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "PruneSeenItems", attribute.String("cutoff", cutoff.UTC().Format(time.RFC3339)))
	start := time.Now()
	removed, err := s.inner.PruneSeenItems(ctx, cutoff)
	span.SetAttributes(attribute.Int("removed", removed))
	s.record(ctx, span, "PruneSeenItems", start, err)
	return removed, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
