package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// TaskCountFunc reports the number of stored tasks across all owners.
type TaskCountFunc func(ctx context.Context) (int64, error)

// CacheLookupsFunc reports stats cache hits and misses since startup.
type CacheLookupsFunc func() (hits, misses uint64)

// Metrics holds the custom metrics instruments for the application.
type Metrics struct {
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	TasksGauge      metric.Int64ObservableGauge
	TaskOperations  metric.Int64Counter
	CacheLookups    metric.Int64ObservableCounter
	taskCountFunc   TaskCountFunc
}

// InitMeterProvider initializes the OpenTelemetry meter provider.
// It configures an OTLP gRPC exporter and sets up the global meter provider.
func InitMeterProvider(ctx context.Context, serviceName, otlpEndpoint, environment string) (*sdkmetric.MeterProvider, error) {
	conn, err := newConn(otlpEndpoint)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res, err := newResource(serviceName, environment)
	if err != nil {
		return nil, err
	}

	// Create meter provider with periodic reader (10 second interval)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

// NewMetrics creates and registers custom metrics instruments.
func NewMetrics(meter metric.Meter, taskCountFunc TaskCountFunc) (*Metrics, error) {
	m := &Metrics{
		taskCountFunc: taskCountFunc,
	}

	var err error

	m.RequestCounter, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.TaskOperations, err = meter.Int64Counter(
		"task_operations_total",
		metric.WithDescription("Task engine operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task operations counter: %w", err)
	}

	// Observable gauge for current task count
	m.TasksGauge, err = meter.Int64ObservableGauge(
		"tasks_total",
		metric.WithDescription("Current number of tasks in the system"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			if m.taskCountFunc == nil {
				return nil
			}
			n, err := m.taskCountFunc(ctx)
			if err != nil {
				return fmt.Errorf("failed to count tasks: %w", err)
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks gauge: %w", err)
	}

	return m, nil
}

// ObserveStatsCache exports the stats cache lookup counters, split by result.
func (m *Metrics) ObserveStatsCache(meter metric.Meter, lookups CacheLookupsFunc) error {
	hit := metric.WithAttributes(attribute.String("result", "hit"))
	miss := metric.WithAttributes(attribute.String("result", "miss"))

	var err error
	m.CacheLookups, err = meter.Int64ObservableCounter(
		"stats_cache_lookups_total",
		metric.WithDescription("Stats cache lookups by result"),
		metric.WithUnit("{lookup}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			hits, misses := lookups()
			o.Observe(int64(hits), hit)
			o.Observe(int64(misses), miss)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create stats cache lookups counter: %w", err)
	}
	return nil
}

// RecordOperation counts one engine operation, labelled with its outcome.
func (m *Metrics) RecordOperation(ctx context.Context, op string, err error) {
	m.TaskOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.operation", op),
		attribute.String("outcome", Outcome(err)),
	))
}

// Outcome buckets an engine error for metric labels.
func Outcome(err error) string {
	var verr *model.ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, model.ErrTaskNotFound):
		return "not_found"
	case errors.Is(err, model.ErrOwnerRequired):
		return "unauthenticated"
	case errors.Is(err, model.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
