package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Metrics holds all sync engine metrics
type Metrics struct {
	// Operation metrics
	OperationsTotal   metric.Int64Counter
	OperationDuration metric.Float64Histogram
	OperationRetries  metric.Int64Counter
	ActiveOperations  metric.Int64UpDownCounter
	PendingOperations metric.Int64UpDownCounter

	// Sync pass metrics
	SyncPassesTotal  metric.Int64Counter
	SyncPassDuration metric.Float64Histogram

	// Conflict metrics
	ConflictsDetected metric.Int64Counter
	ConflictsResolved metric.Int64Counter

	// Error metrics
	OperationFailures metric.Int64Counter
	NetworkWaits      metric.Int64Counter
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meterProvider metric.MeterProvider, serviceName string) (*Metrics, error) {
	meter := meterProvider.Meter(serviceName)

	operationsTotal, err := meter.Int64Counter(
		"sync_operations_total",
		metric.WithDescription("Total sync operations processed"),
	)
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram(
		"sync_operation_duration",
		metric.WithDescription("Operation processing time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	operationRetries, err := meter.Int64Counter(
		"sync_operation_retries",
		metric.WithDescription("Retry attempts across all operations"),
	)
	if err != nil {
		return nil, err
	}

	activeOperations, err := meter.Int64UpDownCounter(
		"sync_active_operations",
		metric.WithDescription("Operations currently executing"),
	)
	if err != nil {
		return nil, err
	}

	pendingOperations, err := meter.Int64UpDownCounter(
		"sync_pending_operations",
		metric.WithDescription("Operations buffered while offline"),
	)
	if err != nil {
		return nil, err
	}

	syncPassesTotal, err := meter.Int64Counter(
		"sync_passes_total",
		metric.WithDescription("Full and incremental sync passes started"),
	)
	if err != nil {
		return nil, err
	}

	syncPassDuration, err := meter.Float64Histogram(
		"sync_pass_duration",
		metric.WithDescription("End-to-end sync pass time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	conflictsDetected, err := meter.Int64Counter(
		"sync_conflicts_detected",
		metric.WithDescription("Field-level conflicts detected"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"sync_conflicts_resolved",
		metric.WithDescription("Conflicts resolved by strategy"),
	)
	if err != nil {
		return nil, err
	}

	operationFailures, err := meter.Int64Counter(
		"sync_operation_failures",
		metric.WithDescription("Operations that failed terminally"),
	)
	if err != nil {
		return nil, err
	}

	networkWaits, err := meter.Int64Counter(
		"sync_network_waits",
		metric.WithDescription("Times the engine waited for connectivity"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		OperationsTotal:   operationsTotal,
		OperationDuration: operationDuration,
		OperationRetries:  operationRetries,
		ActiveOperations:  activeOperations,
		PendingOperations: pendingOperations,
		SyncPassesTotal:   syncPassesTotal,
		SyncPassDuration:  syncPassDuration,
		ConflictsDetected: conflictsDetected,
		ConflictsResolved: conflictsResolved,
		OperationFailures: operationFailures,
		NetworkWaits:      networkWaits,
	}, nil
}

// NewNopMetrics returns metrics backed by a no-op provider. Used in tests
// and when metrics are disabled.
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(sdkmetric.NewMeterProvider(), "fieldsync")
	return m
}

// InitMetricsProvider initializes the OpenTelemetry metrics provider
func InitMetricsProvider(ctx context.Context, endpoint string, serviceName string) (metric.MeterProvider, func() error, error) {
	if endpoint == "" {
		// Return a no-op provider if no endpoint is configured
		return sdkmetric.NewMeterProvider(), func() error { return nil }, nil
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)

	otel.SetMeterProvider(mp)

	return mp, func() error {
		return mp.Shutdown(ctx)
	}, nil
}
