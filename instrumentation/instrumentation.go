package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopePrefix = "github.com/authsrv/oauth/"

// Config configures an Instrumentation instance.
type Config struct {
	// ServiceName identifies the service in telemetry. Defaults to
	// "authsrv".
	ServiceName string

	// ServiceVersion tags telemetry with a release version.
	ServiceVersion string

	// Enabled activates telemetry. When false, all meters and tracers
	// are no-ops with zero overhead.
	Enabled bool

	// Resource overrides the default resource attributes.
	Resource *resource.Resource
}

// Instrumentation wires OpenTelemetry providers for the server. Today the
// providers are no-ops; swapping in real exporters (OTLP, Prometheus)
// only requires changing the provider construction here.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New builds an Instrumentation from config.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "authsrv"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

// Shutdown flushes and stops every registered provider. Subsequent calls
// are no-ops.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var firstErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Meter returns a meter scoped to a layer name like "http" or "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a tracer scoped to a layer name like "http" or "storage".
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the shared instrument set.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// StorageSizeCallback reports the current size of one storage table.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauge callbacks reporting the
// store's table sizes. Storage backends call this once from their
// SetInstrumentation hook; nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	accessTokensCount, clientsCount, authCodesCount, refreshTokensCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if accessTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageAccessTokensCount, accessTokensCount())
			}
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if authCodesCount != nil {
				observer.ObserveInt64(i.metrics.StorageAuthCodesCount, authCodesCount())
			}
			if refreshTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshTokensCount, refreshTokensCount())
			}
			return nil
		},
		i.metrics.StorageAccessTokensCount,
		i.metrics.StorageClientsCount,
		i.metrics.StorageAuthCodesCount,
		i.metrics.StorageRefreshTokensCount,
	)
	return err
}
