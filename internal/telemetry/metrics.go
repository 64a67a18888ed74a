package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMeterProvider installs a Prometheus-backed MeterProvider, starts Go
// runtime metrics, and returns the /metrics handler and a shutdown function.
func InitMeterProvider(serviceName, serviceVersion string) (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(newResource(serviceName, serviceVersion)),
	)
	otel.SetMeterProvider(mp)

	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, nil, err
	}

	return promhttp.Handler(), mp.Shutdown, nil
}

// Int64Counter creates a counter on the global meter. Instruments created
// before InitMeterProvider are forwarded once the provider is installed.
func Int64Counter(meterName, name, description string) otelmetric.Int64Counter {
	c, err := otel.Meter(meterName).Int64Counter(name, otelmetric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func Int64UpDownCounter(meterName, name, description string) otelmetric.Int64UpDownCounter {
	c, err := otel.Meter(meterName).Int64UpDownCounter(name, otelmetric.WithDescription(description))
	if err != nil {
		return noop.Int64UpDownCounter{}
	}
	return c
}
