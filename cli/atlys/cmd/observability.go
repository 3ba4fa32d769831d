package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexp "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"
)

func newObservability(metrics, traces string, log *slog.Logger) (*observability, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName("atlys"),
			semconv.ServiceVersion("0.1.0"),
		))
	if err != nil {
		return nil, fmt.Errorf("creating OTEL resource: %w", err)
	}

	o := &observability{
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
		log: log,
	}

	if metrics != "" {
		mp, err := o.initMeterProvider(metrics, res)
		if err != nil {
			return o, fmt.Errorf("initialize meter provider: %w", err)
		}
		o.mp = mp
		o.shutdownFuncs = append(o.shutdownFuncs, mp.Shutdown)
	}

	if traces != "" {
		tp, err := initTracerProvider(traces, res)
		if err != nil {
			return o, fmt.Errorf("initialize tracer provider: %w", err)
		}
		o.tp = tp
		o.shutdownFuncs = append(o.shutdownFuncs, tp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return o, nil
}

type observability struct {
	mp  metric.MeterProvider
	tp  trace.TracerProvider
	pr  prometheus.Registerer
	log *slog.Logger

	shutdownFuncs []func(context.Context) error
}

func (o *observability) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, fn := range o.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (o *observability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *observability) Logger() *slog.Logger { return o.log }

// PrometheusRegisterer returns nil unless "prometheus" metrics exporter is used.
func (o *observability) PrometheusRegisterer() prometheus.Registerer {
	return o.pr
}

func (o *observability) initMeterProvider(exporter string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch exporter {
	case "stdout":
		me, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(me)
	case "prometheus":
		var err error
		o.pr = prometheus.NewRegistry()
		if reader, err = promexp.New(promexp.WithRegisterer(o.pr), promexp.WithNamespace("atlys")); err != nil {
			return nil, fmt.Errorf("creating Prometheus exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported exporter %q", exporter)
	}

	μs := time.Microsecond.Seconds()
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{
					Name:  "mining.duration",
					Scope: instrumentation.Scope{Name: "ledger"},
				},
				sdkmetric.Stream{
					Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
						Boundaries: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
					},
				},
			),
			sdkmetric.NewView(
				sdkmetric.Instrument{
					Name:  "duration",
					Scope: instrumentation.Scope{Name: "rest_api"},
				},
				sdkmetric.Stream{
					Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
						Boundaries: []float64{100 * μs, 200 * μs, 400 * μs, 800 * μs, 0.0016, 0.01, 0.05, 0.1},
					},
				},
			),
		),
	), nil
}

func initTracerProvider(exporter string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	switch exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exp),
		), nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
}
