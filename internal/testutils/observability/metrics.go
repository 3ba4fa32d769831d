package observability

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"

	testlogr "github.com/atlys-org/atlys/internal/testutils/logger"
	"github.com/atlys-org/atlys/logger"
)

/*
NOPObservability creates observability implementation where everything is no-op.
Use it for tests for which it absolutely doesn't make sense to create any logs, traces or metrics.
*/
func NOPObservability() *Observability {
	return &Observability{
		mp:   noop.NewMeterProvider(),
		tp:   tnop.NewTracerProvider(),
		logF: func(lc *logger.LogConfiguration) (*slog.Logger, error) { return testlogr.NOP(), nil },
	}
}

/*
Default creates observability implementation which logs using test logger
and collects metrics into manual reader (see Collect). Env var
ATLYS_TEST_TRACER enables trace exporter.
*/
func Default(t *testing.T) *Observability {
	return New(t, "", testlogr.LoggerBuilder(t))
}

func New(t *testing.T, traces string, logBuilder func(*logger.LogConfiguration) (*slog.Logger, error)) *Observability {
	initPropagator()

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("atlys"),
		attribute.String("test.name", t.Name()),
		attribute.Int64("test.id", testID(t)),
	)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	t.Cleanup(func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down meter provider: %v", err)
		}
	})

	obs := &Observability{
		mp:     mp,
		tp:     tnop.NewTracerProvider(),
		logF:   logBuilder,
		reader: reader,
	}

	if traceExp := env("ATLYS_TEST_TRACER", traces); traceExp != "" {
		tp, err := newTraceProvider(traceExp, res)
		if err != nil {
			t.Fatal("failed to init trace exporter", err)
		}
		obs.tp = tp
		t.Cleanup(func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				t.Logf("shutting down trace exporter: %v", err)
			}
		})
	}

	return obs
}

type Observability struct {
	logF   func(*logger.LogConfiguration) (*slog.Logger, error)
	tp     trace.TracerProvider
	mp     metric.MeterProvider
	reader *sdkmetric.ManualReader
}

func (o *Observability) Logger() *slog.Logger {
	log, err := o.logF(nil)
	if err != nil {
		panic(fmt.Errorf("unexpectedly log builder returned error: %w", err))
	}
	return log
}

func (o *Observability) Meter(name string, options ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, options...)
}

func (o *Observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

// PrometheusRegisterer returns nil, tests collect metrics using Collect.
func (o *Observability) PrometheusRegisterer() prometheus.Registerer {
	return nil
}

// Shutdown is no-op, providers are shut down by test cleanup.
func (o *Observability) Shutdown() error { return nil }

/*
Collect returns metrics recorded so far. Fails the test when observability
was created without metric reader (ie NOPObservability).
*/
func (o *Observability) Collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	if o.reader == nil {
		t.Fatal("observability has no metric reader")
	}
	var rm metricdata.ResourceMetrics
	if err := o.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	return rm
}

/*
Sum returns sum of all data points of the Int64 counter "name" which have
attribute "attr" (or all data points when "attr" is invalid).
*/
func (o *Observability) Sum(t *testing.T, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	rm := o.Collect(t)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is %T, expected Int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if !attr.Valid() {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attr.Key); ok && v.Emit() == attr.Value.Emit() {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func newTraceProvider(exporter string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var err error
	var exp sdktrace.SpanExporter

	switch exporter {
	case "stdout":
		exp, err = stdouttrace.New()
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %q exporter: %w", exporter, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

/*
Global registry for test IDs, attached to traces so that all traces of
particular test run could be filtered out.
*/
var (
	reg map[*testing.T]int64
	m   sync.Mutex
)

func testID(t *testing.T) int64 {
	m.Lock()
	defer m.Unlock()

	if reg == nil {
		reg = make(map[*testing.T]int64)
	}
	if id, ok := reg[t]; ok {
		return id
	}
	id := rand.Int63() // #nosec G404
	reg[t] = id
	t.Cleanup(func() {
		m.Lock()
		delete(reg, t)
		m.Unlock()
	})

	return id
}

func env(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

var initPropagator = sync.OnceFunc(func() {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
})
