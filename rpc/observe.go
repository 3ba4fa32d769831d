package rpc

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/atlys-org/atlys/logger"
)

/*
instrumentHTTP returns middleware which counts the calls of the endpoints and
records how long it took to serve them, both by route template and response
status code.
*/
func instrumentHTTP(mtr metric.Meter, log *slog.Logger) mux.MiddlewareFunc {
	callCnt, err := mtr.Int64Counter("calls",
		metric.WithDescription("How many times the endpoint has been called"),
		metric.WithUnit("{call}"))
	if err != nil {
		log.Error("creating calls counter", logger.Error(err))
		return passthroughMW
	}
	callDur, err := mtr.Float64Histogram("duration",
		metric.WithDescription("How long it took to serve the request"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(100e-6, 200e-6, 400e-6, 800e-6, 0.0016, 0.01, 0.05, 0.1, 0.5, 1))
	if err != nil {
		log.Error("creating duration histogram", logger.Error(err))
		return passthroughMW
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			attr := make([]attribute.KeyValue, 0, 2)
			if path, err := mux.CurrentRoute(req).GetPathTemplate(); err == nil {
				attr = append(attr, semconv.HTTPRoute(path))
			} else {
				log.WarnContext(req.Context(), "reading route path template", logger.Error(err))
			}

			start := time.Now()
			rsp := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rsp, req)

			attrs := metric.WithAttributeSet(attribute.NewSet(append(attr, semconv.HTTPResponseStatusCode(rsp.statusCode))...))
			callCnt.Add(req.Context(), 1, attrs)
			callDur.Record(req.Context(), time.Since(start).Seconds(), attrs)
		})
	}
}

func passthroughMW(next http.Handler) http.Handler { return next }

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	if !sr.wroteHeader {
		sr.statusCode = statusCode
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
