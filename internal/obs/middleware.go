package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StatusRecorder wraps ResponseWriter to capture status code and bytes written.
type StatusRecorder struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

// NewStatusRecorder constructs a status recorder with default 200 status.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader stores the status code before delegating.
func (sr *StatusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Write records the number of bytes written.
func (sr *StatusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytesWritten += int64(n)
	return n, err
}

// Status returns the response status code.
func (sr *StatusRecorder) Status() int { return sr.status }

// BytesWritten returns the number of bytes written to the client.
func (sr *StatusRecorder) BytesWritten() int64 { return sr.bytesWritten }

// HTTPObs instruments HTTP handlers with metrics.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware records request counts, latency and in-flight requests.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		defer o.Metrics.InFlight.Dec()
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := routeOf(r, "unknown")
		o.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.Status())).Inc()
		o.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
	})
}

// RoutePatternMiddleware injects the matched route pattern into request context.
func RoutePatternMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				ctx = WithRoutePattern(ctx, pattern)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TracingMiddleware starts an OpenTelemetry span for each incoming request.
// The span is renamed after routing once the chi pattern is known.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("shop-reduction/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		recorder := NewStatusRecorder(w)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routeOf(r, r.URL.Path)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", recorder.Status()),
		)
		if recorder.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.Status()))
		}
	})
}

// routeOf returns the matched chi pattern, reading the shared route context
// after the handler ran, or fallback when the router did not match.
func routeOf(r *http.Request, fallback string) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if route := rc.RoutePattern(); route != "" {
			return route
		}
	}
	return fallback
}
