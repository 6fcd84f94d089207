package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/shop-reduction/internal/common"
)

// NewLogger configures a zerolog logger using the provided format and level.
// "console" and "text" select the human readable writer, anything else is JSON.
func NewLogger(format, level string) zerolog.Logger {
	return newLogger(os.Stdout, format, level)
}

func newLogger(w io.Writer, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := w
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// RequestLogger writes one structured line per HTTP request.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware implements chi middleware for structured request logs.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewStatusRecorder(w)
		ctx, tags := withRequestTags(r.Context())
		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(ctx))

		evt := l.Logger.Info()
		if recorder.Status() >= http.StatusInternalServerError {
			evt = l.Logger.Error()
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", routeOf(r, r.URL.Path)).
			Str("path", r.URL.Path).
			Int("status", recorder.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", recorder.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context()))
		if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.IsValid() {
			evt = evt.Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String())
		}
		if tags.author != "" {
			evt = evt.Str("author", tags.author)
		}
		if tags.sessionID != "" {
			evt = evt.Str("session_id", tags.sessionID)
		}
		if ip := common.ClientIP(r); ip != "" {
			evt = evt.Str("client_ip", ip)
		}
		evt.Msg("http_request")
	})
}
