package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxTracedSQL = 300

type pgxSpanKey struct{}

// PGXTracer implements pgx.QueryTracer and opens one span per statement sent
// by the save store and the journal.
type PGXTracer struct{}

// TraceQueryStart starts a span for the SQL statement.
func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	sql := strings.TrimSpace(data.SQL)
	ctx, span := otel.Tracer("shop-reduction/pgx").Start(ctx, "pgx.query", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", truncateSQL(sql)),
	)
	if fields := strings.Fields(sql); len(fields) > 0 {
		span.SetAttributes(attribute.String("db.operation", strings.ToUpper(fields[0])))
	}
	return context.WithValue(ctx, pgxSpanKey{}, span)
}

// TraceQueryEnd ends the span and records any error.
func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(pgxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
		return
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
}

func truncateSQL(sql string) string {
	if len(sql) > maxTracedSQL {
		return sql[:maxTracedSQL] + "..."
	}
	return sql
}
