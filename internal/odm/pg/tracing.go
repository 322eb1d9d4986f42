package pg

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/deicod/odm/internal/observability/tracing"
	"github.com/deicod/odm/internal/odm/runtime"
)

func newPGXTracer(tracer tracing.Tracer) pgx.QueryTracer {
	if tracer == nil {
		return nil
	}
	return &pgxTracer{tracer: tracer}
}

// pgxTracer opens a statement span per query sent over a pooled connection. Queries
// issued by Store carry the collection and operation of the enclosing observation.
type pgxTracer struct {
	tracer tracing.Tracer
}

type spanKey struct{}

func (t *pgxTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	attrs := []tracing.Attribute{
		tracing.Store(runtime.StorePostgres),
		tracing.String(tracing.KeyStatement, data.SQL),
		tracing.String(tracing.KeyDBOperation, statementVerb(data.SQL)),
		tracing.Count(tracing.KeyArgCount, len(data.Args)),
	}
	if conn != nil {
		attrs = append(attrs, tracing.String(tracing.KeyDBName, conn.Config().Database))
	}
	if st, ok := runtime.StatementFromContext(ctx); ok {
		attrs = append(attrs, tracing.Collection(st.Collection), tracing.Operation(string(st.Operation)))
		if st.Tx {
			attrs = append(attrs, tracing.Tx())
		}
	}
	ctx, span := t.tracer.Start(ctx, tracing.SpanStatement, attrs...)
	return context.WithValue(ctx, spanKey{}, span)
}

func (t *pgxTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(spanKey{}).(tracing.Span)
	if !ok || span == nil {
		return
	}
	if data.Err == nil {
		span.Annotate(tracing.Count(tracing.KeyRows, int(data.CommandTag.RowsAffected())))
	}
	span.End(data.Err)
}

// statementVerb returns the leading SQL keyword, upper-cased.
func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
