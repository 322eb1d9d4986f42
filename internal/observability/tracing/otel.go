package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the scope used when NewOTelTracer is given none.
const InstrumentationName = "github.com/deicod/odm"

// NewOTelTracer adapts an OpenTelemetry provider, falling back to the global one.
// Statement spans are reported as client spans; flush and proxy spans as internal.
func NewOTelTracer(provider trace.TracerProvider, instrumentationName string) Tracer {
	if instrumentationName == "" {
		instrumentationName = InstrumentationName
	}
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return otelTracer{tracer: provider.Tracer(instrumentationName)}
}

type otelTracer struct {
	tracer trace.Tracer
}

func (t otelTracer) Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span) {
	if t.tracer == nil {
		return ctx, noopSpan{}
	}
	kind := trace.SpanKindInternal
	if name == SpanStatement {
		kind = trace.SpanKindClient
	}
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(otelAttributes(attrs)...),
	)
	return ctx, otelSpan{span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) Annotate(attrs ...Attribute) {
	s.span.SetAttributes(otelAttributes(attrs)...)
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func otelAttributes(attrs []Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == "" {
			continue
		}
		key := attribute.Key(a.Key)
		switch v := a.Value.(type) {
		case string:
			out = append(out, key.String(v))
		case bool:
			out = append(out, key.Bool(v))
		case int:
			out = append(out, key.Int(v))
		case int64:
			out = append(out, key.Int64(v))
		case float64:
			out = append(out, key.Float64(v))
		case []string:
			out = append(out, key.StringSlice(v))
		case fmt.Stringer:
			out = append(out, key.String(v.String()))
		default:
			out = append(out, key.String(fmt.Sprint(v)))
		}
	}
	return out
}
