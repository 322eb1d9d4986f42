package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type countingSpan struct {
	annotated []Attribute
	ended     int
}

func (s *countingSpan) Annotate(attrs ...Attribute) { s.annotated = append(s.annotated, attrs...) }
func (s *countingSpan) End(error)                   { s.ended++ }

type countingTracer struct {
	names []string
	spans []*countingSpan
}

func (t *countingTracer) Start(ctx context.Context, name string, _ ...Attribute) (context.Context, Span) {
	t.names = append(t.names, name)
	span := &countingSpan{}
	t.spans = append(t.spans, span)
	return ctx, span
}

func recorded(t *testing.T) (*tracetest.SpanRecorder, Tracer) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, NewOTelTracer(tp, "")
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestJoinFansOutAnnotateAndEnd(t *testing.T) {
	primary, secondary := &countingTracer{}, &countingTracer{}
	tracer := Join(primary, nil, secondary)
	_, span := StartFlush(context.Background(), tracer, 3)
	span.Annotate(FlushCounts(1, 0, 2)...)
	span.End(nil)
	for _, ct := range []*countingTracer{primary, secondary} {
		if len(ct.names) != 1 || ct.names[0] != SpanFlush {
			t.Fatalf("unexpected spans %v", ct.names)
		}
		if s := ct.spans[0]; s.ended != 1 || len(s.annotated) != 3 {
			t.Fatalf("unexpected span state %+v", s)
		}
	}
}

func TestJoinCollapses(t *testing.T) {
	if _, ok := Join(nil).(NoopTracer); !ok {
		t.Fatalf("expected noop tracer when no tracers are provided")
	}
	single := &countingTracer{}
	if got := Join(nil, single); got != Tracer(single) {
		t.Fatalf("expected single tracer to be returned as-is, got %T", got)
	}
}

func TestStartDocumentWithoutTracer(t *testing.T) {
	ctx, span := StartDocument(context.Background(), nil, SpanProxyLoad, "blog.User", "users", 7)
	if ctx == nil {
		t.Fatalf("expected context")
	}
	span.Annotate(Tx())
	span.End(nil)
}

func TestOTelDocumentSpan(t *testing.T) {
	rec, tracer := recorded(t)
	_, span := StartDocument(context.Background(), tracer, SpanProxyLoad, "blog.User", "users", 42)
	span.End(errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != SpanProxyLoad {
		t.Fatalf("unexpected spans %v", spans)
	}
	got := spans[0]
	if got.SpanKind() != trace.SpanKindInternal {
		t.Fatalf("expected internal span, got %v", got.SpanKind())
	}
	if got.Status().Code != codes.Error || got.Status().Description != "boom" {
		t.Fatalf("unexpected status %+v", got.Status())
	}
	attrs := attrMap(got.Attributes())
	if attrs[KeyClass].AsString() != "blog.User" || attrs[KeyCollection].AsString() != "users" || attrs[KeyDocumentID].AsString() != "42" {
		t.Fatalf("unexpected attributes %v", got.Attributes())
	}
	if got.InstrumentationScope().Name != InstrumentationName {
		t.Fatalf("unexpected scope %q", got.InstrumentationScope().Name)
	}
}

func TestOTelFlushSpanAnnotated(t *testing.T) {
	rec, tracer := recorded(t)
	_, span := StartFlush(context.Background(), tracer, 4)
	span.Annotate(FlushCounts(2, 1, 0)...)
	span.Annotate(Attribute{Value: "dropped"}, String("odm.note", "x"))
	span.End(nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span recorded, got %d", len(spans))
	}
	attrs := attrMap(spans[0].Attributes())
	if len(attrs) != 5 {
		t.Fatalf("expected 5 attributes, got %v", spans[0].Attributes())
	}
	if attrs[KeyDocuments].AsInt64() != 4 || attrs[KeyInserts].AsInt64() != 2 || attrs[KeyUpdates].AsInt64() != 1 {
		t.Fatalf("unexpected counts %v", spans[0].Attributes())
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatalf("expected no error status")
	}
}

func TestOTelStatementSpanIsClient(t *testing.T) {
	rec, tracer := recorded(t)
	_, span := tracer.Start(context.Background(), SpanStatement, String(KeyStatement, "SELECT 1"), Tx())
	span.End(nil)
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].SpanKind() != trace.SpanKindClient {
		t.Fatalf("expected a client span, got %v", spans)
	}
	if !attrMap(spans[0].Attributes())[KeyTx].AsBool() {
		t.Fatalf("expected tx attribute")
	}
}
