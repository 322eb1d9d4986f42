package tracing

import (
	"context"
	"fmt"
)

// Span names opened by the document manager and the stores.
const (
	SpanFlush     = "odm.flush"
	SpanProxyLoad = "odm.proxy.load"
	SpanStatement = "odm.statement"
)

// Attribute keys shared by the document manager, the stores and the adapters.
const (
	KeyClass       = "odm.class"
	KeyCollection  = "odm.collection"
	KeyDocumentID  = "odm.id"
	KeyOperation   = "odm.operation"
	KeyStore       = "odm.store"
	KeyTx          = "odm.tx"
	KeyDocuments   = "odm.documents"
	KeyArgCount    = "odm.arg_count"
	KeyCorrelation = "odm.correlation_id"
	KeyInserts     = "odm.flush.inserts"
	KeyUpdates     = "odm.flush.updates"
	KeyDeletes     = "odm.flush.deletes"
	KeyStatement   = "db.statement"
	KeyDBOperation = "db.operation"
	KeyDBName      = "db.name"
	KeyRows        = "db.rows_affected"
)

// Attribute is a key/value pair attached to a span.
type Attribute struct {
	Key   string
	Value any
}

// Span is an in-flight span. Annotate adds attributes only known after Start.
type Span interface {
	Annotate(attrs ...Attribute)
	End(err error)
}

// Tracer starts spans.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// NoopTracer discards everything.
type NoopTracer struct{}

// Start implements Tracer.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...Attribute) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) Annotate(...Attribute) {}
func (noopSpan) End(error)             {}

// Join fans spans out to every non-nil tracer. It returns NoopTracer when none
// remain and the tracer itself when only one does.
func Join(tracers ...Tracer) Tracer {
	var live fanout
	for _, t := range tracers {
		if t != nil {
			live = append(live, t)
		}
	}
	switch len(live) {
	case 0:
		return NoopTracer{}
	case 1:
		return live[0]
	}
	return live
}

type fanout []Tracer

func (f fanout) Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span) {
	spans := make(fanoutSpan, 0, len(f))
	for _, t := range f {
		var span Span
		ctx, span = t.Start(ctx, name, attrs...)
		if span != nil {
			spans = append(spans, span)
		}
	}
	return ctx, spans
}

type fanoutSpan []Span

func (fs fanoutSpan) Annotate(attrs ...Attribute) {
	for _, s := range fs {
		s.Annotate(attrs...)
	}
}

func (fs fanoutSpan) End(err error) {
	for _, s := range fs {
		s.End(err)
	}
}

// StartDocument opens a span about a single document.
func StartDocument(ctx context.Context, t Tracer, name, class, collection string, id any) (context.Context, Span) {
	if t == nil {
		t = NoopTracer{}
	}
	return t.Start(ctx, name, Class(class), Collection(collection), DocumentID(id))
}

// StartFlush opens the span wrapping one unit-of-work flush. The change counts
// are attached with FlushCounts once the change set is known.
func StartFlush(ctx context.Context, t Tracer, managed int) (context.Context, Span) {
	if t == nil {
		t = NoopTracer{}
	}
	return t.Start(ctx, SpanFlush, Count(KeyDocuments, managed))
}

// FlushCounts describes a computed change set.
func FlushCounts(inserts, updates, deletes int) []Attribute {
	return []Attribute{Count(KeyInserts, inserts), Count(KeyUpdates, updates), Count(KeyDeletes, deletes)}
}

// Class names the mapped class of a document.
func Class(name string) Attribute { return Attribute{Key: KeyClass, Value: name} }

// Collection names the collection a document lives in.
func Collection(name string) Attribute { return Attribute{Key: KeyCollection, Value: name} }

// DocumentID renders an identifier the same way the identity map keys it.
func DocumentID(id any) Attribute { return Attribute{Key: KeyDocumentID, Value: fmt.Sprint(id)} }

// Operation names a store operation.
func Operation(op string) Attribute { return Attribute{Key: KeyOperation, Value: op} }

// Store names the store kind, such as "postgres" or "sqlite".
func Store(kind string) Attribute { return Attribute{Key: KeyStore, Value: kind} }

// Tx marks work running inside a store transaction.
func Tx() Attribute { return Attribute{Key: KeyTx, Value: true} }

// Count is an integer attribute.
func Count(key string, n int) Attribute { return Attribute{Key: key, Value: n} }

// String is a free-form string attribute.
func String(key, value string) Attribute { return Attribute{Key: key, Value: value} }
