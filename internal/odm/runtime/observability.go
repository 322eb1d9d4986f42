package runtime

import (
	"context"
	"time"

	"github.com/deicod/odm/internal/observability/metrics"
	"github.com/deicod/odm/internal/observability/tracing"
)

// QueryOperation identifies the store operation being executed.
type QueryOperation string

const (
	OperationLoad   QueryOperation = "load"
	OperationFind   QueryOperation = "find"
	OperationInsert QueryOperation = "insert"
	OperationUpdate QueryOperation = "update"
	OperationDelete QueryOperation = "delete"
	OperationDDL    QueryOperation = "ddl"
)

// Store kinds reported by the bundled stores.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Statement describes the store call a context belongs to. Observe attaches it to the
// context handed to the driver so connection-level tracers can tag their spans.
type Statement struct {
	Store      string
	Operation  QueryOperation
	Collection string
	Documents  int
	Tx         bool
}

type statementKey struct{}

// StatementFromContext returns the statement attached by QueryObserver.Observe.
func StatementFromContext(ctx context.Context) (Statement, bool) {
	if ctx == nil {
		return Statement{}, false
	}
	st, ok := ctx.Value(statementKey{}).(Statement)
	return st, ok
}

// QueryLog is the structured payload emitted for each store statement.
type QueryLog struct {
	Statement
	SQL           string
	Args          []any
	Duration      time.Duration
	Err           error
	CorrelationID string
}

// QueryLogger receives query events.
type QueryLogger interface {
	LogQuery(ctx context.Context, entry QueryLog)
}

// QueryLoggerFunc adapts plain functions to QueryLogger.
type QueryLoggerFunc func(context.Context, QueryLog)

// LogQuery implements QueryLogger.
func (fn QueryLoggerFunc) LogQuery(ctx context.Context, entry QueryLog) {
	if fn != nil {
		fn(ctx, entry)
	}
}

// CorrelationProvider extracts correlation IDs from the request context.
type CorrelationProvider interface {
	CorrelationID(context.Context) string
}

// CorrelationProviderFunc adapts functions into CorrelationProvider implementations.
type CorrelationProviderFunc func(context.Context) string

// CorrelationID implements CorrelationProvider.
func (fn CorrelationProviderFunc) CorrelationID(ctx context.Context) string {
	if fn == nil {
		return ""
	}
	return fn(ctx)
}

// QueryObserver coordinates logging, metrics and tracing for store statements. The zero
// value observes nothing.
type QueryObserver struct {
	Logger     QueryLogger
	Tracer     tracing.Tracer
	Collector  metrics.Collector
	Correlator CorrelationProvider
}

// ObservationOption refines the statement being observed.
type ObservationOption func(*Statement)

// OnStore names the store kind executing the statement.
func OnStore(kind string) ObservationOption {
	return func(st *Statement) { st.Store = kind }
}

// Documents records how many documents the statement writes or deletes.
func Documents(n int) ObservationOption {
	return func(st *Statement) { st.Documents = n }
}

// InTx marks statements running inside a store transaction.
func InTx(tx bool) ObservationOption {
	return func(st *Statement) { st.Tx = tx }
}

// Observe opens an observation for one statement against collection. Call End once
// the driver call completes and hand Context to the driver.
func (o QueryObserver) Observe(ctx context.Context, op QueryOperation, collection, sql string, args []any, opts ...ObservationOption) QueryObservation {
	if ctx == nil {
		ctx = context.Background()
	}
	st := Statement{Store: "store", Operation: op, Collection: collection}
	for _, opt := range opts {
		if opt != nil {
			opt(&st)
		}
	}
	obs := QueryObservation{
		ctx:       context.WithValue(ctx, statementKey{}, st),
		start:     time.Now(),
		statement: st,
		sql:       sql,
		collector: o.Collector,
		logger:    o.Logger,
	}
	if o.Correlator != nil {
		obs.correlationID = o.Correlator.CorrelationID(ctx)
	}
	if o.Logger != nil {
		obs.args = append([]any(nil), args...)
	}
	if o.Tracer != nil {
		obs.ctx, obs.span = o.Tracer.Start(obs.ctx, "odm."+st.Store+"."+string(op), statementAttributes(st, len(args), obs.correlationID)...)
	}
	return obs
}

func statementAttributes(st Statement, argc int, correlation string) []tracing.Attribute {
	attrs := []tracing.Attribute{
		tracing.Store(st.Store),
		tracing.Collection(st.Collection),
		tracing.Operation(string(st.Operation)),
		tracing.Count(tracing.KeyArgCount, argc),
	}
	if st.Documents > 0 {
		attrs = append(attrs, tracing.Count(tracing.KeyDocuments, st.Documents))
	}
	if st.Tx {
		attrs = append(attrs, tracing.Tx())
	}
	if correlation != "" {
		attrs = append(attrs, tracing.String(tracing.KeyCorrelation, correlation))
	}
	return attrs
}

// QueryObservation tracks a single in-flight statement.
type QueryObservation struct {
	ctx           context.Context
	start         time.Time
	statement     Statement
	sql           string
	args          []any
	span          tracing.Span
	collector     metrics.Collector
	logger        QueryLogger
	correlationID string
}

// Context returns the context to pass to the driver call.
func (obs QueryObservation) Context() context.Context {
	if obs.ctx == nil {
		return context.Background()
	}
	return obs.ctx
}

// End finalises the observation.
func (obs QueryObservation) End(err error) {
	if obs.span != nil {
		obs.span.End(err)
	}
	duration := time.Since(obs.start)
	if obs.collector != nil {
		obs.collector.RecordQuery(obs.statement.Collection, string(obs.statement.Operation), duration, err)
	}
	if obs.logger != nil {
		obs.logger.LogQuery(obs.Context(), QueryLog{
			Statement:     obs.statement,
			SQL:           obs.sql,
			Args:          obs.args,
			Duration:      duration,
			Err:           err,
			CorrelationID: obs.correlationID,
		})
	}
}
