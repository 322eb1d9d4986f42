package metrics

import (
	"sync"
	"time"
)

// Collector captures lightweight instrumentation for document store and unit of work operations.
type Collector interface {
	RecordQuery(collection, operation string, duration time.Duration, err error)
	RecordProxyLoad(class string, duration time.Duration, err error)
	RecordFlush(inserts, updates, deletes int, duration time.Duration)
}

// NoopCollector discards all metrics.
type NoopCollector struct{}

// RecordQuery implements Collector.
func (NoopCollector) RecordQuery(string, string, time.Duration, error) {}

// RecordProxyLoad implements Collector.
func (NoopCollector) RecordProxyLoad(string, time.Duration, error) {}

// RecordFlush implements Collector.
func (NoopCollector) RecordFlush(int, int, int, time.Duration) {}

// MultiCollector fan-outs events to multiple collectors.
type MultiCollector []Collector

// RecordQuery implements Collector.
func (mc MultiCollector) RecordQuery(collection, operation string, duration time.Duration, err error) {
	for _, c := range mc {
		if c == nil {
			continue
		}
		c.RecordQuery(collection, operation, duration, err)
	}
}

// RecordProxyLoad implements Collector.
func (mc MultiCollector) RecordProxyLoad(class string, duration time.Duration, err error) {
	for _, c := range mc {
		if c == nil {
			continue
		}
		c.RecordProxyLoad(class, duration, err)
	}
}

// RecordFlush implements Collector.
func (mc MultiCollector) RecordFlush(inserts, updates, deletes int, duration time.Duration) {
	for _, c := range mc {
		if c == nil {
			continue
		}
		c.RecordFlush(inserts, updates, deletes, duration)
	}
}

// WithCollector returns a collector that fans out to all provided collectors.
func WithCollector(primary Collector, others ...Collector) Collector {
	collectors := make([]Collector, 0, 1+len(others))
	if primary != nil {
		collectors = append(collectors, primary)
	}
	for _, c := range others {
		if c != nil {
			collectors = append(collectors, c)
		}
	}
	switch len(collectors) {
	case 0:
		return NoopCollector{}
	case 1:
		return collectors[0]
	default:
		return MultiCollector(collectors)
	}
}

// Counters is an in-process Collector keeping running totals. It is safe for concurrent use.
type Counters struct {
	mu           sync.Mutex
	Queries      map[string]int
	QueryErrors  map[string]int
	ProxyLoads   map[string]int
	Flushes      int
	Inserted     int
	Updated      int
	Deleted      int
	FlushLatency time.Duration
}

// NewCounters constructs an empty Counters collector.
func NewCounters() *Counters {
	return &Counters{
		Queries:     map[string]int{},
		QueryErrors: map[string]int{},
		ProxyLoads:  map[string]int{},
	}
}

// RecordQuery implements Collector.
func (c *Counters) RecordQuery(collection, operation string, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := collection + "." + operation
	c.Queries[key]++
	if err != nil {
		c.QueryErrors[key]++
	}
}

// RecordProxyLoad implements Collector.
func (c *Counters) RecordProxyLoad(class string, _ time.Duration, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProxyLoads[class]++
}

// RecordFlush implements Collector.
func (c *Counters) RecordFlush(inserts, updates, deletes int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Flushes++
	c.Inserted += inserts
	c.Updated += updates
	c.Deleted += deletes
	c.FlushLatency += duration
}

// Snapshot returns a copy of the query counter for collection.operation.
func (c *Counters) Snapshot(key string) (queries, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Queries[key], c.QueryErrors[key]
}
