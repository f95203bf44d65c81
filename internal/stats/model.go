// Package stats maintains per-site windowed counters in the shared store and
// derives replication metrics from them.
package stats

import (
	"context"
	"fmt"
	"time"
)

// Metric names one of the six counter streams recorded per site.
type Metric string

const (
	MetricOps       Metric = "ops"
	MetricBytes     Metric = "bytes"
	MetricOpsDone   Metric = "opsdone"
	MetricBytesDone Metric = "bytesdone"
	MetricOpsFail   Metric = "opsfail"
	MetricBytesFail Metric = "bytesfail"
)

// AllMetrics lists every recorded stream.
var AllMetrics = []Metric{
	MetricOps, MetricBytes,
	MetricOpsDone, MetricBytesDone,
	MetricOpsFail, MetricBytesFail,
}

// CounterStore is the capability the model needs from the shared store.
// Per-key increments must be atomic; nothing stronger is assumed.
type CounterStore interface {
	IncrBucket(ctx context.Context, key string, n int64, ttl time.Duration) error
	SumBuckets(ctx context.Context, keys []string) (int64, error)
}

// Model records increments into time buckets of width interval and reads
// them back as trailing-window sums over expiry seconds. There is no
// decrement: buckets are append-only until they age out of the window.
type Model struct {
	store     CounterStore
	namespace string
	interval  int
	expiry    int

	now func() time.Time
}

// NewModel creates a stats model. interval and expiry are in seconds and
// expiry must be a multiple of interval (enforced by config validation).
func NewModel(store CounterStore, namespace string, interval, expiry int) *Model {
	return &Model{
		store:     store,
		namespace: namespace,
		interval:  interval,
		expiry:    expiry,
		now:       time.Now,
	}
}

// Expiry returns the trailing window length in seconds.
func (m *Model) Expiry() int {
	return m.expiry
}

// bucketKey builds the store key for one (site, metric) bucket. ts is the
// bucket start, already truncated to the interval.
func (m *Model) bucketKey(site string, metric Metric, ts int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", m.namespace, site, metric, ts)
}

func (m *Model) currentBucket() int64 {
	now := m.now().Unix()
	return now - now%int64(m.interval)
}

// ReportNewRequest adds value to the current bucket of the (site, metric)
// stream. Concurrent reporters are safe: the underlying increment is atomic
// and commutative.
func (m *Model) ReportNewRequest(ctx context.Context, site string, metric Metric, value int64) error {
	key := m.bucketKey(site, metric, m.currentBucket())
	// TTL covers the window plus one interval so a bucket created at the very
	// start of its slot is still readable at the end of the window.
	ttl := time.Duration(m.expiry+m.interval) * time.Second
	return m.store.IncrBucket(ctx, key, value, ttl)
}

// GetStats sums all non-expired buckets of the (site, metric) stream.
func (m *Model) GetStats(ctx context.Context, site string, metric Metric) (int64, error) {
	buckets := m.expiry / m.interval
	current := m.currentBucket()
	keys := make([]string, 0, buckets)
	for i := 0; i < buckets; i++ {
		keys = append(keys, m.bucketKey(site, metric, current-int64(i*m.interval)))
	}
	return m.store.SumBuckets(ctx, keys)
}
