package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// SiteAll requests the sum of every configured site's streams. It is never
// itself a stored stream.
const SiteAll = "all"

// Metric type names exposed by the API.
const (
	TypeBacklog     = "backlog"
	TypeCompletions = "completions"
	TypeFailures    = "failures"
	TypeThroughput  = "throughput"
)

// MetricTypes lists the recognized aggregate metric types.
var MetricTypes = []string{TypeBacklog, TypeCompletions, TypeFailures, TypeThroughput}

// ErrUnknownSite is returned for a site that is neither "all" nor configured.
var ErrUnknownSite = errors.New("stats: unknown site")

// Results carries a metric's operation count and byte size.
type Results struct {
	Count float64 `json:"count"`
	Size  float64 `json:"size"`
}

// Record is one aggregate metric as exposed by the API.
type Record struct {
	Description string  `json:"description"`
	Results     Results `json:"results"`
}

// Aggregator derives backlog/completions/failures/throughput from the
// windowed counters of the configured sites.
type Aggregator struct {
	model *Model
	sites []string
}

// NewAggregator creates an aggregator over the given destination sites.
func NewAggregator(model *Model, sites []string) *Aggregator {
	return &Aggregator{model: model, sites: sites}
}

// IsKnownSite reports whether site is "all" or a configured destination.
func (a *Aggregator) IsKnownSite(site string) bool {
	if site == SiteAll {
		return true
	}
	for _, s := range a.sites {
		if s == site {
			return true
		}
	}
	return false
}

// readStream returns the windowed sum of one metric stream, summing across
// every configured site when site is "all".
func (a *Aggregator) readStream(ctx context.Context, site string, metric Metric) (int64, error) {
	if site != SiteAll {
		return a.model.GetStats(ctx, site, metric)
	}
	var total int64
	for _, s := range a.sites {
		n, err := a.model.GetStats(ctx, s, metric)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// streams holds one window snapshot of all six counter streams for a site.
type streams struct {
	ops, bytes         int64
	opsDone, bytesDone int64
	opsFail, bytesFail int64
}

func (a *Aggregator) readStreams(ctx context.Context, site string) (streams, error) {
	var s streams
	reads := []struct {
		metric Metric
		dst    *int64
	}{
		{MetricOps, &s.ops},
		{MetricBytes, &s.bytes},
		{MetricOpsDone, &s.opsDone},
		{MetricBytesDone, &s.bytesDone},
		{MetricOpsFail, &s.opsFail},
		{MetricBytesFail, &s.bytesFail},
	}
	for _, r := range reads {
		n, err := a.readStream(ctx, site, r.metric)
		if err != nil {
			return streams{}, err
		}
		*r.dst = n
	}
	return s, nil
}

// round2 rounds half-up to two decimal places. The rounding rule is fixed
// here so throughput figures are stable across platforms.
func round2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

func (a *Aggregator) buildRecord(typ string, s streams) Record {
	expiry := a.model.Expiry()
	switch typ {
	case TypeBacklog:
		return Record{
			Description: "Number of incomplete replication operations (count) and number of incomplete bytes transferred (size)",
			Results: Results{
				Count: float64(s.ops - s.opsDone),
				Size:  float64(s.bytes - s.bytesDone),
			},
		}
	case TypeCompletions:
		return Record{
			Description: fmt.Sprintf("Number of completed replication operations (count) and number of bytes transferred (size) in the last %d seconds", expiry),
			Results: Results{
				Count: float64(s.opsDone),
				Size:  float64(s.bytesDone),
			},
		}
	case TypeFailures:
		return Record{
			Description: fmt.Sprintf("Number of failed replication operations (count) and bytes (size) in the last %d seconds", expiry),
			Results: Results{
				Count: float64(s.opsFail),
				Size:  float64(s.bytesFail),
			},
		}
	case TypeThroughput:
		return Record{
			Description: "Current throughput for replication operations in ops/sec (count) and bytes/sec (size)",
			Results: Results{
				Count: round2(float64(s.opsDone) / float64(expiry)),
				Size:  round2(float64(s.bytesDone) / float64(expiry)),
			},
		}
	}
	// Unreachable: callers validate typ against MetricTypes.
	return Record{}
}

// SiteMetric returns one metric type for a site, keyed by type name.
func (a *Aggregator) SiteMetric(ctx context.Context, site, typ string) (map[string]Record, error) {
	if !a.IsKnownSite(site) {
		return nil, ErrUnknownSite
	}
	s, err := a.readStreams(ctx, site)
	if err != nil {
		return nil, err
	}
	return map[string]Record{typ: a.buildRecord(typ, s)}, nil
}

// SiteMetrics returns all recognized metric types for a site, keyed by type
// name. A known site with no recorded data yields all-zero records.
func (a *Aggregator) SiteMetrics(ctx context.Context, site string) (map[string]Record, error) {
	if !a.IsKnownSite(site) {
		return nil, ErrUnknownSite
	}
	s, err := a.readStreams(ctx, site)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(MetricTypes))
	for _, typ := range MetricTypes {
		out[typ] = a.buildRecord(typ, s)
	}
	return out, nil
}
