package api

import (
	"net/http"
	"strings"

	"crrapi/internal/stats"
)

// routeKind tags the closed set of accepted path shapes.
type routeKind int

const (
	// GET /_/healthcheck
	routeHealthcheck routeKind = iota
	// GET /_/metrics/crr/<site>
	routeSiteMetrics
	// GET /_/metrics/crr/<site>/<type>
	routeSiteMetric
	// GET /_/crr/failed
	routeListFailed
	// GET /_/crr/failed/<bucket>/<key...>
	routeListObject
	// POST /_/crr/failed
	routeReplay
)

// route is a matched request with its typed parameters.
type route struct {
	kind       routeKind
	site       string
	metricType string
	bucket     string
	objectKey  string
}

// apiError is a client-visible request failure.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

var (
	errRouteNotFound    = &apiError{http.StatusNotFound, "Not Found"}
	errMethodNotAllowed = &apiError{http.StatusMethodNotAllowed, "Method Not Allowed"}
)

// matcher applies the fixed route grammar. Segment comparison is exact
// equality against the closed vocabulary; near-misses are 404s, and a
// disallowed method on a known shape is a 405. This strictness is part of
// the API contract, not an implementation choice.
type matcher struct {
	knownSite func(string) bool
}

func isMetricType(s string) bool {
	for _, t := range stats.MetricTypes {
		if s == t {
			return true
		}
	}
	return false
}

func (m matcher) match(method, path string) (route, *apiError) {
	segs := strings.Split(path, "/")
	// A rooted path always yields a leading empty segment.
	if len(segs) < 3 || segs[0] != "" || segs[1] != "_" {
		return route{}, errRouteNotFound
	}
	rest := segs[2:]

	switch rest[0] {
	case "healthcheck":
		if len(rest) != 1 {
			return route{}, errRouteNotFound
		}
		if method != http.MethodGet {
			return route{}, errMethodNotAllowed
		}
		return route{kind: routeHealthcheck}, nil

	case "metrics":
		if len(rest) < 3 || len(rest) > 4 || rest[1] != "crr" {
			return route{}, errRouteNotFound
		}
		site := rest[2]
		if !m.knownSite(site) {
			return route{}, errRouteNotFound
		}
		if len(rest) == 4 {
			if !isMetricType(rest[3]) {
				return route{}, errRouteNotFound
			}
			if method != http.MethodGet {
				return route{}, errMethodNotAllowed
			}
			return route{kind: routeSiteMetric, site: site, metricType: rest[3]}, nil
		}
		if method != http.MethodGet {
			return route{}, errMethodNotAllowed
		}
		return route{kind: routeSiteMetrics, site: site}, nil

	case "crr":
		if len(rest) < 2 || rest[1] != "failed" {
			return route{}, errRouteNotFound
		}
		if len(rest) == 2 {
			switch method {
			case http.MethodGet:
				return route{kind: routeListFailed}, nil
			case http.MethodPost:
				return route{kind: routeReplay}, nil
			default:
				return route{}, errMethodNotAllowed
			}
		}
		// /_/crr/failed/<bucket>/<key...>: the object key may itself
		// contain slashes, so everything after the bucket is the key.
		if len(rest) < 4 {
			return route{}, errRouteNotFound
		}
		bucket := rest[2]
		objectKey := strings.Join(rest[3:], "/")
		if bucket == "" || objectKey == "" {
			return route{}, errRouteNotFound
		}
		if method != http.MethodGet {
			return route{}, errMethodNotAllowed
		}
		return route{kind: routeListObject, bucket: bucket, objectKey: objectKey}, nil
	}
	return route{}, errRouteNotFound
}
