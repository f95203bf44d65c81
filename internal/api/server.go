// Package api serves the operational control surface: live replication
// metrics per destination site and the failed-operation retry ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"crrapi/internal/config"
	"crrapi/internal/ledger"
	"crrapi/internal/logger"
	"crrapi/internal/replay"
	"crrapi/internal/stats"
)

// maxReplayBody bounds a retry request body.
const maxReplayBody = 10 << 20

// HealthChecker is the external health aggregator port.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// HealthFunc adapts a plain function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Healthy implements HealthChecker.
func (f HealthFunc) Healthy(ctx context.Context) error { return f(ctx) }

// Server exposes the HTTP surface over the metrics aggregator, the retry
// ledger and the replay service.
type Server struct {
	addr    string
	cfg     *config.Config
	agg     *stats.Aggregator
	ledger  *ledger.Ledger
	replay  *replay.Service
	health  HealthChecker
	matcher matcher

	httpServer *http.Server
}

// Options configure the API server.
type Options struct {
	Addr       string
	Cfg        *config.Config
	Aggregator *stats.Aggregator
	Ledger     *ledger.Ledger
	Replay     *replay.Service
	Health     HealthChecker
}

// New creates an API server.
func New(opts Options) (*Server, error) {
	if opts.Aggregator == nil || opts.Ledger == nil || opts.Replay == nil {
		return nil, errors.New("api: aggregator, ledger and replay are required")
	}
	s := &Server{
		addr:   opts.Addr,
		cfg:    opts.Cfg,
		agg:    opts.Aggregator,
		ledger: opts.Ledger,
		replay: opts.Replay,
		health: opts.Health,
	}
	s.matcher = matcher{knownSite: s.agg.IsKnownSite}
	return s, nil
}

// Start runs the HTTP server and blocks until it stops. When ready is not
// nil it receives the actual listen address once the port is bound.
func (s *Server) Start(ready chan<- string) error {
	if s.addr == "" {
		s.addr = ":8900"
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	if ready != nil {
		ready <- s.addr
	}
	logger.Console("api: serving at http://%s", s.addr)
	s.httpServer = &http.Server{
		Handler:           gzhttp.GzipHandler(s),
		ReadHeaderTimeout: 10 * time.Second,
		// Accept-loop and TLS noise goes to the log file, not the console.
		ErrorLog: log.New(logger.Writer(), "[http] ", log.LstdFlags),
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler. Every request goes through the route
// matcher before any store access.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, apiErr := s.matcher.match(r.Method, r.URL.Path)
	if apiErr != nil {
		logger.Debug("api: %s %s -> %d", r.Method, r.URL.Path, apiErr.status)
		http.Error(w, apiErr.message, apiErr.status)
		return
	}
	logger.Debug("api: %s %s", r.Method, r.URL.Path)

	switch rt.kind {
	case routeHealthcheck:
		s.handleHealthcheck(w, r)
	case routeSiteMetrics, routeSiteMetric:
		s.handleMetrics(w, r, rt)
	case routeListFailed:
		s.handleListFailed(w, r, nil)
	case routeListObject:
		s.handleListObject(w, r, rt)
	case routeReplay:
		s.handleReplay(w, r)
	}
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Healthy(r.Context()); err != nil {
			s.serverError(w, r, err)
			return
		}
	}
	writeJSON(w, map[string]interface{}{})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, rt route) {
	var (
		records map[string]stats.Record
		err     error
	)
	if rt.kind == routeSiteMetric {
		records, err = s.agg.SiteMetric(r.Context(), rt.site, rt.metricType)
	} else {
		records, err = s.agg.SiteMetrics(r.Context(), rt.site)
	}
	if err != nil {
		if errors.Is(err, stats.ErrUnknownSite) {
			http.Error(w, errRouteNotFound.message, errRouteNotFound.status)
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, records)
}

// listResponse is the shared listing shape for both ledger listing routes.
type listResponse struct {
	IsTruncated bool             `json:"IsTruncated"`
	Versions    []ledger.Version `json:"Versions"`
	NextMarker  uint64           `json:"NextMarker,omitempty"`
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request, filter *ledger.Filter) {
	raw, present := queryValue(r, "marker")
	marker, err := ledger.ParseMarker(raw, present)
	if err != nil {
		http.Error(w, "invalid marker", http.StatusBadRequest)
		return
	}
	listing, err := s.ledger.List(r.Context(), filter, marker)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	resp := listResponse{
		IsTruncated: listing.Truncated,
		Versions:    listing.Entries,
	}
	if listing.Truncated {
		resp.NextMarker = listing.NextMarker
	}
	writeJSON(w, resp)
}

func (s *Server) handleListObject(w http.ResponseWriter, r *http.Request, rt route) {
	versionID, present := queryValue(r, "versionId")
	if !present || versionID == "" {
		http.Error(w, "versionId query parameter is required", http.StatusBadRequest)
		return
	}
	filter := &ledger.Filter{
		Bucket:    rt.bucket,
		Key:       rt.objectKey,
		VersionID: versionID,
	}
	s.handleListFailed(w, r, filter)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReplayBody))
	if err != nil {
		writeMalformed(w)
		return
	}
	candidates, err := s.replay.Replay(r.Context(), body)
	if err != nil {
		if errors.Is(err, replay.ErrMalformedRequest) {
			writeMalformed(w)
			return
		}
		s.serverError(w, r, err)
		return
	}
	logger.Info("api: replay accepted %d candidate(s)", len(candidates))
	writeJSON(w, candidates)
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	// The shared store being unreachable is not locally recoverable; surface
	// it and let the operator's client retry.
	logger.Warn("api: %s %s failed: %v", r.Method, r.URL.Path, err)
	http.Error(w, "Internal Error", http.StatusInternalServerError)
}

func queryValue(r *http.Request, name string) (string, bool) {
	values, ok := r.URL.Query()[name]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func writeMalformed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]bool{"MalformedPOSTRequest": true})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
