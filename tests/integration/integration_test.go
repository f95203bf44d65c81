package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"crrapi/internal/api"
	"crrapi/internal/config"
	"crrapi/internal/ledger"
	"crrapi/internal/replay"
	"crrapi/internal/stats"
	"crrapi/internal/store"
)

// TestAPIAgainstRedis drives the full stack against a real Redis. It skips
// unless CRRAPI_TEST_REDIS (or a local instance on the default port) is
// reachable. All keys are scoped under a unique namespace and removed at
// the end.
func TestAPIAgainstRedis(t *testing.T) {
	addr := os.Getenv("CRRAPI_TEST_REDIS")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	ctx := context.Background()

	probe := redis.NewClient(&redis.Options{Addr: addr})
	defer probe.Close()
	if err := probe.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis unavailable at %s (%v)", addr, err)
	}

	ns := fmt.Sprintf("crrapi:itest:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		cleanupNamespace(t, probe, ns)
	})

	cfg := &config.Config{
		Listen: "127.0.0.1:0",
		Redis:  config.RedisConfig{Addr: addr},
		Sites:  []string{"site1", "site2"},
		Metrics: config.MetricsConfig{
			IntervalSeconds: 300,
			ExpirySeconds:   900,
			Namespace:       ns + ":stats",
		},
		Ledger: config.LedgerConfig{
			Namespace:                ns + ":failed",
			ScanBatch:                50,
			MetadataNamespace:        ns + ":object",
			MetadataLookupsPerSecond: 1000,
		},
	}
	cfg.ApplyDefaults()

	st := store.New(cfg.Redis)
	defer st.Close()

	model := stats.NewModel(st, cfg.Metrics.Namespace, cfg.Metrics.IntervalSeconds, cfg.Metrics.ExpirySeconds)
	meta := ledger.NewMetadataStore(st, cfg.Ledger.MetadataNamespace)
	led := ledger.New(st, meta, cfg.Ledger.Namespace, cfg.Ledger.ScanBatch, cfg.Ledger.MetadataLookupsPerSecond)

	srv, err := api.New(api.Options{
		Addr:       cfg.Listen,
		Cfg:        cfg,
		Aggregator: stats.NewAggregator(model, cfg.Sites),
		Ledger:     led,
		Replay:     replay.New(led),
		Health:     api.HealthFunc(st.Ping),
	})
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}

	ready := make(chan string, 1)
	go func() {
		if err := srv.Start(ready); err != nil {
			t.Errorf("Server stopped with error: %v", err)
		}
	}()
	var baseURL string
	select {
	case listenAddr := <-ready:
		baseURL = "http://" + listenAddr
	case <-time.After(5 * time.Second):
		t.Fatal("Server never became ready")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Seed counters and one failed entry.
	if err := model.ReportNewRequest(ctx, "site1", stats.MetricOps, 1200); err != nil {
		t.Fatalf("Failed to report ops: %v", err)
	}
	if err := model.ReportNewRequest(ctx, "site1", stats.MetricOpsDone, 450); err != nil {
		t.Fatalf("Failed to report opsdone: %v", err)
	}
	failedKey := cfg.Ledger.Namespace + ":test-bucket:test-key:test-versionId:test-site"
	if err := probe.Set(ctx, failedKey, "1", time.Hour).Err(); err != nil {
		t.Fatalf("Failed to seed ledger entry: %v", err)
	}
	metaKey := cfg.Ledger.MetadataNamespace + ":test-bucket:test-key:test-versionId"
	if err := probe.HSet(ctx, metaKey, "size", "1024", "last-modified", "2026-08-20T10:00:00Z").Err(); err != nil {
		t.Fatalf("Failed to seed object metadata: %v", err)
	}
	if err := probe.Expire(ctx, metaKey, time.Hour).Err(); err != nil {
		t.Fatalf("Failed to set metadata TTL: %v", err)
	}

	t.Log("Checking healthcheck...")
	resp, err := http.Get(baseURL + "/_/healthcheck")
	if err != nil {
		t.Fatalf("Healthcheck request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Healthcheck returned %d", resp.StatusCode)
	}

	t.Log("Checking metrics...")
	var metrics map[string]struct {
		Results struct {
			Count float64 `json:"count"`
		} `json:"results"`
	}
	getJSON(t, baseURL+"/_/metrics/crr/site1", &metrics)
	if got := metrics["backlog"].Results.Count; got != 750 {
		t.Errorf("backlog count: want 750, got %g", got)
	}

	t.Log("Checking ledger listing...")
	// The store may hold unrelated data, so chain markers to scan completion.
	var versions []ledger.Version
	marker := ""
	for {
		var listing struct {
			IsTruncated bool
			Versions    []ledger.Version
			NextMarker  uint64
		}
		url := baseURL + "/_/crr/failed"
		if marker != "" {
			url += "?marker=" + marker
		}
		getJSON(t, url, &listing)
		versions = append(versions, listing.Versions...)
		if !listing.IsTruncated {
			break
		}
		marker = fmt.Sprintf("%d", listing.NextMarker)
	}
	if len(versions) != 1 {
		t.Fatalf("listing: want 1 entry, got %d", len(versions))
	}
	if versions[0].Size != 1024 {
		t.Errorf("listing metadata: want size 1024, got %d", versions[0].Size)
	}

	t.Log("Checking replay...")
	body := `[{"Bucket":"test-bucket","Key":"test-key","VersionId":"test-versionId","StorageClass":"test-site"},` +
		`{"Bucket":"nope","Key":"nope","VersionId":"v","StorageClass":"s"}]`
	replayResp, err := http.Post(baseURL+"/_/crr/failed", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Replay request failed: %v", err)
	}
	defer replayResp.Body.Close()
	if replayResp.StatusCode != http.StatusOK {
		t.Fatalf("Replay returned %d", replayResp.StatusCode)
	}
	var candidates []ledger.Version
	if err := json.NewDecoder(replayResp.Body).Decode(&candidates); err != nil {
		t.Fatalf("Failed to decode replay response: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ReplicationStatus != "PENDING" {
		t.Errorf("replay: want one PENDING candidate, got %+v", candidates)
	}

	t.Log("SUCCESS: API behaves against a real shared store")
}

func getJSON(t *testing.T, url string, dst interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("GET %s: decode failed: %v", url, err)
	}
}

func cleanupNamespace(t *testing.T, client *redis.Client, ns string) {
	ctx := context.Background()
	iter := client.Scan(ctx, 0, ns+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			t.Logf("cleanup: failed to delete %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		t.Logf("cleanup: scan failed: %v", err)
	}
}
