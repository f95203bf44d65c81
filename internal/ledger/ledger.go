// Package ledger reads and enumerates the failed-replication entries that
// the pipeline records in the shared store. The ledger is read-only from
// this side: entries are written on failure and removed on success by the
// queue consumer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// delimiter separates the fields of a ledger key. Bucket, version id and
// storage class must not contain it; the object key may (decoding anchors on
// both ends of the string, see parseKey).
const delimiter = ":"

// Entry identifies one failed replication operation. Existence in the ledger
// is the only state; there is no payload.
type Entry struct {
	Bucket       string
	Key          string
	VersionID    string
	StorageClass string
}

// Metadata is the externally-sourced object metadata used to enrich retry
// candidates.
type Metadata struct {
	Size         int64
	LastModified string
}

// Version is a fully enriched retry candidate as exposed by the API.
type Version struct {
	Bucket            string `json:"Bucket"`
	Key               string `json:"Key"`
	VersionID         string `json:"VersionId"`
	StorageClass      string `json:"StorageClass"`
	Size              int64  `json:"Size"`
	LastModified      string `json:"LastModified"`
	ReplicationStatus string `json:"ReplicationStatus,omitempty"`
}

// Filter restricts a listing to one bucket/key, optionally one version.
type Filter struct {
	Bucket    string
	Key       string
	VersionID string
}

// Listing is one page of ledger entries. NextMarker is only meaningful when
// Truncated is true.
type Listing struct {
	Entries    []Version
	Truncated  bool
	NextMarker uint64
}

// KeyStore is the capability the ledger needs from the shared store.
type KeyStore interface {
	KeyExists(ctx context.Context, key string) (bool, error)
	ScanKeys(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
}

// MetadataStore looks up object metadata by identity. A missing object
// yields ok=false, which is not an error: the entry is still listed, with
// zero-valued metadata.
type MetadataStore interface {
	ObjectMetadata(ctx context.Context, bucket, key, versionID string) (Metadata, bool, error)
}

// Ledger scans and decodes failed entries out of the shared keyspace.
type Ledger struct {
	store     KeyStore
	meta      MetadataStore
	namespace string
	batch     int64
	limiter   *rate.Limiter
}

// New creates a ledger over the given namespace. batch bounds per-call scan
// progress; lookupsPerSecond paces metadata enrichment against the store.
func New(store KeyStore, meta MetadataStore, namespace string, batch int64, lookupsPerSecond int) *Ledger {
	return &Ledger{
		store:     store,
		meta:      meta,
		namespace: namespace,
		batch:     batch,
		limiter:   rate.NewLimiter(rate.Limit(lookupsPerSecond), lookupsPerSecond),
	}
}

// formatKey encodes an entry as its ledger key.
func (l *Ledger) formatKey(e Entry) string {
	return strings.Join([]string{l.namespace, e.Bucket, e.Key, e.VersionID, e.StorageClass}, delimiter)
}

// parseKey decodes a store key into an entry. The namespace and bucket are
// anchored on the left, version id and storage class on the right, so an
// object key containing the delimiter still round-trips.
func (l *Ledger) parseKey(key string) (Entry, bool) {
	prefix := l.namespace + delimiter
	if !strings.HasPrefix(key, prefix) {
		return Entry{}, false
	}
	rest := key[len(prefix):]
	parts := strings.Split(rest, delimiter)
	if len(parts) < 4 {
		return Entry{}, false
	}
	n := len(parts)
	e := Entry{
		Bucket:       parts[0],
		Key:          strings.Join(parts[1:n-2], delimiter),
		VersionID:    parts[n-2],
		StorageClass: parts[n-1],
	}
	if e.Bucket == "" || e.Key == "" {
		return Entry{}, false
	}
	return e, true
}

func (f *Filter) matches(e Entry) bool {
	if f == nil {
		return true
	}
	if e.Bucket != f.Bucket || e.Key != f.Key {
		return false
	}
	if f.VersionID != "" && e.VersionID != f.VersionID {
		return false
	}
	return true
}

// Exists reports whether the entry is present in the ledger.
func (l *Ledger) Exists(ctx context.Context, e Entry) (bool, error) {
	return l.store.KeyExists(ctx, l.formatKey(e))
}

// Enrich attaches object metadata and the PENDING replication status to a
// confirmed entry.
func (l *Ledger) Enrich(ctx context.Context, e Entry) (Version, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Version{}, err
	}
	md, ok, err := l.meta.ObjectMetadata(ctx, e.Bucket, e.Key, e.VersionID)
	if err != nil {
		return Version{}, err
	}
	v := Version{
		Bucket:       e.Bucket,
		Key:          e.Key,
		VersionID:    e.VersionID,
		StorageClass: e.StorageClass,
	}
	if ok {
		v.Size = md.Size
		v.LastModified = md.LastModified
	}
	return v, nil
}

// List performs one bounded page of a full-keyspace scan starting at marker
// (zero means start of scan). Keys outside the ledger namespace are skipped;
// matching keys are decoded, filtered and enriched. The scan is exactly-once
// for a keyspace that is static during the chain of calls; entries mutated
// mid-scan may be seen zero or one times.
func (l *Ledger) List(ctx context.Context, filter *Filter, marker uint64) (Listing, error) {
	match := l.namespace + delimiter + "*"
	keys, next, err := l.store.ScanKeys(ctx, marker, match, l.batch)
	if err != nil {
		return Listing{}, err
	}
	listing := Listing{
		Entries:    []Version{},
		Truncated:  next != 0,
		NextMarker: next,
	}
	for _, key := range keys {
		entry, ok := l.parseKey(key)
		if !ok {
			// Unrelated data sharing the store, or a foreign key that
			// happens to share the prefix. Skip without affecting the page.
			continue
		}
		if !filter.matches(entry) {
			continue
		}
		v, err := l.Enrich(ctx, entry)
		if err != nil {
			return Listing{}, err
		}
		listing.Entries = append(listing.Entries, v)
	}
	return listing, nil
}

// ErrInvalidMarker marks a listing marker that failed to parse; it is
// rejected before any store access.
var ErrInvalidMarker = errors.New("ledger: invalid marker")

// ParseMarker validates a raw marker query value. Absent (empty when not
// present) is the start of the scan; present-but-empty or non-numeric values
// are client errors.
func ParseMarker(raw string, present bool) (uint64, error) {
	if !present {
		return 0, nil
	}
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidMarker)
	}
	marker, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMarker, raw)
	}
	return marker, nil
}
