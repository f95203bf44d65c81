package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeyStore scans an ordered key snapshot with index-based cursors,
// mirroring the store contract: pages are bounded, cursor zero means done.
type fakeKeyStore struct {
	keys      []string
	scanCalls int
}

func (f *fakeKeyStore) KeyExists(_ context.Context, key string) (bool, error) {
	for _, k := range f.keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeKeyStore) ScanKeys(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	f.scanCalls++
	prefix := strings.TrimSuffix(match, "*")
	start := int(cursor)
	if start > len(f.keys) {
		start = len(f.keys)
	}
	end := start + int(count)
	if end > len(f.keys) {
		end = len(f.keys)
	}
	var page []string
	for _, k := range f.keys[start:end] {
		if strings.HasPrefix(k, prefix) {
			page = append(page, k)
		}
	}
	var next uint64
	if end < len(f.keys) {
		next = uint64(end)
	}
	return page, next, nil
}

type fakeMetadata struct {
	objects map[string]Metadata
}

func (f *fakeMetadata) ObjectMetadata(_ context.Context, bucket, key, versionID string) (Metadata, bool, error) {
	md, ok := f.objects[bucket+"|"+key+"|"+versionID]
	return md, ok, nil
}

func newTestLedger(keys []string, objects map[string]Metadata, batch int64) (*Ledger, *fakeKeyStore) {
	store := &fakeKeyStore{keys: keys}
	if objects == nil {
		objects = map[string]Metadata{}
	}
	return New(store, &fakeMetadata{objects: objects}, "crr:failed", batch, 100000), store
}

// collectAll chains NextMarker to completion and returns every entry seen.
func collectAll(t *testing.T, l *Ledger, filter *Filter) []Version {
	t.Helper()
	var all []Version
	var marker uint64
	for {
		listing, err := l.List(context.Background(), filter, marker)
		require.NoError(t, err)
		all = append(all, listing.Entries...)
		if !listing.Truncated {
			assert.Zero(t, listing.NextMarker)
			return all
		}
		require.NotZero(t, listing.NextMarker)
		marker = listing.NextMarker
	}
}

func TestLedgerExists(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger([]string{
		"crr:failed:test-bucket:test-key:test-versionId:test-site",
	}, nil, 100)

	entry := Entry{Bucket: "test-bucket", Key: "test-key", VersionID: "test-versionId", StorageClass: "test-site"}
	found, err := l.Exists(ctx, entry)
	require.NoError(t, err)
	assert.True(t, found)

	entry.VersionID = "other-version"
	found, err = l.Exists(ctx, entry)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLedgerListEmpty(t *testing.T) {
	l, _ := newTestLedger(nil, nil, 100)
	listing, err := l.List(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.False(t, listing.Truncated)
	assert.Zero(t, listing.NextMarker)
	assert.Empty(t, listing.Entries)
	assert.NotNil(t, listing.Entries)
}

func TestLedgerListSingleEntryEnriched(t *testing.T) {
	l, _ := newTestLedger(
		[]string{"crr:failed:test-bucket:test-key:test-versionId:test-site"},
		map[string]Metadata{
			"test-bucket|test-key|test-versionId": {Size: 1024, LastModified: "2026-08-20T10:00:00Z"},
		}, 100)

	listing, err := l.List(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	got := listing.Entries[0]
	assert.Equal(t, "test-bucket", got.Bucket)
	assert.Equal(t, "test-key", got.Key)
	assert.Equal(t, "test-versionId", got.VersionID)
	assert.Equal(t, "test-site", got.StorageClass)
	assert.Equal(t, int64(1024), got.Size)
	assert.Equal(t, "2026-08-20T10:00:00Z", got.LastModified)
}

// Metadata absence is not an error: the entry is still listed, zero-valued.
func TestLedgerListMissingMetadata(t *testing.T) {
	l, _ := newTestLedger(
		[]string{"crr:failed:b:k:v1:siteA"}, nil, 100)

	listing, err := l.List(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Zero(t, listing.Entries[0].Size)
	assert.Empty(t, listing.Entries[0].LastModified)
}

func TestLedgerListCompleteAndDuplicateFree(t *testing.T) {
	var keys []string
	for i := 0; i < 250; i++ {
		keys = append(keys, fmt.Sprintf("crr:failed:bucket%d:key%d:v%d:siteA", i, i, i))
		// Unrelated data interleaved in the shared store.
		keys = append(keys, fmt.Sprintf("session:user%d", i))
		keys = append(keys, fmt.Sprintf("crr:failed-archive:bucket%d", i))
	}
	l, _ := newTestLedger(keys, nil, 64)

	all := collectAll(t, l, nil)
	require.Len(t, all, 250)
	seen := map[string]bool{}
	for _, v := range all {
		id := v.Bucket + "|" + v.Key + "|" + v.VersionID
		assert.False(t, seen[id], "duplicate entry %s", id)
		seen[id] = true
	}
}

// A scan over a keyspace dominated by decoys still makes bounded per-call
// progress: no single call inspects more than the batch size.
func TestLedgerListAtScale(t *testing.T) {
	var keys []string
	for i := 0; i < 2000; i++ {
		keys = append(keys, fmt.Sprintf("crr:failed:b%d:k%d:v%d:siteB", i, i, i))
	}
	for i := 0; i < 3000; i++ {
		keys = append(keys, fmt.Sprintf("cache:page:%d", i))
	}
	l, store := newTestLedger(keys, nil, 100)

	all := collectAll(t, l, nil)
	assert.Len(t, all, 2000)
	// 5000 keys at batch 100 is 50 pages.
	assert.Equal(t, 50, store.scanCalls)
}

func TestLedgerListFiltered(t *testing.T) {
	keys := []string{
		"crr:failed:b1:k1:v1:siteA",
		"crr:failed:b1:k1:v2:siteA",
		"crr:failed:b1:k2:v1:siteA",
		"crr:failed:b2:k1:v1:siteB",
	}
	l, _ := newTestLedger(keys, nil, 100)

	// Bucket+key filter matches both versions.
	all := collectAll(t, l, &Filter{Bucket: "b1", Key: "k1"})
	assert.Len(t, all, 2)

	// Adding the version narrows to one.
	all = collectAll(t, l, &Filter{Bucket: "b1", Key: "k1", VersionID: "v2"})
	require.Len(t, all, 1)
	assert.Equal(t, "v2", all[0].VersionID)

	// No match is an empty listing, not an error.
	all = collectAll(t, l, &Filter{Bucket: "b9", Key: "k9"})
	assert.Empty(t, all)
}

// Object keys may contain the delimiter; decoding anchors on both ends.
func TestLedgerKeyWithDelimiter(t *testing.T) {
	l, _ := newTestLedger([]string{"crr:failed:b1:path:to:key:v1:siteA"}, nil, 100)

	all := collectAll(t, l, nil)
	require.Len(t, all, 1)
	assert.Equal(t, "b1", all[0].Bucket)
	assert.Equal(t, "path:to:key", all[0].Key)
	assert.Equal(t, "v1", all[0].VersionID)
	assert.Equal(t, "siteA", all[0].StorageClass)
}

// Keys that share the namespace prefix but do not decode are skipped.
func TestLedgerSkipsMalformedKeys(t *testing.T) {
	keys := []string{
		// too few fields, empty bucket, valid, bare namespace
		"crr:failed:only:three",
		"crr:failed::k:v:s",
		"crr:failed:b1:k1:v1:siteA",
		"crr:failed",
	}
	l, _ := newTestLedger(keys, nil, 100)

	all := collectAll(t, l, nil)
	require.Len(t, all, 1)
	assert.Equal(t, "b1", all[0].Bucket)
}

func TestParseMarker(t *testing.T) {
	marker, err := ParseMarker("", false)
	require.NoError(t, err)
	assert.Zero(t, marker)

	marker, err = ParseMarker("42", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), marker)

	_, err = ParseMarker("", true)
	assert.ErrorIs(t, err, ErrInvalidMarker)
	_, err = ParseMarker("abc", true)
	assert.ErrorIs(t, err, ErrInvalidMarker)
	_, err = ParseMarker("-1", true)
	assert.ErrorIs(t, err, ErrInvalidMarker)
	_, err = ParseMarker("1.5", true)
	assert.ErrorIs(t, err, ErrInvalidMarker)
}
