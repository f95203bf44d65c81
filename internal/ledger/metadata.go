package ledger

import (
	"context"
	"strconv"
	"strings"
)

// HashStore reads hash fields out of the shared store.
type HashStore interface {
	HashFields(ctx context.Context, key string) (map[string]string, error)
}

// hashMetadataStore reads the object-metadata hashes the pipeline maintains
// at "<namespace>:<bucket>:<key>:<versionId>".
type hashMetadataStore struct {
	store     HashStore
	namespace string
}

// NewMetadataStore returns a MetadataStore backed by the shared store's
// object-metadata hashes. Fields: "size" (decimal bytes), "last-modified"
// (timestamp string, passed through verbatim).
func NewMetadataStore(store HashStore, namespace string) MetadataStore {
	return &hashMetadataStore{store: store, namespace: namespace}
}

func (h *hashMetadataStore) ObjectMetadata(ctx context.Context, bucket, key, versionID string) (Metadata, bool, error) {
	hashKey := strings.Join([]string{h.namespace, bucket, key, versionID}, delimiter)
	fields, err := h.store.HashFields(ctx, hashKey)
	if err != nil {
		return Metadata{}, false, err
	}
	if len(fields) == 0 {
		return Metadata{}, false, nil
	}
	var md Metadata
	if raw, ok := fields["size"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			md.Size = n
		}
	}
	md.LastModified = fields["last-modified"]
	return md, true, nil
}
