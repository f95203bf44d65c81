// Package replay validates batch retry requests against the failed-operation
// ledger and reports enriched retry candidates.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"crrapi/internal/ledger"
)

// ErrMalformedRequest rejects a request body that is not a JSON array of
// objects each carrying the four required string fields. The whole batch is
// rejected; there is no partial processing.
var ErrMalformedRequest = errors.New("replay: malformed request body")

// Service cross-references retry requests with the ledger.
type Service struct {
	ledger *ledger.Ledger
}

// New creates a replay service over the given ledger.
func New(l *ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// request mirrors one element of the retry body.
type request struct {
	Bucket       string
	Key          string
	VersionID    string
	StorageClass string
}

// jsonNull is the literal a RawMessage holds for a null value.
var jsonNull = []byte("null")

// parseBody validates the request wholesale before any ledger access.
func parseBody(body []byte) ([]request, error) {
	// A JSON null unmarshals into a nil slice without error; the top level
	// must be an actual array.
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrMalformedRequest
	}
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrMalformedRequest
	}
	out := make([]request, 0, len(raw))
	for _, elem := range raw {
		if elem == nil {
			return nil, ErrMalformedRequest
		}
		var req request
		fields := []struct {
			name string
			dst  *string
		}{
			{"Bucket", &req.Bucket},
			{"Key", &req.Key},
			{"VersionId", &req.VersionID},
			{"StorageClass", &req.StorageClass},
		}
		for _, f := range fields {
			rawField, ok := elem[f.name]
			if !ok {
				return nil, ErrMalformedRequest
			}
			// Unmarshaling null into a string is a no-op, not an error.
			if bytes.Equal(rawField, jsonNull) {
				return nil, ErrMalformedRequest
			}
			if err := json.Unmarshal(rawField, f.dst); err != nil {
				return nil, ErrMalformedRequest
			}
		}
		out = append(out, req)
	}
	return out, nil
}

// Replay checks each requested tuple against the ledger and returns the
// enriched candidates in input order. Tuples with no ledger entry are
// dropped silently: nothing to retry is a normal outcome, not a fault.
func (s *Service) Replay(ctx context.Context, body []byte) ([]ledger.Version, error) {
	reqs, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	candidates := make([]ledger.Version, 0, len(reqs))
	for _, req := range reqs {
		entry := ledger.Entry{
			Bucket:       req.Bucket,
			Key:          req.Key,
			VersionID:    req.VersionID,
			StorageClass: req.StorageClass,
		}
		found, err := s.ledger.Exists(ctx, entry)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		v, err := s.ledger.Enrich(ctx, entry)
		if err != nil {
			return nil, err
		}
		v.ReplicationStatus = "PENDING"
		candidates = append(candidates, v)
	}
	return candidates, nil
}
