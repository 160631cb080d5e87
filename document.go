package runova

import (
	"context"
	"time"
)

// ============================================================================
// Documents
// ============================================================================

// Document is a schemaless key/value record as stored by the backend.
// All reads go through the defaulting accessors below so that partially
// written or legacy documents decode without errors: absent numbers read as
// zero, absent strings as empty, absent timestamps as now.
type Document map[string]any

// Str returns the string at key, or fallback when absent or empty.
func (d Document) Str(key, fallback string) string {
	if v, ok := d[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the integer at key. JSON numbers arrive as float64.
func (d Document) Int(key string, fallback int) int {
	switch v := d[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

// Time parses the RFC3339 timestamp at key, defaulting to now when the field
// is absent or malformed.
func (d Document) Time(key string) time.Time {
	if v, ok := d[key].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// StrSlice returns the string slice at key; non-string elements are skipped.
func (d Document) StrSlice(key string) []string {
	raw, ok := d[key].([]any)
	if !ok {
		if s, ok := d[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntMap returns the map of string to int at key, or an empty map.
func (d Document) IntMap(key string) map[string]int {
	out := map[string]int{}
	switch raw := d[key].(type) {
	case map[string]any:
		for k, v := range raw {
			if f, ok := v.(float64); ok {
				out[k] = int(f)
			} else if i, ok := v.(int); ok {
				out[k] = i
			}
		}
	case map[string]int:
		for k, v := range raw {
			out[k] = v
		}
	}
	return out
}

// ============================================================================
// Queries and writes
// ============================================================================

// Query operators understood by the backend.
const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

// Query selects documents from a collection. The zero value matches the
// whole collection.
type Query struct {
	Field      string `json:"field,omitempty"`
	Op         string `json:"op,omitempty"`
	Value      any    `json:"value,omitempty"`
	OrderBy    string `json:"orderBy,omitempty"`
	Descending bool   `json:"descending,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// WriteMode selects how Write applies fields to the target document.
type WriteMode string

const (
	// WriteSet replaces the whole document.
	WriteSet WriteMode = "set"
	// WriteMerge merges fields into the existing document.
	WriteMerge WriteMode = "merge"
	// WriteIncrement adds each numeric field value to the stored value.
	// Missing stored values count as zero.
	WriteIncrement WriteMode = "increment"
)

// ServerTimestamp is a sentinel field value the backend replaces with the
// commit time. Used wherever a timestamp must be server-assigned.
const ServerTimestamp = "__server_timestamp__"

// WriteOp is a single write inside a batch.
type WriteOp struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
	Mode   WriteMode      `json:"mode"`
}

// ============================================================================
// RemoteStore
// ============================================================================

// RemoteStore is the boundary to the hosted document database. Snapshot
// delivery over Subscribe is at-least-once: the same result set may be
// delivered more than once, and full result sets (not deltas) are delivered
// whenever any matching document changes. No ordering is guaranteed across
// distinct subscriptions. Documents returned by Query and Subscribe carry
// their id under the "id" key.
type RemoteStore interface {
	// Get fetches a single document. Returns ErrNotFound when absent.
	Get(ctx context.Context, path string) (Document, error)

	// Query runs a one-shot query against a collection.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Subscribe streams full result-set snapshots for a query until the
	// subscription is closed or the context is cancelled.
	Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error)

	// Write applies fields to a document path with the given mode.
	Write(ctx context.Context, path string, fields map[string]any, mode WriteMode) error

	// Batch applies all operations atomically; a rejected batch applies
	// nothing and reports ErrWriteConflict.
	Batch(ctx context.Context, ops []WriteOp) error
}

// Subscription delivers query snapshots. Close is idempotent; a snapshot
// racing Close is dropped, never delivered after it.
type Subscription struct {
	ch     chan []Document
	cancel func()
}

// Snapshots returns the delivery channel. It is closed when the
// subscription ends.
func (s *Subscription) Snapshots() <-chan []Document { return s.ch }

// Close terminates the subscription.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
