// README: Generic versioned document store contract with memory, Firestore and Postgres backends.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"campusride/internal/apperr"
	"campusride/internal/live"
)

// AnyVersion disables the compare-and-swap check on Update and Delete.
const AnyVersion int64 = -1

var (
	ErrNotFound      = apperr.NotFound("document_not_found", "document not found")
	ErrConflict      = apperr.Conflict("version_conflict", "document changed since it was read")
	ErrAlreadyExists = apperr.Conflict("document_exists", "document already exists")
)

// Document is a stored record. Version starts at 1 and increases by one on
// every successful update.
type Document struct {
	ID      string
	Version int64
	Data    map[string]any
}

type Op string

const (
	OpEq            Op = "=="
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection. Results are sorted by OrderBy
// and then by document id, ascending.
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int
}

func Where(field string, op Op, value any) Query {
	return Query{Filters: []Filter{{Field: field, Op: op, Value: value}}}
}

func (q Query) And(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Sort(field string, desc bool) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Desc: desc})
	return q
}

type Store interface {
	// Create stores data under id, or under a generated id when id is empty.
	// An explicit id that is already taken fails with ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, data map[string]any) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update merges patch into the top-level fields of the document. With
	// expectedVersion >= 0 it fails with ErrConflict unless the stored
	// version matches.
	Update(ctx context.Context, collection, id string, patch map[string]any, expectedVersion int64) (Document, error)
	Delete(ctx context.Context, collection, id string, expectedVersion int64) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// SubscribeQuery delivers the full result set once immediately and again
	// after every change that may affect it.
	SubscribeQuery(ctx context.Context, collection string, q Query, fn func([]Document)) (*live.Handle, error)
	// SubscribeDoc delivers the document, or exists=false once it is gone.
	SubscribeDoc(ctx context.Context, collection, id string, fn func(doc Document, exists bool)) (*live.Handle, error)
}

// Encode converts a JSON-tagged struct into document data. Numbers become
// float64, matching what every backend hands back.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore encode: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("docstore encode: %w", err)
	}
	return out, nil
}

// Decode fills a JSON-tagged struct from document data.
func Decode(doc Document, out any) error {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("docstore decode %s: %w", doc.ID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("docstore decode %s: %w", doc.ID, err)
	}
	return nil
}

// normalizeValue maps a Go value onto the JSON value space used for filters.
func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
