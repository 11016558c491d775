package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Collections used by the coordinator.
const (
	CollectionVisits    = "visits"
	CollectionProviders = "providers"
	CollectionSessions  = "sessions"
	CollectionAudit     = "audit_events"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Event is one document change. Doc carries the full snapshot after the
// change; it is empty for removals.
type Event struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Type       ChangeType      `json:"type"`
	Doc        json.RawMessage `json:"doc,omitempty"`
}

// Precondition lists field values the document must still hold for an update
// to apply. A nil expected value means the field must be absent or null.
// Updates failing the check return ErrStale and write nothing.
type Precondition struct {
	Fields map[string]any
}

var (
	ErrNotFound    = errors.New("document not found")
	ErrStale       = errors.New("stale precondition")
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the generic document collection contract. There are no
// cross-document transactions; UpdateFields with a Precondition is the only
// conditional primitive.
//
// UpdateFields merges at the field level: a value that is itself a JSON
// object is shallow-merged into the existing object under that key, so two
// writers touching different fields (or different sections of the same
// object field) do not clobber each other. A nil value clears the field.
// Every mutation refreshes the document's lastUpdated server-side.
type Store interface {
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)
	UpdateFields(ctx context.Context, collection, id string, fields map[string]any, pre *Precondition) error
	Delete(ctx context.Context, collection, id string) error

	// Subscribe emits an added event for every existing document, then live
	// changes until ctx is done or the returned cancel func is called.
	Subscribe(ctx context.Context, collection string) (<-chan Event, func(), error)
}
