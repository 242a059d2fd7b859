package storage

import (
	"context"
	"errors"

	"github.com/zoulfiq4r/FamilyGuardMobile/internal/observable"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/usage"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Documents() DocumentStore
	Usage() UsageStore
	Events(deviceID string) EventStore
}

// DocumentStore manages guardian-shared documents grouped in collections.
// Documents are flat: nested fields use dotted names such as
// "status.isBlocked".
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	// Merge sets the given fields, creating the document if needed. A nil
	// value removes the field.
	Merge(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	// Watch emits the full collection on subscribe and after every change.
	Watch(collection string) observable.Observable[[]Document]
}

// UsageStore persists completed sessions and the device's current app.
type UsageStore interface {
	usage.Sink
	ListSessions(ctx context.Context, childID, dateKey string) ([]usage.Session, error)
	DailyAggregate(ctx context.Context, childID, dateKey string) (*DailyAggregate, error)
}

// EventStore is a device's usage-event feed, written by the platform shim
// and read by the agent.
type EventStore interface {
	usage.EventSource
	Append(ctx context.Context, events ...usage.Event) error
	SetForeground(ctx context.Context, app *usage.ForegroundApp) error
	SetPermission(ctx context.Context, granted bool) error
}
