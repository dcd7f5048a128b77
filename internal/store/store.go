package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/pickle/internal/models"
)

// ErrNotFound is returned when a ledger row does not exist.
var ErrNotFound = errors.New("not found")

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	SessionID string
	Kind      models.EventKind
	Since     time.Time
	Limit     int
}

// Store defines the persistence interface for the pickle event ledger.
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)

	// Events
	AddEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
