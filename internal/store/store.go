// Package store persists review-queue entries. Two backends exist: a
// single JSON array file and an embedded SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/sitedit/internal/models"
)

// ErrNotFound is returned when no request has the given id.
var ErrNotFound = errors.New("request not found")

// Store defines the persistence interface for change requests. Every
// write is durable when it returns.
type Store interface {
	ListRequests(ctx context.Context) ([]*models.ChangeRequest, error)
	GetRequest(ctx context.Context, id string) (*models.ChangeRequest, error)
	// SaveRequest inserts or replaces r by id.
	SaveRequest(ctx context.Context, r *models.ChangeRequest) error
	DeleteRequests(ctx context.Context, ids []string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open returns the named backend at path, migrated and ready for use.
func Open(ctx context.Context, backend, path string) (Store, error) {
	var s Store
	var err error
	switch backend {
	case "", BackendJSON:
		s, err = NewJSONStore(path)
	case BackendSQLite:
		s, err = NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewRequestID returns a new sortable request id of the form req-<ulid>.
func NewRequestID() string {
	return "req-" + newULID()
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}
