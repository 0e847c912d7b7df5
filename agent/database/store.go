package database

import (
	"context"
	"errors"
	"time"

	"ca-tracker/agent/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an Active row already exists for the key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// TokenStore is the persistent source of truth for groups, tracking rows,
// fired thresholds and the alert audit log.
type TokenStore interface {
	// EnsureGroup creates the group on first interaction. An existing group keeps its
	// creation time and is re-activated; a non-empty title replaces the stored one.
	EnsureGroup(ctx context.Context, group models.Group) error

	// GetGroup returns ErrNotFound for unknown groups.
	GetGroup(ctx context.Context, groupID int64) (*models.Group, error)

	// DeactivateGroup flags the group inactive. Groups are never deleted.
	DeactivateGroup(ctx context.Context, groupID int64) error

	// CreateToken inserts a new Active row. A terminal row under the same key is
	// replaced and its fired thresholds cleared. Returns ErrDuplicateKey if the
	// existing row is Active.
	CreateToken(ctx context.Context, token *models.TrackedToken) error

	// SaveTokens overwrites every given row and records their fired thresholds in one
	// transaction. Callers pass all rows of one contract so a reading is persisted once.
	// Rows that are already terminal in the store are left untouched.
	SaveTokens(ctx context.Context, tokens []*models.TrackedToken) error

	// GetToken returns ErrNotFound when no row exists for the key.
	GetToken(ctx context.Context, key models.Key) (*models.TrackedToken, error)

	// ListActive returns every Active row across all groups.
	ListActive(ctx context.Context) ([]*models.TrackedToken, error)

	// ListByGroup returns the group's rows, optionally including terminal ones.
	ListByGroup(ctx context.Context, groupID int64, includeInactive bool) ([]*models.TrackedToken, error)

	// CountActive returns the number of Active rows in the group.
	CountActive(ctx context.Context, groupID int64) (int, error)

	// TransitionStatus moves an Active row to a terminal status. It reports false
	// without error when the row is missing or already terminal.
	TransitionStatus(ctx context.Context, key models.Key, status models.Status, at time.Time) (bool, error)

	// AppendAlert adds an entry to the append-only alert log.
	AppendAlert(ctx context.Context, record models.AlertRecord) error

	// CountAlerts returns the number of alert log entries for the group.
	CountAlerts(ctx context.Context, groupID int64) (int64, error)
}
