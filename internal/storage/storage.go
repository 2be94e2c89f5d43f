// Package storage defines the persistence interface for analysis sessions.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/medvision/internal/models"
)

// ErrSessionNotFound is wrapped by lookups of unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Storage defines session persistence operations.
type Storage interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	// ListSessions returns summaries, newest first.
	ListSessions(ctx context.Context, offset, limit int) ([]*models.SessionSummary, error)
	// AllSessions returns full sessions, newest first.
	AllSessions(ctx context.Context) ([]*models.Session, error)
	CountSessions(ctx context.Context) (int64, error)

	Close() error
}
