package repository

import (
	"context"
	"errors"

	"github.com/pilotdata/authsvc/internal/db/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// InvitationFilter narrows List. Email and InvitedBy are case-insensitive
// substring matches, the remaining fields are exact.
type InvitationFilter struct {
	Email        string
	InvitedBy    string
	Status       string
	ProjectID    string
	PlatformRole string

	// OrderBy is one of created_at, updated_at, expires_at, email,
	// invited_by, status. Defaults to created_at.
	OrderBy string
	Desc    bool

	// Page is zero-based. PageSize <= 0 returns every row.
	Page     int
	PageSize int
}

// InvitationRepository exposes persistence operations for invitations.
type InvitationRepository interface {
	Create(ctx context.Context, inv *models.Invitation) error
	GetByID(ctx context.Context, id string) (*models.Invitation, error)
	GetByCode(ctx context.Context, code string) (*models.Invitation, error)

	// FindPending returns the pending invitation for (email, projectID).
	// An empty projectID matches platform-only invitations.
	FindPending(ctx context.Context, email, projectID string) (*models.Invitation, error)
	// FindPendingByEmail returns the newest pending invitation for email, any project.
	FindPendingByEmail(ctx context.Context, email string) (*models.Invitation, error)

	List(ctx context.Context, filter InvitationFilter) ([]models.Invitation, int, error)
	UpdateStatus(ctx context.Context, id, status string) error
}
