package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/pilotdata/authsvc/internal/db/bunx"
	"github.com/pilotdata/authsvc/internal/db/models"
)

var invitationOrderColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"expires_at": true,
	"email":      true,
	"invited_by": true,
	"status":     true,
}

// ValidInvitationOrder reports whether List can order by col.
func ValidInvitationOrder(col string) bool {
	return invitationOrderColumns[col]
}

// BunInvitationRepository persists invitations using Bun ORM.
type BunInvitationRepository struct {
	db *bun.DB
}

// NewBunInvitationRepository constructs a repository backed by Bun.
func NewBunInvitationRepository(db *bun.DB) *BunInvitationRepository {
	return &BunInvitationRepository{db: db}
}

var _ InvitationRepository = (*BunInvitationRepository)(nil)

// Create inserts a new invitation. Missing ID and status are filled in.
func (r *BunInvitationRepository) Create(ctx context.Context, inv *models.Invitation) error {
	if strings.TrimSpace(inv.Email) == "" {
		return fmt.Errorf("validation failed: email is required")
	}
	if inv.ID == "" {
		inv.ID = bunx.NewUUIDv7()
	}
	if inv.Status == "" {
		inv.Status = models.InvitationStatusPending
	}
	if inv.InvitationCode == "" {
		inv.InvitationCode = bunx.NewToken()
	}

	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	if _, err := r.db.NewInsert().Model(inv).Exec(ctx); err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (r *BunInvitationRepository) GetByID(ctx context.Context, id string) (*models.Invitation, error) {
	return r.getOne(ctx, "id = ?", id)
}

func (r *BunInvitationRepository) GetByCode(ctx context.Context, code string) (*models.Invitation, error) {
	return r.getOne(ctx, "invitation_code = ?", code)
}

func (r *BunInvitationRepository) FindPending(ctx context.Context, email, projectID string) (*models.Invitation, error) {
	inv := new(models.Invitation)
	err := r.db.NewSelect().Model(inv).
		Where("lower(email) = ?", strings.ToLower(email)).
		Where("project_id = ?", projectID).
		Where("status = ?", models.InvitationStatusPending).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pending invitation: %w", err)
	}
	return inv, nil
}

func (r *BunInvitationRepository) FindPendingByEmail(ctx context.Context, email string) (*models.Invitation, error) {
	inv := new(models.Invitation)
	err := r.db.NewSelect().Model(inv).
		Where("lower(email) = ?", strings.ToLower(email)).
		Where("status = ?", models.InvitationStatusPending).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pending invitation: %w", err)
	}
	return inv, nil
}

// List returns one page of matching invitations and the total match count.
func (r *BunInvitationRepository) List(ctx context.Context, filter InvitationFilter) ([]models.Invitation, int, error) {
	var invitations []models.Invitation
	q := r.db.NewSelect().Model(&invitations)

	if filter.Email != "" {
		q = q.Where("lower(email) LIKE ?", "%"+strings.ToLower(filter.Email)+"%")
	}
	if filter.InvitedBy != "" {
		q = q.Where("lower(invited_by) LIKE ?", "%"+strings.ToLower(filter.InvitedBy)+"%")
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ProjectID != "" {
		q = q.Where("project_id = ?", filter.ProjectID)
	}
	if filter.PlatformRole != "" {
		q = q.Where("platform_role = ?", filter.PlatformRole)
	}

	orderBy := filter.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	if !invitationOrderColumns[orderBy] {
		return nil, 0, fmt.Errorf("cannot order invitations by %q", orderBy)
	}
	dir := "ASC"
	if filter.Desc {
		dir = "DESC"
	}
	q = q.OrderExpr("? "+dir, bun.Ident(orderBy)).OrderExpr("id ASC")

	if filter.PageSize > 0 {
		page := filter.Page
		if page < 0 {
			page = 0
		}
		q = q.Limit(filter.PageSize).Offset(page * filter.PageSize)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list invitations: %w", err)
	}
	if invitations == nil {
		invitations = []models.Invitation{}
	}
	return invitations, total, nil
}

// UpdateStatus sets the invitation status.
func (r *BunInvitationRepository) UpdateStatus(ctx context.Context, id, status string) error {
	switch status {
	case models.InvitationStatusPending, models.InvitationStatusComplete:
	default:
		return fmt.Errorf("validation failed: unknown invitation status %q", status)
	}

	result, err := r.db.NewUpdate().
		Model((*models.Invitation)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update invitation status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *BunInvitationRepository) getOne(ctx context.Context, where string, arg any) (*models.Invitation, error) {
	inv := new(models.Invitation)
	if err := r.db.NewSelect().Model(inv).Where(where, arg).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invitation: %w", err)
	}
	return inv, nil
}
