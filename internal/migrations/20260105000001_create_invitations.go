package migrations

import (
	"context"
	"fmt"

	"github.com/pilotdata/authsvc/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260105000001, down_20260105000001)
}

// up_20260105000001 creates the invitations table. The (email, project_id,
// status) index backs the pending-invitation lookup; it is not unique.
func up_20260105000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating invitations table...")
	if _, err := db.NewCreateTable().
		Model((*models.Invitation)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create invitations table: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_invitations_email_project_status ON invitations(email, project_id, status)`); err != nil {
		return fmt.Errorf("failed to create invitations lookup index: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_invitations_code ON invitations(invitation_code)`); err != nil {
		return fmt.Errorf("failed to create invitations code index: %w", err)
	}
	fmt.Println(" OK")
	return nil
}

func down_20260105000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping invitations table...")
	if _, err := db.NewDropTable().Model((*models.Invitation)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop invitations table: %w", err)
	}
	fmt.Println(" OK")
	return nil
}
