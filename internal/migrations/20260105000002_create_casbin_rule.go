package migrations

import (
	"context"
	"fmt"

	"github.com/pilotdata/authsvc/internal/policy/bunadapter"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260105000002, down_20260105000002)
}

func up_20260105000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating casbin_rule table...")
	if _, err := db.NewCreateTable().
		Model((*bunadapter.Rule)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create casbin_rule table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_casbin_rule_subject ON casbin_rule(ptype, v0)`); err != nil {
		return fmt.Errorf("failed to create casbin_rule index: %w", err)
	}
	fmt.Println(" OK")
	return nil
}

func down_20260105000002(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping casbin_rule table...")
	if _, err := db.NewDropTable().Model((*bunadapter.Rule)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop casbin_rule table: %w", err)
	}
	fmt.Println(" OK")
	return nil
}
