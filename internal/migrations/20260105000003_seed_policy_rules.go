package migrations

import (
	"context"
	"fmt"

	"github.com/pilotdata/authsvc/internal/policy/bunadapter"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260105000003, down_20260105000003)
}

// defaultRules are (role, zone, resource, operation) grants. Anything not
// listed is denied.
var defaultRules = [][]string{
	{"platform-admin", "*", "*", "*"},
	{"admin", "greenroom", "*", "*"},
	{"admin", "core", "*", "*"},
	{"collaborator", "greenroom", "file", "view"},
	{"collaborator", "greenroom", "file", "upload"},
	{"collaborator", "greenroom", "file", "download"},
	{"collaborator", "core", "file", "view"},
	{"collaborator", "core", "file", "download"},
	{"contributor", "greenroom", "file", "view"},
	{"contributor", "greenroom", "file", "upload"},
	{"contributor", "greenroom", "file", "download"},
}

func up_20260105000003(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] seeding default policy rules...")
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, r := range defaultRules {
			row := bunadapter.NewRule("p", r)
			exists, err := tx.NewSelect().Model((*bunadapter.Rule)(nil)).
				Where("ptype = ?", row.Ptype).
				Where("v0 = ?", row.V0).Where("v1 = ?", row.V1).
				Where("v2 = ?", row.V2).Where("v3 = ?", row.V3).
				Exists(ctx)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed policy rules: %w", err)
	}
	fmt.Println(" OK")
	return nil
}

func down_20260105000003(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] removing default policy rules...")
	for _, r := range defaultRules {
		row := bunadapter.NewRule("p", r)
		if _, err := db.NewDelete().Model((*bunadapter.Rule)(nil)).
			Where("ptype = ?", row.Ptype).
			Where("v0 = ?", row.V0).Where("v1 = ?", row.V1).
			Where("v2 = ?", row.V2).Where("v3 = ?", row.V3).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to remove policy rule %v: %w", r, err)
		}
	}
	fmt.Println(" OK")
	return nil
}
