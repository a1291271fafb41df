// Package bunadapter persists casbin policy lines in the casbin_rule table
// through a shared *bun.DB. Lines are loaded in insertion (id) order.
package bunadapter

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	"github.com/uptrace/bun"
)

// Rule is one row of casbin_rule. Trailing empty values are not significant.
type Rule struct {
	bun.BaseModel `bun:"table:casbin_rule,alias:cr"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Ptype string `bun:"ptype,type:varchar(255),notnull"`
	V0    string `bun:"v0,type:varchar(255),notnull,default:''"`
	V1    string `bun:"v1,type:varchar(255),notnull,default:''"`
	V2    string `bun:"v2,type:varchar(255),notnull,default:''"`
	V3    string `bun:"v3,type:varchar(255),notnull,default:''"`
	V4    string `bun:"v4,type:varchar(255),notnull,default:''"`
	V5    string `bun:"v5,type:varchar(255),notnull,default:''"`
}

// NewRule builds a row from a policy line.
func NewRule(ptype string, values []string) *Rule {
	r := &Rule{Ptype: ptype}
	fields := []*string{&r.V0, &r.V1, &r.V2, &r.V3, &r.V4, &r.V5}
	for i, v := range values {
		if i >= len(fields) {
			break
		}
		*fields[i] = v
	}
	return r
}

// Values returns v0..vN up to the last non-empty value.
func (r *Rule) Values() []string {
	all := []string{r.V0, r.V1, r.V2, r.V3, r.V4, r.V5}
	last := len(all) - 1
	for last >= 0 && all[last] == "" {
		last--
	}
	return all[:last+1]
}

func (r *Rule) match(q *bun.DeleteQuery) *bun.DeleteQuery {
	q = q.Where("ptype = ?", r.Ptype)
	for i, v := range r.Values() {
		q = q.Where("? = ?", bun.Ident(fmt.Sprintf("v%d", i)), v)
	}
	return q
}

// Adapter implements persist.Adapter and persist.BatchAdapter.
type Adapter struct {
	db *bun.DB
}

var (
	_ persist.Adapter      = (*Adapter)(nil)
	_ persist.BatchAdapter = (*Adapter)(nil)
)

// NewAdapter expects the casbin_rule table to exist (see migrations).
func NewAdapter(db *bun.DB) *Adapter {
	return &Adapter{db: db}
}

// LoadPolicy loads every rule into the model. A store failure is returned
// unchanged so callers can tell it apart from an empty rule set.
func (a *Adapter) LoadPolicy(m model.Model) error {
	var rules []*Rule
	if err := a.db.NewSelect().Model(&rules).Order("id ASC").Scan(context.Background()); err != nil {
		return fmt.Errorf("load casbin_rule: %w", err)
	}
	for _, r := range rules {
		values := r.Values()
		if r.Ptype == "" || len(values) == 0 {
			continue
		}
		if err := m.AddPolicy(r.Ptype[:1], r.Ptype, values); err != nil {
			return fmt.Errorf("load rule %d: %w", r.ID, err)
		}
	}
	return nil
}

// SavePolicy replaces the stored rule set with the model's.
func (a *Adapter) SavePolicy(m model.Model) error {
	var rules []*Rule
	for _, sec := range []string{"p", "g"} {
		for ptype, ast := range m[sec] {
			for _, line := range ast.Policy {
				rules = append(rules, NewRule(ptype, line))
			}
		}
	}
	return a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Rule)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return fmt.Errorf("clear casbin_rule: %w", err)
		}
		return insert(ctx, tx, rules)
	})
}

func (a *Adapter) AddPolicy(_ string, ptype string, rule []string) error {
	return a.AddPolicies("", ptype, [][]string{rule})
}

func (a *Adapter) AddPolicies(_ string, ptype string, rules [][]string) error {
	rows := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		rows = append(rows, NewRule(ptype, rule))
	}
	return a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		return insert(ctx, tx, rows)
	})
}

func (a *Adapter) RemovePolicy(_ string, ptype string, rule []string) error {
	return a.RemovePolicies("", ptype, [][]string{rule})
}

func (a *Adapter) RemovePolicies(_ string, ptype string, rules [][]string) error {
	if len(rules) == 0 {
		return nil
	}
	return a.db.RunInTx(context.Background(), nil, func(ctx context.Context, tx bun.Tx) error {
		for _, rule := range rules {
			q := NewRule(ptype, rule).match(tx.NewDelete().Model((*Rule)(nil)))
			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("remove casbin rule %v: %w", rule, err)
			}
		}
		return nil
	})
}

// RemoveFilteredPolicy deletes rules whose fields starting at fieldIndex
// match the non-empty fieldValues.
func (a *Adapter) RemoveFilteredPolicy(_ string, ptype string, fieldIndex int, fieldValues ...string) error {
	q := a.db.NewDelete().Model((*Rule)(nil)).Where("ptype = ?", ptype)
	for i, v := range fieldValues {
		col := fieldIndex + i
		if v == "" || col < 0 || col > 5 {
			continue
		}
		q = q.Where("? = ?", bun.Ident(fmt.Sprintf("v%d", col)), v)
	}
	if _, err := q.Exec(context.Background()); err != nil {
		return fmt.Errorf("remove filtered casbin rules: %w", err)
	}
	return nil
}

// List returns the stored p rules in order.
func (a *Adapter) List(ctx context.Context) ([]*Rule, error) {
	var rules []*Rule
	if err := a.db.NewSelect().Model(&rules).Where("ptype = ?", "p").Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list casbin_rule: %w", err)
	}
	return rules, nil
}

func insert(ctx context.Context, tx bun.Tx, rows []*Rule) error {
	for _, r := range rows {
		exists, err := tx.NewSelect().Model((*Rule)(nil)).
			Where("ptype = ?", r.Ptype).
			Where("v0 = ?", r.V0).Where("v1 = ?", r.V1).Where("v2 = ?", r.V2).
			Where("v3 = ?", r.V3).Where("v4 = ?", r.V4).Where("v5 = ?", r.V5).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check casbin rule: %w", err)
		}
		if exists {
			continue
		}
		if _, err := tx.NewInsert().Model(r).Exec(ctx); err != nil {
			return fmt.Errorf("insert casbin rule: %w", err)
		}
	}
	return nil
}
