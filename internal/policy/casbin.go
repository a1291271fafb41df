package policy

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/pilotdata/authsvc/internal/policy/bunadapter"
)

//go:embed model.conf
var casbinModelContent string

// newEnforcer builds a synced enforcer over the embedded (role, zone,
// resource, operation) model. casbin loads the rule set once here.
func newEnforcer(adapter *bunadapter.Adapter) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	enforcer.EnableAutoSave(true)
	return enforcer, nil
}
