// Package policy decides whether a project role may perform an operation on
// a resource in a zone. Decisions are deny-by-default and never cached: every
// call reloads the persisted rule set.
package policy

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/policy/bunadapter"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

const tracerName = "authsvc/policy"

// Rule is a single allow grant.
type Rule struct {
	Role      string `json:"role"`
	Zone      string `json:"zone"`
	Resource  string `json:"resource"`
	Operation string `json:"operation"`
}

func (r Rule) values() []string {
	return []string{r.Role, r.Zone, r.Resource, r.Operation}
}

// Validate requires all four fields.
func (r Rule) Validate() error {
	var missing []string
	for name, v := range map[string]string{"role": r.Role, "zone": r.Zone, "resource": r.Resource, "operation": r.Operation} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return errx.Validation(fmt.Sprintf("missing policy fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// Engine evaluates requests against the rule store.
type Engine struct {
	enforcer *casbin.SyncedEnforcer
	adapter  *bunadapter.Adapter
	metrics  telemetry.Recorder
}

// NewEngine wires the enforcer to db. The handle is owned by the caller and
// shared for the life of the process.
func NewEngine(db *bun.DB, metrics telemetry.Recorder) (*Engine, error) {
	adapter := bunadapter.NewAdapter(db)
	enforcer, err := newEnforcer(adapter)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = telemetry.NopRecorder{}
	}
	return &Engine{enforcer: enforcer, adapter: adapter, metrics: metrics}, nil
}

// Authorize returns true only when an allow rule matches. A missing rule is
// (false, nil); an unreachable rule store is (false, INTERNAL error).
func (e *Engine) Authorize(ctx context.Context, role, zone, resource, operation string) (bool, error) {
	_, span := telemetry.StartSpan(ctx, tracerName, "policy.Authorize",
		attribute.String(telemetry.AttrPolicyRole, role),
		attribute.String(telemetry.AttrPolicyZone, zone),
		attribute.String(telemetry.AttrPolicyResource, resource),
		attribute.String(telemetry.AttrPolicyOperation, operation),
	)
	defer span.End()

	if err := e.enforcer.LoadPolicy(); err != nil {
		log.Printf("ERROR: policy: rule store unavailable (role=%s zone=%s resource=%s operation=%s): %v",
			role, zone, resource, operation, err)
		e.metrics.RecordAuthorization("error")
		wrapped := errx.Wrap(err, errx.TypeInternal, "policy_store_unavailable", "policy rule store unavailable").
			WithDetail("backend", errx.BackendPolicy)
		telemetry.RecordError(span, wrapped)
		return false, wrapped
	}

	allowed, err := e.enforcer.Enforce(role, zone, resource, operation)
	if err != nil {
		log.Printf("ERROR: policy: evaluation failed (role=%s zone=%s resource=%s operation=%s): %v",
			role, zone, resource, operation, err)
		e.metrics.RecordAuthorization("error")
		wrapped := errx.Internal(err, "policy evaluation failed")
		telemetry.RecordError(span, wrapped)
		return false, wrapped
	}

	span.SetAttributes(attribute.Bool(telemetry.AttrPolicyAllowed, allowed))
	if !allowed {
		log.Printf("policy: no matching rule (role=%s zone=%s resource=%s operation=%s), denied",
			role, zone, resource, operation)
		e.metrics.RecordAuthorization("deny")
		return false, nil
	}
	e.metrics.RecordAuthorization("allow")
	return true, nil
}

// ListRules returns the stored grants in insertion order.
func (e *Engine) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := e.adapter.List(ctx)
	if err != nil {
		return nil, errx.Wrap(err, errx.TypeInternal, "policy_store_unavailable", "list policy rules")
	}
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		v := append(row.Values(), "", "", "", "")
		rules = append(rules, Rule{Role: v[0], Zone: v[1], Resource: v[2], Operation: v[3]})
	}
	return rules, nil
}

// AddRule persists a grant. Adding an existing grant is a no-op reported as false.
func (e *Engine) AddRule(ctx context.Context, r Rule) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if err := e.enforcer.LoadPolicy(); err != nil {
		return false, errx.Wrap(err, errx.TypeInternal, "policy_store_unavailable", "load policy rules")
	}
	added, err := e.enforcer.AddPolicy(toAny(r.values())...)
	if err != nil {
		return false, errx.Wrap(err, errx.TypeInternal, "policy_store_unavailable", "add policy rule")
	}
	if added {
		log.Printf("INFO: policy: added rule %v", r.values())
	}
	return added, nil
}

// RemoveRule deletes a grant. Removing a missing grant is reported as false.
func (e *Engine) RemoveRule(ctx context.Context, r Rule) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if err := e.enforcer.LoadPolicy(); err != nil {
		return false, errx.Wrap(err, errx.TypeInternal, "policy_store_unavailable", "load policy rules")
	}
	removed, err := e.enforcer.RemovePolicy(toAny(r.values())...)
	if err != nil {
		return false, errx.Wrap(err, errx.TypeInternal, "policy_store_unavailable", "remove policy rule")
	}
	if removed {
		log.Printf("INFO: policy: removed rule %v", r.values())
	}
	return removed, nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
