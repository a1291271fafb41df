package lifecycle

import (
	"context"
	"fmt"
	"log"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/graph"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

// ProjectRoles are the roles a user can hold in a project.
var ProjectRoles = []string{"admin", "collaborator", "contributor"}

// Operation names recorded for project role changes.
const (
	OpAssignRole = "assign_role"
	OpRevokeRole = "revoke_role"
)

type roleChange func(ctx context.Context, w *workflow, project *graph.Node, rel *graph.Relation) (*Membership, error)

// AssignProjectRole grants role in projectCode to an active user. The
// identity role and the project group are granted before the graph relation
// is created or set active. A different previous role in the project is
// revoked from the identity provider.
func (r *Reconciler) AssignProjectRole(ctx context.Context, email, projectCode, role string) (*Membership, error) {
	if !slices.Contains(ProjectRoles, role) {
		return nil, errx.Validation(fmt.Sprintf("unknown project role %q", role)).
			WithDetail("allowed", ProjectRoles)
	}
	return r.changeRole(ctx, OpAssignRole, email, projectCode, func(ctx context.Context, w *workflow, project *graph.Node, rel *graph.Relation) (*Membership, error) {
		roleName := identity.RoleName(projectCode, role)
		if err := w.r.identity.AssignRole(ctx, w.account.ID, roleName); err != nil {
			return nil, w.incomplete(projectCode, StepAssignRole, errx.BackendIdentity, err)
		}
		if rel != nil && rel.Label != role {
			if err := w.r.identity.RemoveRoles(ctx, w.account.ID, []string{identity.RoleName(projectCode, rel.Label)}); err != nil {
				return nil, w.incomplete(projectCode, StepRemoveRole, errx.BackendIdentity, err)
			}
		}
		if err := w.addGroup(ctx, w.r.directory.GroupDN(projectCode)); err != nil {
			return nil, w.incomplete(projectCode, StepAddGroup, errx.BackendDirectory, err)
		}
		w.committed = append(w.committed, projectCode)

		props := map[string]any{graph.PropStatus: RelationActive}
		var err error
		if rel == nil {
			_, err = w.r.graph.CreateRelation(ctx, w.user.ID, project.ID, role, props)
		} else {
			_, err = w.r.graph.UpdateRelation(ctx, w.user.ID, project.ID, role, props)
		}
		if err != nil {
			return nil, w.incomplete(projectCode, StepUpdateRelation, errx.BackendGraph, err)
		}
		w.marked = append(w.marked, projectCode)

		log.Printf("INFO: lifecycle: %s granted %s in %s", w.user.Email(), role, projectCode)
		return &Membership{
			ProjectID:      project.ID,
			ProjectCode:    projectCode,
			Role:           role,
			RelationStatus: RelationActive,
			IdentityRole:   roleName,
		}, nil
	})
}

// RevokeProjectRole removes an active user's role in projectCode. Access is
// removed from the identity provider and the directory before the relation
// is marked disabled.
func (r *Reconciler) RevokeProjectRole(ctx context.Context, email, projectCode string) (*Membership, error) {
	return r.changeRole(ctx, OpRevokeRole, email, projectCode, func(ctx context.Context, w *workflow, project *graph.Node, rel *graph.Relation) (*Membership, error) {
		if rel == nil {
			return nil, errx.NotFound("project membership", projectCode)
		}
		roleName := identity.RoleName(projectCode, rel.Label)
		if err := w.r.identity.RemoveRoles(ctx, w.account.ID, []string{roleName}); err != nil {
			return nil, w.incomplete(projectCode, StepRemoveRole, errx.BackendIdentity, err)
		}
		if err := w.removeGroup(ctx, w.r.directory.GroupDN(projectCode)); err != nil {
			return nil, w.incomplete(projectCode, StepRemoveGroup, errx.BackendDirectory, err)
		}
		w.committed = append(w.committed, projectCode)

		if _, err := w.r.graph.UpdateRelation(ctx, w.user.ID, project.ID, rel.Label,
			map[string]any{graph.PropStatus: RelationDisable}); err != nil {
			return nil, w.incomplete(projectCode, StepUpdateRelation, errx.BackendGraph, err)
		}
		w.marked = append(w.marked, projectCode)

		log.Printf("INFO: lifecycle: %s removed from %s", w.user.Email(), projectCode)
		return &Membership{
			ProjectID:      project.ID,
			ProjectCode:    projectCode,
			Role:           rel.Label,
			RelationStatus: RelationDisable,
			IdentityRole:   roleName,
		}, nil
	})
}

func (r *Reconciler) changeRole(ctx context.Context, op, email, projectCode string, fn roleChange) (*Membership, error) {
	if email == "" || projectCode == "" {
		return nil, errx.Validation("email and project_code are required")
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "lifecycle."+op,
		attribute.String(telemetry.AttrTransition, op),
		attribute.String(telemetry.AttrUserEmail, email),
		attribute.String(telemetry.AttrProjectCode, projectCode),
	)
	defer span.End()

	m, err := r.runRoleChange(ctx, span, op, email, projectCode, fn)
	if err != nil {
		telemetry.RecordError(span, err)
		r.metrics.RecordTransition(op, outcome(err))
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrRelationStatus, m.RelationStatus))
	r.metrics.RecordTransition(op, "success")
	return m, nil
}

func (r *Reconciler) runRoleChange(ctx context.Context, span trace.Span, op, email, projectCode string, fn roleChange) (*Membership, error) {
	user, err := r.resolveUser(ctx, Request{Email: email})
	if err != nil {
		return nil, err
	}
	account, err := r.identity.GetUserByEmail(ctx, user.Email())
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}

	// both stores must agree the account is active
	status := user.Status()
	if status == identity.StatusActive {
		if s := account.Attribute(identity.AttrStatus); s != "" {
			status = s
		}
	}
	span.SetAttributes(attribute.String(telemetry.AttrUserStatus, status))
	if status != identity.StatusActive {
		return nil, errx.Conflict("invalid_transition",
			fmt.Sprintf("operation %s is not allowed for a user in status %q", op, status)).
			WithDetail("status", status).
			WithDetail("allowed", AllowedTransitions(status))
	}

	project, err := r.graph.GetProjectByCode(ctx, projectCode)
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "get_project", err)
	}
	rel, err := r.graph.QueryRelation(ctx, user.ID, project.ID)
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "query_relation", err)
	}

	w := &workflow{r: r, span: span, user: user, account: account}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	defer w.close()
	return fn(ctx, w, project, rel)
}
