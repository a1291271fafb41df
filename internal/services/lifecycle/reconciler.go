// Package lifecycle drives a user between the active and disabled states
// across the identity provider, the directory and the graph mirror.
//
// Every workflow is strictly sequential. Revocations strip access in the
// identity provider and directory before the graph mirror is marked, grants
// add access before the mirror is updated. A failure part way through a
// multi-project sequence stops the workflow and is reported with the
// offending project and the projects already changed; nothing is rolled back.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilotdata/authsvc/internal/directory"
	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/graph"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

const tracerName = "authsvc/services/lifecycle"

// Transition is a requested change of user state.
type Transition string

const (
	TransitionEnable  Transition = "enable"
	TransitionDisable Transition = "disable"
	TransitionRestore Transition = "restore"
)

// Relation status values stored on membership relations.
const (
	RelationActive    = "active"
	RelationHibernate = "hibernate"
	RelationDisable   = "disable"
)

// Steps reported in the "step" detail of a reconciliation_incomplete error.
const (
	StepRemoveGroup    = "remove_directory_group"
	StepRemoveRole     = "remove_identity_role"
	StepAssignRole     = "assign_identity_role"
	StepAddGroup       = "add_directory_group"
	StepUpdateRelation = "update_relation"
)

// ParseTransition validates s.
func ParseTransition(s string) (Transition, error) {
	switch t := Transition(strings.ToLower(strings.TrimSpace(s))); t {
	case TransitionEnable, TransitionDisable, TransitionRestore:
		return t, nil
	}
	return "", errx.Validation(fmt.Sprintf("unknown operation %q", s)).
		WithDetail("allowed", []string{string(TransitionEnable), string(TransitionDisable), string(TransitionRestore)})
}

// AllowedTransitions returns the transitions permitted from a user status.
func AllowedTransitions(status string) []Transition {
	switch status {
	case identity.StatusActive:
		return []Transition{TransitionDisable, TransitionRestore}
	case identity.StatusDisabled:
		return []Transition{TransitionEnable}
	default:
		return []Transition{}
	}
}

// Request selects a user by GlobalID or, when empty, by Email. ProjectCode
// scopes a restore to one project.
type Request struct {
	Transition  Transition `json:"operation"`
	Email       string     `json:"email,omitempty"`
	GlobalID    string     `json:"global_id,omitempty"`
	ProjectCode string     `json:"project_code,omitempty"`
}

// Membership is one project membership affected by a workflow.
type Membership struct {
	ProjectID      string `json:"project_id"`
	ProjectCode    string `json:"project_code"`
	Role           string `json:"role"`
	RelationStatus string `json:"relation_status"`
	IdentityRole   string `json:"identity_role"`
}

// Result is the user's graph node after the workflow and the memberships it touched.
type Result struct {
	User        graph.Node   `json:"user"`
	Memberships []Membership `json:"memberships"`
}

// Reconciler applies transitions. It holds no per-request state.
type Reconciler struct {
	identity  identity.Service
	directory directory.Service
	graph     graph.Service
	metrics   telemetry.Recorder
}

// NewReconciler wires the three backends. A nil metrics recorder disables metrics.
func NewReconciler(id identity.Service, dir directory.Service, g graph.Service, metrics telemetry.Recorder) *Reconciler {
	if metrics == nil {
		metrics = telemetry.NopRecorder{}
	}
	return &Reconciler{identity: id, directory: dir, graph: g, metrics: metrics}
}

func (r *Reconciler) Enable(ctx context.Context, email string) (*Result, error) {
	return r.Apply(ctx, Request{Transition: TransitionEnable, Email: email})
}

func (r *Reconciler) Disable(ctx context.Context, email string) (*Result, error) {
	return r.Apply(ctx, Request{Transition: TransitionDisable, Email: email})
}

// Restore reactivates every suspended membership, or only the one in
// projectCode when it is not empty.
func (r *Reconciler) Restore(ctx context.Context, email, projectCode string) (*Result, error) {
	return r.Apply(ctx, Request{Transition: TransitionRestore, Email: email, ProjectCode: projectCode})
}

// Apply runs the workflow for req.Transition. A transition not permitted
// from the user's current status is rejected with CONFLICT
// "invalid_transition" before any backend is written.
func (r *Reconciler) Apply(ctx context.Context, req Request) (*Result, error) {
	if _, err := ParseTransition(string(req.Transition)); err != nil {
		return nil, err
	}
	if req.Email == "" && req.GlobalID == "" {
		return nil, errx.Validation("email or global_id is required")
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "lifecycle."+string(req.Transition),
		attribute.String(telemetry.AttrTransition, string(req.Transition)),
		attribute.String(telemetry.AttrUserEmail, req.Email),
		attribute.String(telemetry.AttrUserGlobalID, req.GlobalID),
		attribute.String(telemetry.AttrProjectCode, req.ProjectCode),
	)
	defer span.End()

	res, err := r.apply(ctx, span, req)
	if err != nil {
		telemetry.RecordError(span, err)
		r.metrics.RecordTransition(string(req.Transition), outcome(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int(telemetry.AttrAffected, len(res.Memberships)))
	r.metrics.RecordTransition(string(req.Transition), "success")
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, span trace.Span, req Request) (*Result, error) {
	user, err := r.resolveUser(ctx, req)
	if err != nil {
		return nil, err
	}
	status := user.Status()
	span.SetAttributes(attribute.String(telemetry.AttrUserStatus, status))

	allowed := AllowedTransitions(status)
	if !slices.Contains(allowed, req.Transition) {
		return nil, errx.Conflict("invalid_transition",
			fmt.Sprintf("operation %s is not allowed for a user in status %q", req.Transition, status)).
			WithDetail("status", status).
			WithDetail("allowed", allowed)
	}

	account, err := r.identity.GetUserByEmail(ctx, user.Email())
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}
	links, err := r.graph.GetUserLinkedProjects(ctx, user.ID)
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "get_user_linked_projects", err)
	}

	w := &workflow{r: r, span: span, user: user, account: account, links: links}
	switch req.Transition {
	case TransitionDisable:
		return w.disable(ctx)
	case TransitionEnable:
		return w.enable(ctx)
	default:
		return w.restore(ctx, req.ProjectCode)
	}
}

func (r *Reconciler) resolveUser(ctx context.Context, req Request) (*graph.Node, error) {
	var (
		user *graph.Node
		err  error
	)
	if req.GlobalID != "" {
		user, err = r.graph.GetUserByGlobalID(ctx, req.GlobalID)
	} else {
		user, err = r.graph.GetUserByEmail(ctx, req.Email)
	}
	if err != nil {
		return nil, errx.Upstream(errx.BackendGraph, "get_user", err)
	}
	return user, nil
}

// workflow is the state of one Apply call.
type workflow struct {
	r       *Reconciler
	span    trace.Span
	user    *graph.Node
	account *identity.User
	links   []graph.LinkedProject

	session directory.Session
	userDN  string
	// committed lists projects whose access was changed in the identity
	// provider and directory, marked those whose graph relation was updated.
	committed []string
	marked    []string
}

// connect opens the request's directory session and resolves the user's
// DN. It is a no-op when directory integration is disabled.
func (w *workflow) connect(ctx context.Context) error {
	if !w.r.directory.Enabled() {
		return nil
	}
	sess, err := w.r.directory.Connect(ctx)
	if err != nil {
		return err
	}
	entry, err := sess.FindByEmail(ctx, w.user.Email())
	if err != nil {
		_ = sess.Close()
		return errx.Upstream(errx.BackendDirectory, "find_by_email", err)
	}
	w.session = sess
	w.userDN = entry.DN
	return nil
}

func (w *workflow) close() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		log.Printf("WARNING: lifecycle: close directory session: %v", err)
	}
}

func (w *workflow) addGroup(ctx context.Context, groupDN string) error {
	if w.session == nil {
		return nil
	}
	return w.session.AddToGroup(ctx, w.userDN, groupDN)
}

func (w *workflow) removeGroup(ctx context.Context, groupDN string) error {
	if w.session == nil {
		return nil
	}
	return w.session.RemoveFromGroup(ctx, w.userDN, groupDN)
}

// incomplete reports a per-project failure with what was already committed
// and marked.
func (w *workflow) incomplete(project, step, backend string, err error) error {
	log.Printf("ERROR: lifecycle: %s stopped at project %s during %s (committed %v, marked %v): %v",
		w.user.Email(), project, step, w.committed, w.marked, err)
	telemetry.AddEvent(w.span, "reconciliation_incomplete",
		attribute.String(telemetry.AttrProjectCode, project),
		attribute.String(telemetry.AttrBackend, backend),
	)
	return errx.Wrap(err, errx.TypeInternal, "reconciliation_incomplete",
		fmt.Sprintf("reconciliation stopped at project %s", project)).
		WithDetail("project", project).
		WithDetail("committed", slices.Clone(w.committed)).
		WithDetail("marked", slices.Clone(w.marked)).
		WithDetail("step", step).
		WithDetail("backend", backend)
}

func (w *workflow) setIdentityStatus(ctx context.Context, status string) error {
	if _, err := w.r.identity.UpdateAttributes(ctx, w.account.ID, map[string]string{identity.AttrStatus: status}); err != nil {
		return errx.Upstream(errx.BackendIdentity, "update_attributes", err)
	}
	return nil
}

func (w *workflow) setGraphStatus(ctx context.Context, status string) error {
	node, err := w.r.graph.UpdateNode(ctx, graph.LabelUser, w.user.ID, map[string]any{graph.PropStatus: status})
	if err != nil {
		return errx.Upstream(errx.BackendGraph, "update_user", err)
	}
	w.user = node
	return nil
}

// markRelations sets status on every link and returns the memberships.
func (w *workflow) markRelations(ctx context.Context, links []graph.LinkedProject, status string) ([]Membership, error) {
	out := make([]Membership, 0, len(links))
	for _, l := range links {
		code := l.Project.Code()
		if _, err := w.r.graph.UpdateRelation(ctx, w.user.ID, l.Project.ID, l.Relation.Label,
			map[string]any{graph.PropStatus: status}); err != nil {
			return nil, w.incomplete(code, StepUpdateRelation, errx.BackendGraph, err)
		}
		w.marked = append(w.marked, code)
		out = append(out, membership(l, status))
	}
	return out, nil
}

func (w *workflow) disable(ctx context.Context) (*Result, error) {
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	defer w.close()

	for _, l := range w.links {
		if l.Relation.Status() != RelationActive {
			continue
		}
		code := l.Project.Code()
		if err := w.removeGroup(ctx, w.r.directory.GroupDN(code)); err != nil {
			return nil, w.incomplete(code, StepRemoveGroup, errx.BackendDirectory, err)
		}
		if err := w.r.identity.RemoveRoles(ctx, w.account.ID, []string{identity.RoleName(code, l.Relation.Label)}); err != nil {
			return nil, w.incomplete(code, StepRemoveRole, errx.BackendIdentity, err)
		}
		w.committed = append(w.committed, code)
	}

	if err := w.removeGroup(ctx, w.r.directory.UserGroupDN()); err != nil {
		return nil, errx.Upstream(errx.BackendDirectory, "remove_user_group", err)
	}
	if err := w.setIdentityStatus(ctx, identity.StatusDisabled); err != nil {
		return nil, err
	}
	if err := w.setGraphStatus(ctx, identity.StatusDisabled); err != nil {
		return nil, err
	}
	members, err := w.markRelations(ctx, w.links, RelationDisable)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: lifecycle: disabled %s (%d memberships)", w.user.Email(), len(members))
	return &Result{User: *w.user, Memberships: members}, nil
}

func (w *workflow) enable(ctx context.Context) (*Result, error) {
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	defer w.close()

	if err := w.addGroup(ctx, w.r.directory.UserGroupDN()); err != nil {
		return nil, errx.Upstream(errx.BackendDirectory, "add_user_group", err)
	}
	if err := w.setIdentityStatus(ctx, identity.StatusActive); err != nil {
		return nil, err
	}
	if err := w.setGraphStatus(ctx, identity.StatusActive); err != nil {
		return nil, err
	}
	members, err := w.markRelations(ctx, w.links, RelationHibernate)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: lifecycle: enabled %s (%d memberships hibernated)", w.user.Email(), len(members))
	return &Result{User: *w.user, Memberships: members}, nil
}

func (w *workflow) restore(ctx context.Context, projectCode string) (*Result, error) {
	scoped := w.links
	if projectCode != "" {
		scoped = nil
		for _, l := range w.links {
			if l.Project.Code() == projectCode {
				scoped = append(scoped, l)
			}
		}
		if len(scoped) == 0 {
			return nil, errx.NotFound("project membership", projectCode)
		}
	}

	var pending []graph.LinkedProject
	for _, l := range scoped {
		if l.Relation.Status() != RelationActive {
			pending = append(pending, l)
		}
	}

	if len(pending) > 0 {
		if err := w.connect(ctx); err != nil {
			return nil, err
		}
		defer w.close()
	}

	for _, l := range pending {
		code := l.Project.Code()
		if err := w.r.identity.AssignRole(ctx, w.account.ID, identity.RoleName(code, l.Relation.Label)); err != nil {
			return nil, w.incomplete(code, StepAssignRole, errx.BackendIdentity, err)
		}
		if err := w.addGroup(ctx, w.r.directory.GroupDN(code)); err != nil {
			return nil, w.incomplete(code, StepAddGroup, errx.BackendDirectory, err)
		}
		w.committed = append(w.committed, code)
	}

	if w.account.Attribute(identity.AttrStatus) != identity.StatusActive {
		if err := w.setIdentityStatus(ctx, identity.StatusActive); err != nil {
			return nil, err
		}
	}
	members, err := w.markRelations(ctx, pending, RelationActive)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO: lifecycle: restored %d memberships for %s", len(members), w.user.Email())
	return &Result{User: *w.user, Memberships: members}, nil
}

func membership(l graph.LinkedProject, status string) Membership {
	code := l.Project.Code()
	return Membership{
		ProjectID:      l.Project.ID,
		ProjectCode:    code,
		Role:           l.Relation.Label,
		RelationStatus: status,
		IdentityRole:   identity.RoleName(code, l.Relation.Label),
	}
}

func outcome(err error) string {
	switch errx.TypeOf(err) {
	case errx.TypeConflict:
		return "rejected"
	case errx.TypeNotFound:
		return "not_found"
	default:
		return "error"
	}
}
