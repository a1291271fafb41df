// Package invitation creates and tracks invitations and provisions the
// directory groups of invitees who already have a directory account.
package invitation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/db/models"
	"github.com/pilotdata/authsvc/internal/directory"
	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/graph"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/notify"
	"github.com/pilotdata/authsvc/internal/repository"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

const tracerName = "authsvc/services/invitation"

// Platform roles.
const (
	PlatformAdmin  = "admin"
	PlatformMember = "member"
)

// StatusInvited is reported by CheckUser for an address with only a pending invitation.
const StatusInvited = "invited"

// DefaultPageSize applies when a list query does not set one.
const DefaultPageSize = 25

var projectRoles = map[string]bool{"admin": true, "collaborator": true, "contributor": true}

// Outcome of CreateInvitation.
type Outcome string

const (
	OutcomeCreated             Outcome = "created"
	OutcomeDuplicateInvitation Outcome = "duplicate_invitation"
	OutcomeUserExists          Outcome = "user_exists"
)

// ProjectRelationship is the project an invitee joins and their role in it.
type ProjectRelationship struct {
	ProjectGlobalID string `json:"project_geid"`
	ProjectRole     string `json:"project_role"`
}

type CreateRequest struct {
	Email        string               `json:"email"`
	PlatformRole string               `json:"platform_role"`
	Project      *ProjectRelationship `json:"relationship,omitempty"`
	InvitedBy    string               `json:"invited_by"`
}

// Validate normalizes the email and checks the roles.
func (r *CreateRequest) Validate() error {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return errx.Validation("a valid email is required")
	}
	if r.PlatformRole != PlatformAdmin && r.PlatformRole != PlatformMember {
		return errx.Validation(fmt.Sprintf("platform_role must be %s or %s", PlatformAdmin, PlatformMember))
	}
	if r.InvitedBy == "" {
		return errx.Validation("invited_by is required")
	}
	if r.Project != nil {
		if r.Project.ProjectGlobalID == "" {
			return errx.Validation("relationship.project_geid is required")
		}
		if !projectRoles[r.Project.ProjectRole] {
			return errx.Validation(fmt.Sprintf("unknown project role %q", r.Project.ProjectRole))
		}
	}
	return nil
}

// CreateResult reports what CreateInvitation did. Only OutcomeCreated
// carries an invitation.
type CreateResult struct {
	Outcome     Outcome            `json:"outcome"`
	Invitation  *models.Invitation `json:"invitation,omitempty"`
	InDirectory bool               `json:"in_directory"`
}

// Config holds the invitation settings.
type Config struct {
	Expiry    time.Duration
	AdminRole string
	Email     config.EmailConfig
}

// Service is the invitation manager.
type Service struct {
	repo      repository.InvitationRepository
	identity  identity.Service
	directory directory.Service
	graph     graph.Service
	notifier  notify.Notifier
	cfg       Config
	metrics   telemetry.Recorder
	now       func() time.Time
}

func NewService(repo repository.InvitationRepository, id identity.Service, dir directory.Service,
	g graph.Service, notifier notify.Notifier, cfg Config, metrics telemetry.Recorder) *Service {
	if metrics == nil {
		metrics = telemetry.NopRecorder{}
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 14 * 24 * time.Hour
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = "platform-admin"
	}
	return &Service{
		repo: repo, identity: id, directory: dir, graph: g, notifier: notifier,
		cfg: cfg, metrics: metrics, now: time.Now,
	}
}

// CreateInvitation records an invitation for req.Email. An existing pending
// invitation for the same project, or an existing identity account, is
// reported through the outcome and leaves every backend untouched.
func (s *Service) CreateInvitation(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "invitation.Create",
		attribute.String(telemetry.AttrUserEmail, req.Email),
		attribute.String(telemetry.AttrPlatformRole, req.PlatformRole),
	)
	defer span.End()

	res, err := s.create(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordInvitation("error")
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrInvitationOutcome, string(res.Outcome)))
	if res.Invitation != nil {
		span.SetAttributes(attribute.String(telemetry.AttrInvitationID, res.Invitation.ID))
	}
	s.metrics.RecordInvitation(string(res.Outcome))
	return res, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var project *graph.Node
	projectID := ""
	if req.Project != nil {
		p, err := s.graph.GetProjectByGlobalID(ctx, req.Project.ProjectGlobalID)
		if err != nil {
			return nil, errx.Upstream(errx.BackendGraph, "get_project", err)
		}
		project = p
		projectID = req.Project.ProjectGlobalID
	}

	existing, err := s.repo.FindPending(ctx, req.Email, projectID)
	switch {
	case err == nil:
		log.Printf("INFO: invitation: pending invitation %s already exists for %s", existing.ID, req.Email)
		return &CreateResult{Outcome: OutcomeDuplicateInvitation}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storeError("find_pending", err)
	}

	if _, err := s.identity.GetUserByEmail(ctx, req.Email); err == nil {
		return &CreateResult{Outcome: OutcomeUserExists}, nil
	} else if !errx.IsType(err, errx.TypeNotFound) {
		return nil, errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}

	inDirectory, err := s.provisionGroups(ctx, req, project)
	if err != nil {
		return nil, err
	}

	inv := &models.Invitation{
		Email:        req.Email,
		InvitedBy:    req.InvitedBy,
		PlatformRole: req.PlatformRole,
		ProjectID:    projectID,
		Status:       models.InvitationStatusPending,
		ExpiresAt:    s.now().UTC().Add(s.cfg.Expiry),
	}
	if req.Project != nil {
		inv.ProjectRole = req.Project.ProjectRole
	}
	if err := s.repo.Create(ctx, inv); err != nil {
		return nil, storeError("create", err)
	}

	s.sendInvitation(ctx, req, project, inDirectory)
	log.Printf("INFO: invitation: created %s for %s (in directory: %t)", inv.ID, req.Email, inDirectory)
	return &CreateResult{Outcome: OutcomeCreated, Invitation: inv, InDirectory: inDirectory}, nil
}

// provisionGroups adds an invitee who already has a directory account to
// the user group and to either the admin group or the project group.
func (s *Service) provisionGroups(ctx context.Context, req CreateRequest, project *graph.Node) (bool, error) {
	if !s.directory.Enabled() {
		return false, nil
	}
	sess, err := s.directory.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("WARNING: invitation: close directory session: %v", err)
		}
	}()

	entry, err := sess.FindByEmail(ctx, req.Email)
	if errx.IsType(err, errx.TypeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errx.Upstream(errx.BackendDirectory, "find_by_email", err)
	}

	groups := []string{s.directory.UserGroupDN()}
	if req.PlatformRole == PlatformAdmin {
		groups = append(groups, s.directory.AdminGroupDN())
	} else if project != nil {
		groups = append(groups, s.directory.GroupDN(project.Code()))
	}
	for _, g := range groups {
		if err := sess.AddToGroup(ctx, entry.DN, g); err != nil {
			log.Printf("ERROR: invitation: add %s to %s failed: %v", entry.DN, g, err)
			return true, errx.Upstream(errx.BackendDirectory, "add_to_group", err)
		}
	}
	return true, nil
}

func (s *Service) sendInvitation(ctx context.Context, req CreateRequest, project *graph.Node, inDirectory bool) {
	email := s.cfg.Email
	inviterName, inviterEmail := req.InvitedBy, ""
	if inviter, err := s.identity.GetUserByUsername(ctx, req.InvitedBy); err == nil {
		inviterEmail = inviter.Email
		if n := inviter.Name(); n != "" {
			inviterName = n
		}
	} else {
		log.Printf("WARNING: invitation: inviter %s lookup failed: %v", req.InvitedBy, err)
	}

	vars := map[string]any{
		"inviter_email":  inviterEmail,
		"inviter_name":   inviterName,
		"support_email":  email.Support,
		"admin_email":    email.Admin,
		"url":            email.LoginURL,
		"user_email":     req.Email,
		"domain":         email.Domain,
		"helpdesk_email": email.Helpdesk,
	}

	var tmpl, subject string
	if project != nil {
		vars["project_name"] = project.String(graph.PropName)
		vars["project_code"] = project.Code()
		vars["project_role"] = req.Project.ProjectRole
		subject = fmt.Sprintf("Welcome to the %s project!", project.String(graph.PropName))
		tmpl = notify.TemplateInviteProjectExisting
		if !inDirectory {
			tmpl = notify.TemplateInviteProjectNew
		}
	} else {
		vars["platform_role"] = PlatformRoleLabel(req.PlatformRole)
		subject = fmt.Sprintf("Welcome to %s!", email.PlatformName)
		tmpl = notify.TemplateInvitePlatformExisting
		if !inDirectory {
			tmpl = notify.TemplateInvitePlatformNew
		}
	}

	n := notify.Notification{Template: tmpl, Recipient: req.Email, Subject: subject, Vars: vars}
	notify.Send(ctx, s.notifier, n)
	if !inDirectory {
		n.Recipient = email.Admin
		notify.Send(ctx, s.notifier, n)
	}
}

// PlatformRoleLabel is the display name of a platform role.
func PlatformRoleLabel(role string) string {
	if role == PlatformAdmin {
		return "Platform Administrator"
	}
	return "Platform User"
}

// Relationship is a user's role in one project.
type Relationship struct {
	ProjectCode     string `json:"project_code,omitempty"`
	ProjectRole     string `json:"project_role,omitempty"`
	ProjectGlobalID string `json:"project_geid,omitempty"`
}

// UserCheck describes an address known to the identity provider or invited.
type UserCheck struct {
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Status       string       `json:"status"`
	Role         string       `json:"role"`
	Relationship Relationship `json:"relationship"`
}

// CheckUser looks email up in the identity provider, then among pending
// invitations. When projectCode is set the user's role in that project is reported.
func (s *Service) CheckUser(ctx context.Context, email, projectCode string) (*UserCheck, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errx.Validation("email is required")
	}

	user, err := s.identity.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return s.checkAccount(ctx, user, projectCode)
	case !errx.IsType(err, errx.TypeNotFound):
		return nil, errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}

	inv, err := s.repo.FindPendingByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errx.NotFound("user", email)
	}
	if err != nil {
		return nil, storeError("find_pending_by_email", err)
	}

	check := &UserCheck{Name: email, Email: email, Status: StatusInvited, Role: inv.PlatformRole}
	if inv.HasProject() {
		check.Relationship = Relationship{ProjectGlobalID: inv.ProjectID, ProjectRole: inv.ProjectRole}
		if p, err := s.graph.GetProjectByGlobalID(ctx, inv.ProjectID); err == nil {
			check.Relationship.ProjectCode = p.Code()
		}
	}
	return check, nil
}

func (s *Service) checkAccount(ctx context.Context, user *identity.User, projectCode string) (*UserCheck, error) {
	roles, err := s.identity.GetRoles(ctx, user.ID)
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "get_roles", err)
	}

	check := &UserCheck{
		Name:   user.Username,
		Email:  user.Email,
		Status: user.Status(identity.StatusPending),
		Role:   PlatformMember,
	}
	for _, r := range roles {
		if r.Name == s.cfg.AdminRole {
			check.Role = PlatformAdmin
		}
		if role, ok := identity.SplitRoleName(projectCode, r.Name); ok && check.Relationship.ProjectRole == "" {
			check.Relationship = Relationship{ProjectCode: projectCode, ProjectRole: role}
		}
	}
	if check.Relationship.ProjectRole != "" {
		if p, err := s.graph.GetProjectByCode(ctx, projectCode); err == nil {
			check.Relationship.ProjectGlobalID = p.GlobalID()
		} else {
			log.Printf("WARNING: invitation: project %s lookup failed: %v", projectCode, err)
		}
	}
	return check, nil
}

// Filters narrow ListInvitations. Email and InvitedBy are substring matches.
type Filters struct {
	Email        string `json:"email,omitempty"`
	InvitedBy    string `json:"invited_by,omitempty"`
	Status       string `json:"status,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	PlatformRole string `json:"platform_role,omitempty"`
}

type ListQuery struct {
	Filters   Filters `json:"filters"`
	OrderBy   string  `json:"order_by,omitempty"`
	OrderType string  `json:"order_type,omitempty"`
	Page      int     `json:"page"`
	PageSize  int     `json:"page_size"`
}

type ListResult struct {
	Invitations []models.Invitation `json:"result"`
	Page        int                 `json:"page"`
	Total       int                 `json:"total"`
	NumOfPages  int                 `json:"num_of_pages"`
}

// ListInvitations pages through invitations. Page is zero-based.
func (s *Service) ListInvitations(ctx context.Context, q ListQuery) (*ListResult, error) {
	if q.Page < 0 {
		return nil, errx.Validation("page must not be negative")
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.OrderBy != "" && !repository.ValidInvitationOrder(q.OrderBy) {
		return nil, errx.Validation(fmt.Sprintf("cannot order by %q", q.OrderBy))
	}
	var desc bool
	switch strings.ToLower(q.OrderType) {
	case "", "asc":
	case "desc":
		desc = true
	default:
		return nil, errx.Validation("order_type must be asc or desc")
	}

	items, total, err := s.repo.List(ctx, repository.InvitationFilter{
		Email:        q.Filters.Email,
		InvitedBy:    q.Filters.InvitedBy,
		Status:       q.Filters.Status,
		ProjectID:    q.Filters.ProjectID,
		PlatformRole: q.Filters.PlatformRole,
		OrderBy:      q.OrderBy,
		Desc:         desc,
		Page:         q.Page,
		PageSize:     q.PageSize,
	})
	if err != nil {
		return nil, storeError("list", err)
	}
	if items == nil {
		items = []models.Invitation{}
	}
	return &ListResult{
		Invitations: items,
		Page:        q.Page,
		Total:       total,
		NumOfPages:  int(math.Ceil(float64(total) / float64(q.PageSize))),
	}, nil
}

// UpdateStatus moves an invitation to pending or complete.
func (s *Service) UpdateStatus(ctx context.Context, id, status string) error {
	if status != models.InvitationStatusPending && status != models.InvitationStatusComplete {
		return errx.Validation(fmt.Sprintf("invalid invitation status %q", status))
	}
	err := s.repo.UpdateStatus(ctx, id, status)
	if errors.Is(err, repository.ErrNotFound) {
		return errx.NotFound("invitation", id)
	}
	if err != nil {
		return storeError("update_status", err)
	}
	return nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*models.Invitation, error) {
	inv, err := s.repo.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errx.NotFound("invitation", code)
	}
	if err != nil {
		return nil, storeError("get_by_code", err)
	}
	return inv, nil
}

func storeError(op string, err error) error {
	return errx.Internal(err, fmt.Sprintf("invitation store %s failed", op)).
		WithDetail("backend", errx.BackendStore).
		WithDetail("operation", op)
}
