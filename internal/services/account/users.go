package account

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hashicorp/go-bexpr"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/identity"
)

// scanPageSize is the batch size used when a filter forces a full scan.
const scanPageSize = 100

// UserView is an identity account as shown to administrators.
type UserView struct {
	identity.User
	Name   string `json:"name"`
	Status string `json:"status"`
	Role   string `json:"role"`
}

// fields exposes the view to filter expressions.
func (v *UserView) fields() map[string]any {
	attrs := make(map[string]any, len(v.Attributes))
	for k, val := range v.Attributes {
		attrs[k] = val
	}
	return map[string]any{
		"username":   v.Username,
		"email":      v.Email,
		"first_name": v.FirstName,
		"last_name":  v.LastName,
		"enabled":    strconv.FormatBool(v.Enabled),
		"status":     v.Status,
		"attributes": attrs,
	}
}

// UserQuery selects one user. The first non-empty key wins.
type UserQuery struct {
	ID       string
	Username string
	Email    string
}

func (s *Service) GetUser(ctx context.Context, q UserQuery) (*UserView, error) {
	var (
		user *identity.User
		err  error
	)
	switch {
	case q.ID != "":
		user, err = s.identity.GetUserByID(ctx, q.ID)
	case q.Username != "":
		user, err = s.identity.GetUserByUsername(ctx, q.Username)
	case q.Email != "":
		user, err = s.identity.GetUserByEmail(ctx, q.Email)
	default:
		return nil, errx.Validation("one of id, username or email is required")
	}
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "get_user", err)
	}
	return s.view(ctx, user, true)
}

func (s *Service) view(ctx context.Context, u *identity.User, withRole bool) (*UserView, error) {
	v := &UserView{User: *u, Name: u.Name(), Status: u.Status(identity.StatusPending), Role: "member"}
	if !withRole {
		v.Role = ""
		return v, nil
	}
	roles, err := s.identity.GetRoles(ctx, u.ID)
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "get_roles", err)
	}
	for _, r := range roles {
		if r.Name == s.cfg.AdminRole {
			v.Role = "admin"
		}
	}
	return v, nil
}

// ListQuery pages users. Filter is a boolean expression over username,
// email, first_name, last_name, enabled, status and attributes, e.g.
// `status == "active" and email matches ".*@example.org"`.
type ListQuery struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Search   string `json:"search,omitempty"`
	Filter   string `json:"filter,omitempty"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type UserPage struct {
	Users      []UserView `json:"result"`
	Page       int        `json:"page"`
	Total      int        `json:"total"`
	NumOfPages int        `json:"num_of_pages"`
}

func (s *Service) ListUsers(ctx context.Context, q ListQuery) (*UserPage, error) {
	if q.Page < 0 {
		return nil, errx.Validation("page must not be negative")
	}
	if q.PageSize <= 0 {
		q.PageSize = 25
	}
	params := identity.ListParams{Username: q.Username, Email: q.Email, Search: q.Search}

	var (
		views []UserView
		total int
	)
	if strings.TrimSpace(q.Filter) == "" {
		params.First, params.Max = q.Page*q.PageSize, q.PageSize
		users, err := s.identity.ListUsers(ctx, params)
		if err != nil {
			return nil, errx.Upstream(errx.BackendIdentity, "list_users", err)
		}
		if total, err = s.identity.CountUsers(ctx, params); err != nil {
			return nil, errx.Upstream(errx.BackendIdentity, "count_users", err)
		}
		for i := range users {
			v, _ := s.view(ctx, &users[i], false)
			views = append(views, *v)
		}
	} else {
		eval, err := s.compileFilter(q.Filter)
		if err != nil {
			return nil, err
		}
		matched, err := s.scan(ctx, params, eval)
		if err != nil {
			return nil, err
		}
		total = len(matched)
		start := min(q.Page*q.PageSize, total)
		end := min(start+q.PageSize, total)
		views = matched[start:end]
	}

	if views == nil {
		views = []UserView{}
	}
	return &UserPage{
		Users:      views,
		Page:       q.Page,
		Total:      total,
		NumOfPages: int(math.Ceil(float64(total) / float64(q.PageSize))),
	}, nil
}

// scan walks every matching account and keeps those the filter accepts.
func (s *Service) scan(ctx context.Context, params identity.ListParams, eval *bexpr.Evaluator) ([]UserView, error) {
	var out []UserView
	for first := 0; ; first += scanPageSize {
		params.First, params.Max = first, scanPageSize
		users, err := s.identity.ListUsers(ctx, params)
		if err != nil {
			return nil, errx.Upstream(errx.BackendIdentity, "list_users", err)
		}
		for i := range users {
			v, _ := s.view(ctx, &users[i], false)
			// evaluation errors (a missing attribute) are non-matches
			if ok, err := eval.Evaluate(v.fields()); err == nil && ok {
				out = append(out, *v)
			}
		}
		if len(users) < scanPageSize {
			return out, nil
		}
	}
}

// compileFilter returns the evaluator for expr from the service cache.
func (s *Service) compileFilter(expr string) (*bexpr.Evaluator, error) {
	if eval, ok := s.filters.Get(expr); ok {
		return eval, nil
	}
	eval, err := bexpr.CreateEvaluator(expr)
	if err != nil {
		return nil, errx.Validation(fmt.Sprintf("invalid filter: %v", err))
	}
	s.filters.Add(expr, eval)
	return eval, nil
}

// UsersInRole pages the holders of a realm role.
func (s *Service) UsersInRole(ctx context.Context, roleName string, page, pageSize int) ([]identity.User, error) {
	if roleName == "" {
		return nil, errx.Validation("role is required")
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	users, err := s.identity.UsersInRole(ctx, roleName, max(page, 0)*pageSize, pageSize)
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "users_in_role", err)
	}
	if users == nil {
		users = []identity.User{}
	}
	return users, nil
}

// UpdateAttributes merges the writable attributes: last_login and
// announcement_<project code>.
func (s *Service) UpdateAttributes(ctx context.Context, userID string, attrs map[string]string) (map[string]string, error) {
	if len(attrs) == 0 {
		return nil, errx.Validation("no attributes given")
	}
	for k := range attrs {
		if k != identity.AttrLastLogin && !(strings.HasPrefix(k, identity.AnnouncementPrefix) && len(k) > len(identity.AnnouncementPrefix)) {
			return nil, errx.Validation(fmt.Sprintf("attribute %q cannot be updated", k))
		}
	}
	merged, err := s.identity.UpdateAttributes(ctx, userID, attrs)
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "update_attributes", err)
	}
	return merged, nil
}
