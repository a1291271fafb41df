// Package identity is the contract for the identity provider: the system of
// record for credentials, realm roles and the account status attribute.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilotdata/authsvc/internal/errx"
)

// User status values, stored in the "status" attribute.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Well-known attribute keys.
const (
	AttrStatus    = "status"
	AttrLastLogin = "last_login"

	// AnnouncementPrefix + project code stores the last announcement a user
	// has acknowledged for that project.
	AnnouncementPrefix = "announcement_"

	// LastLoginLayout is the UTC layout of the last_login attribute.
	LastLoginLayout = "2006-01-02T15:04:05"
)

// ErrAuthenticationFailed is returned when the provider rejects credentials
// or a refresh token.
var ErrAuthenticationFailed = errx.New(errx.TypeAuthentication, "invalid_credentials", "invalid credentials")

// RoleName is the realm role granting role within a project: "{code}-{role}".
func RoleName(projectCode, role string) string {
	return fmt.Sprintf("%s-%s", projectCode, role)
}

// SplitRoleName is the inverse of RoleName for roles that belong to
// projectCode. ok is false for roles of other projects.
func SplitRoleName(projectCode, roleName string) (role string, ok bool) {
	prefix := projectCode + "-"
	if projectCode == "" || !strings.HasPrefix(roleName, prefix) {
		return "", false
	}
	role = strings.TrimPrefix(roleName, prefix)
	return role, role != ""
}

// User is an identity provider account. Attributes hold the first value of
// each multi-valued provider attribute.
type User struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Email      string            `json:"email"`
	FirstName  string            `json:"first_name"`
	LastName   string            `json:"last_name"`
	Enabled    bool              `json:"enabled"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Attribute returns the named attribute or "".
func (u *User) Attribute(key string) string {
	if u == nil || u.Attributes == nil {
		return ""
	}
	return u.Attributes[key]
}

// Status returns the status attribute, or def when it is unset.
func (u *User) Status(def string) string {
	if s := u.Attribute(AttrStatus); s != "" {
		return s
	}
	return def
}

func (u *User) LastLogin() string {
	return u.Attribute(AttrLastLogin)
}

// Name is "First Last", trimmed.
func (u *User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// NewUser carries the fields needed to create an account.
type NewUser struct {
	Username  string
	Password  string
	Email     string
	FirstName string
	LastName  string
	// Attributes are set at creation, e.g. an initial status.
	Attributes map[string]string
}

// Role is a realm role.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListParams filters ListUsers. Username, Email and Search are substring
// matches on the provider side.
type ListParams struct {
	Username string
	Email    string
	Search   string
	First    int
	Max      int
}

// Token is an issued token pair. Expiry values are in seconds.
type Token struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// Service is the identity provider. Lookups of absent users return an errx
// NOT_FOUND; rejected credentials return ErrAuthenticationFailed; anything
// else is an errx EXTERNAL error for backend "identity".
type Service interface {
	CreateUser(ctx context.Context, u NewUser) (string, error)
	DeleteUser(ctx context.Context, id string) error

	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// GetUserByEmail returns only an exact (case-insensitive) match.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, params ListParams) ([]User, error)
	CountUsers(ctx context.Context, params ListParams) (int, error)
	UsersInRole(ctx context.Context, roleName string, first, max int) ([]User, error)

	// UpdateAttributes merges attrs into the stored attributes and returns
	// the merged set.
	UpdateAttributes(ctx context.Context, id string, attrs map[string]string) (map[string]string, error)
	SetPassword(ctx context.Context, id, password string) error

	AssignRole(ctx context.Context, id, roleName string) error
	RemoveRoles(ctx context.Context, id string, roleNames []string) error
	GetRoles(ctx context.Context, id string) ([]Role, error)
	// CreateRoles creates RoleName(projectCode, s) for every suffix and
	// returns the created names. Existing roles are left alone.
	CreateRoles(ctx context.Context, projectCode string, suffixes []string) ([]string, error)

	IssueToken(ctx context.Context, username, password string) (*Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}
