// Package account holds the administrative operations around a platform
// account: project role provisioning, directory groups, user views,
// password reset and self-service account requests. Grants and revocations
// of project access go through the lifecycle reconciler.
package account

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/go-bexpr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/directory"
	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/graph"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/notify"
	"github.com/pilotdata/authsvc/internal/resetstore"
	"github.com/pilotdata/authsvc/internal/services/lifecycle"
)

// DefaultProjectRoles are provisioned for a new project.
var DefaultProjectRoles = lifecycle.ProjectRoles

// Group operations.
const (
	GroupAdd    = "add"
	GroupRemove = "remove"
)

// Config holds the account settings.
type Config struct {
	AdminRole      string
	Email          config.EmailConfig
	ResetExpiry    time.Duration
	ResetURLPrefix string
	TestAccount    config.TestAccountConfig

	// FilterCacheSize bounds the compiled list filters kept in memory.
	FilterCacheSize int
}

type Service struct {
	identity  identity.Service
	directory directory.Service
	graph     graph.Service
	notifier  notify.Notifier
	resets    resetstore.Store
	filters   *lru.Cache[string, *bexpr.Evaluator]
	cfg       Config
	now       func() time.Time
}

func NewService(id identity.Service, dir directory.Service, g graph.Service,
	notifier notify.Notifier, resets resetstore.Store, cfg Config) (*Service, error) {
	if cfg.AdminRole == "" {
		cfg.AdminRole = "platform-admin"
	}
	if cfg.ResetExpiry <= 0 {
		cfg.ResetExpiry = 24 * time.Hour
	}
	if cfg.FilterCacheSize == 0 {
		cfg.FilterCacheSize = 128
	}
	filters, err := lru.New[string, *bexpr.Evaluator](cfg.FilterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create filter cache: %w", err)
	}
	return &Service{
		identity: id, directory: dir, graph: g, notifier: notifier, resets: resets,
		filters: filters, cfg: cfg, now: time.Now,
	}, nil
}

// GroupChange is the outcome of ChangeGroupMembership.
type GroupChange struct {
	UserDN    string `json:"user_dn"`
	GroupDN   string `json:"group_dn"`
	Operation string `json:"operation"`
}

// ChangeGroupMembership adds the directory user with email to, or removes
// it from, the group for groupCode.
func (s *Service) ChangeGroupMembership(ctx context.Context, email, groupCode, operation string) (*GroupChange, error) {
	if operation != GroupAdd && operation != GroupRemove {
		return nil, errx.Validation(fmt.Sprintf("operation must be %s or %s", GroupAdd, GroupRemove))
	}
	if email == "" || groupCode == "" {
		return nil, errx.Validation("email and group_code are required")
	}
	if !s.directory.Enabled() {
		return nil, errx.New(errx.TypeValidation, "directory_disabled", "directory integration is disabled")
	}

	change := &GroupChange{GroupDN: s.directory.GroupDN(groupCode), Operation: operation}
	err := s.withSession(ctx, email, func(sess directory.Session, userDN string) error {
		change.UserDN = userDN
		if operation == GroupAdd {
			return sess.AddToGroup(ctx, userDN, change.GroupDN)
		}
		return sess.RemoveFromGroup(ctx, userDN, change.GroupDN)
	})
	if err != nil {
		return nil, errx.Upstream(errx.BackendDirectory, operation+"_group", err)
	}
	return change, nil
}

// CreateProjectRoles provisions the identity roles of a project. Empty
// suffixes means DefaultProjectRoles.
func (s *Service) CreateProjectRoles(ctx context.Context, projectCode string, suffixes []string) ([]string, error) {
	if projectCode == "" {
		return nil, errx.Validation("project_code is required")
	}
	if len(suffixes) == 0 {
		suffixes = DefaultProjectRoles
	}
	created, err := s.identity.CreateRoles(ctx, projectCode, suffixes)
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, "create_roles", err)
	}
	return created, nil
}

// withSession runs fn against a directory session bound to the user's DN.
// It does nothing when directory integration is disabled.
func (s *Service) withSession(ctx context.Context, email string, fn func(directory.Session, string) error) error {
	if !s.directory.Enabled() {
		return nil
	}
	sess, err := s.directory.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("WARNING: account: close directory session: %v", err)
		}
	}()
	entry, err := sess.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	return fn(sess, entry.DN)
}
