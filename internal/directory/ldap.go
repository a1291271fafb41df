package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/errx"
)

var searchAttributes = []string{"cn", "mail", "sAMAccountName", "givenName", "sn", "memberOf"}

// LDAP implements Service against an Active Directory style server.
type LDAP struct {
	Naming
	enabled  bool
	url      string
	bindDN   string
	password string
	tls      *tls.Config
}

var _ Service = (*LDAP)(nil)

// NewLDAP builds a directory client from configuration. A disabled config
// yields a client whose Enabled is false and whose Connect fails.
func NewLDAP(cfg config.LDAPConfig) *LDAP {
	return &LDAP{
		Naming: Naming{
			Prefix:     cfg.GroupPrefix,
			OU:         cfg.OU,
			DC1:        cfg.DC1,
			DC2:        cfg.DC2,
			UserGroup:  cfg.UserGroup,
			AdminGroup: cfg.AdminGroup,
		},
		enabled:  cfg.Enabled,
		url:      cfg.URL,
		bindDN:   cfg.BindDN,
		password: cfg.BindPassword,
		tls:      &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
	}
}

func (l *LDAP) Enabled() bool { return l.enabled }

// Connect dials and binds with the service account.
func (l *LDAP) Connect(ctx context.Context) (Session, error) {
	if !l.enabled {
		return nil, errx.New(errx.TypeInternal, "directory_disabled", "directory integration is disabled")
	}
	conn, err := ldap.DialURL(l.url, ldap.DialWithTLSConfig(l.tls))
	if err != nil {
		return nil, errx.Wrap(err, errx.TypeInternal, "directory_unavailable", "connect to directory").
			WithDetail("backend", errx.BackendDirectory)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}
	if err := conn.Bind(l.bindDN, l.password); err != nil {
		_ = conn.Close()
		return nil, errx.Wrap(err, errx.TypeInternal, "directory_unavailable", "bind to directory").
			WithDetail("backend", errx.BackendDirectory)
	}
	return &ldapSession{conn: conn, baseDN: l.BaseDN()}, nil
}

type ldapSession struct {
	conn   *ldap.Conn
	baseDN string
}

func (s *ldapSession) FindByEmail(ctx context.Context, email string) (*Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=user)(mail=%s))", ldap.EscapeFilter(email))
	return s.findExact(ctx, "find_by_email", filter, "mail", email)
}

func (s *ldapSession) FindByUsername(ctx context.Context, username string) (*Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(username))
	return s.findExact(ctx, "find_by_username", filter, "sAMAccountName", username)
}

// findExact runs filter and keeps the entry whose attr equals value. The
// server match may be looser than the caller expects.
func (s *ldapSession) findExact(_ context.Context, op, filter, attr, value string) (*Entry, error) {
	req := ldap.NewSearchRequest(
		s.baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		searchAttributes,
		nil,
	)
	res, err := s.conn.Search(req)
	if err != nil {
		return nil, errx.Upstream(errx.BackendDirectory, op, err)
	}

	var found *Entry
	for _, e := range res.Entries {
		if strings.EqualFold(e.GetAttributeValue(attr), value) {
			found = toEntry(e)
		}
	}
	if found == nil {
		return nil, errx.NotFound("directory entry", value)
	}
	return found, nil
}

func (s *ldapSession) AddToGroup(_ context.Context, userDN, groupDN string) error {
	log.Printf("directory: add %s to %s", userDN, groupDN)
	req := ldap.NewModifyRequest(groupDN, nil)
	req.Add("member", []string{userDN})
	return classifyModifyError("add_to_group", groupDN, s.conn.Modify(req))
}

func (s *ldapSession) RemoveFromGroup(_ context.Context, userDN, groupDN string) error {
	log.Printf("directory: remove %s from %s", userDN, groupDN)
	req := ldap.NewModifyRequest(groupDN, nil)
	req.Delete("member", []string{userDN})
	return classifyModifyError("remove_from_group", groupDN, s.conn.Modify(req))
}

func (s *ldapSession) Close() error {
	return s.conn.Unbind()
}

// classifyModifyError treats membership that is already in the requested
// state as success.
func classifyModifyError(op, groupDN string, err error) error {
	switch {
	case err == nil:
		return nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists),
		ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists):
		log.Printf("directory: already a member of %s, skipping", groupDN)
		return nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform):
		log.Printf("directory: not a member of %s, skipping", groupDN)
		return nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return errx.NotFound("group", groupDN)
	}
	return errx.Upstream(errx.BackendDirectory, op, err)
}

func toEntry(e *ldap.Entry) *Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = a.Values
	}
	return &Entry{DN: e.DN, Attributes: attrs}
}
