// Package directory is the contract for the directory service, the system of
// record for group-based access. Sessions are request scoped: Connect binds,
// Close unbinds.
package directory

import (
	"context"
	"fmt"
	"strings"
)

// Service opens directory sessions and names groups.
type Service interface {
	// Enabled is false when no directory is configured. Callers skip
	// directory steps entirely in that case.
	Enabled() bool
	Connect(ctx context.Context) (Session, error)

	GroupDN(groupCode string) string
	UserGroupDN() string
	AdminGroupDN() string
}

// Session is one bound connection.
type Session interface {
	// FindByEmail and FindByUsername return an errx NOT_FOUND when no entry matches exactly.
	FindByEmail(ctx context.Context, email string) (*Entry, error)
	FindByUsername(ctx context.Context, username string) (*Entry, error)

	// AddToGroup succeeds when the user is already a member.
	AddToGroup(ctx context.Context, userDN, groupDN string) error
	// RemoveFromGroup succeeds when the user is not a member.
	RemoveFromGroup(ctx context.Context, userDN, groupDN string) error

	Close() error
}

// Entry is a directory object.
type Entry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// First returns the first value of attr.
func (e *Entry) First(attr string) string {
	if e == nil {
		return ""
	}
	if v := e.Attributes[attr]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (e *Entry) Email() string    { return e.First("mail") }
func (e *Entry) Username() string { return e.First("sAMAccountName") }

// MemberOf lists the DNs of the groups the entry belongs to.
func (e *Entry) MemberOf() []string {
	if e == nil {
		return nil
	}
	return e.Attributes["memberOf"]
}

// IsMemberOf reports whether groupDN is among MemberOf, ignoring case.
func (e *Entry) IsMemberOf(groupDN string) bool {
	for _, dn := range e.MemberOf() {
		if strings.EqualFold(dn, groupDN) {
			return true
		}
	}
	return false
}

// Naming composes group distinguished names:
// cn={Prefix}-{code},ou=Gruppen,ou={OU},dc={DC1},dc={DC2}
type Naming struct {
	Prefix     string
	OU         string
	DC1        string
	DC2        string
	UserGroup  string
	AdminGroup string
}

func (n Naming) GroupDN(groupCode string) string {
	return strings.Join([]string{
		fmt.Sprintf("cn=%s-%s", n.Prefix, groupCode),
		"ou=Gruppen",
		"ou=" + n.OU,
		"dc=" + n.DC1,
		"dc=" + n.DC2,
	}, ",")
}

func (n Naming) UserGroupDN() string  { return n.GroupDN(n.UserGroup) }
func (n Naming) AdminGroupDN() string { return n.GroupDN(n.AdminGroup) }

// BaseDN is the search root: dc={DC1},dc={DC2}.
func (n Naming) BaseDN() string {
	return fmt.Sprintf("dc=%s,dc=%s", n.DC1, n.DC2)
}
