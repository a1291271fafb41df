package fakes

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pilotdata/authsvc/internal/directory"
	"github.com/pilotdata/authsvc/internal/errx"
)

// Directory method names.
const (
	DirectoryConnect         = "Connect"
	DirectoryClose           = "Close"
	DirectoryFindByEmail     = "FindByEmail"
	DirectoryFindByUsername  = "FindByUsername"
	DirectoryAddToGroup      = "AddToGroup"
	DirectoryRemoveFromGroup = "RemoveFromGroup"
)

// Directory is an in-memory directory.Service. Sessions share its state.
type Directory struct {
	*recorder
	directory.Naming
	enabled bool

	mu      sync.Mutex
	entries []*directory.Entry
	members map[string]map[string]bool
}

var _ directory.Service = (*Directory)(nil)

// NewDirectory returns an enabled directory using the vre naming scheme
// under dc=example,dc=org.
func NewDirectory() *Directory {
	return &Directory{
		recorder: newRecorder(DirectoryAddToGroup, DirectoryRemoveFromGroup),
		Naming: directory.Naming{
			Prefix: "vre", OU: "VRE", DC1: "example", DC2: "org",
			UserGroup: "users", AdminGroup: "admins",
		},
		enabled: true,
		members: map[string]map[string]bool{},
	}
}

// SetEnabled toggles directory integration.
func (f *Directory) SetEnabled(v bool) { f.enabled = v }

func (f *Directory) Enabled() bool { return f.enabled }

// AddEntry seeds a user entry and returns its DN.
func (f *Directory) AddEntry(email, username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	dn := "CN=" + username + ",OU=People,DC=" + f.DC1 + ",DC=" + f.DC2
	f.entries = append(f.entries, &directory.Entry{DN: dn, Attributes: map[string][]string{
		"mail":           {email},
		"sAMAccountName": {username},
	}})
	return dn
}

// SetMember seeds group membership without recording a call.
func (f *Directory) SetMember(groupDN, userDN string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setMemberLocked(groupDN, userDN, true)
}

// IsMember reports whether userDN belongs to groupDN.
func (f *Directory) IsMember(groupDN, userDN string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[strings.ToLower(groupDN)][strings.ToLower(userDN)]
}

// GroupsOf lists the groups userDN belongs to, sorted.
func (f *Directory) GroupsOf(userDN string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for g, m := range f.members {
		if m[strings.ToLower(userDN)] {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Directory) Connect(_ context.Context) (directory.Session, error) {
	if err := f.record(DirectoryConnect); err != nil {
		return nil, err
	}
	if !f.enabled {
		return nil, errx.New(errx.TypeInternal, "directory_disabled", "directory integration is disabled")
	}
	return &directorySession{f: f}, nil
}

func (f *Directory) setMemberLocked(groupDN, userDN string, member bool) {
	g := strings.ToLower(groupDN)
	if f.members[g] == nil {
		f.members[g] = map[string]bool{}
	}
	if member {
		f.members[g][strings.ToLower(userDN)] = true
	} else {
		delete(f.members[g], strings.ToLower(userDN))
	}
}

func (f *Directory) find(attr, value string) *directory.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if strings.EqualFold(e.First(attr), value) {
			c := *e
			var memberOf []string
			for g, m := range f.members {
				if m[strings.ToLower(e.DN)] {
					memberOf = append(memberOf, g)
				}
			}
			sort.Strings(memberOf)
			c.Attributes = map[string][]string{
				"mail":           e.Attributes["mail"],
				"sAMAccountName": e.Attributes["sAMAccountName"],
				"memberOf":       memberOf,
			}
			return &c
		}
	}
	return nil
}

type directorySession struct {
	f *Directory
}

func (s *directorySession) FindByEmail(_ context.Context, email string) (*directory.Entry, error) {
	if err := s.f.record(DirectoryFindByEmail, email); err != nil {
		return nil, err
	}
	if e := s.f.find("mail", email); e != nil {
		return e, nil
	}
	return nil, errx.NotFound("directory entry", email)
}

func (s *directorySession) FindByUsername(_ context.Context, username string) (*directory.Entry, error) {
	if err := s.f.record(DirectoryFindByUsername, username); err != nil {
		return nil, err
	}
	if e := s.f.find("sAMAccountName", username); e != nil {
		return e, nil
	}
	return nil, errx.NotFound("directory entry", username)
}

func (s *directorySession) AddToGroup(_ context.Context, userDN, groupDN string) error {
	if err := s.f.record(DirectoryAddToGroup, userDN, groupDN); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.setMemberLocked(groupDN, userDN, true)
	return nil
}

func (s *directorySession) RemoveFromGroup(_ context.Context, userDN, groupDN string) error {
	if err := s.f.record(DirectoryRemoveFromGroup, userDN, groupDN); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.setMemberLocked(groupDN, userDN, false)
	return nil
}

func (s *directorySession) Close() error {
	return s.f.record(DirectoryClose)
}
