package fakes

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/identity"
)

// Identity method names, for Count and FailOn.
const (
	IdentityCreateUser        = "CreateUser"
	IdentityDeleteUser        = "DeleteUser"
	IdentityGetUserByID       = "GetUserByID"
	IdentityGetUserByUsername = "GetUserByUsername"
	IdentityGetUserByEmail    = "GetUserByEmail"
	IdentityListUsers         = "ListUsers"
	IdentityCountUsers        = "CountUsers"
	IdentityUsersInRole       = "UsersInRole"
	IdentityUpdateAttributes  = "UpdateAttributes"
	IdentitySetPassword       = "SetPassword"
	IdentityAssignRole        = "AssignRole"
	IdentityRemoveRoles       = "RemoveRoles"
	IdentityGetRoles          = "GetRoles"
	IdentityCreateRoles       = "CreateRoles"
	IdentityIssueToken        = "IssueToken"
	IdentityRefreshToken      = "RefreshToken"
)

// Identity is an in-memory identity.Service.
type Identity struct {
	*recorder

	mu         sync.Mutex
	seq        int
	users      map[string]*identity.User
	passwords  map[string]string
	userRoles  map[string]map[string]bool
	realmRoles map[string]bool
	refresh    map[string]string
}

var _ identity.Service = (*Identity)(nil)

func NewIdentity() *Identity {
	return &Identity{
		recorder: newRecorder(IdentityCreateUser, IdentityDeleteUser, IdentityUpdateAttributes,
			IdentitySetPassword, IdentityAssignRole, IdentityRemoveRoles, IdentityCreateRoles),
		users:      map[string]*identity.User{},
		passwords:  map[string]string{},
		userRoles:  map[string]map[string]bool{},
		realmRoles: map[string]bool{},
		refresh:    map[string]string{},
	}
}

// AddUser seeds an account without recording a call and returns its id.
func (f *Identity) AddUser(u identity.User, password string, roles ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == "" {
		f.seq++
		u.ID = fmt.Sprintf("kc-%d", f.seq)
	}
	if u.Attributes == nil {
		u.Attributes = map[string]string{}
	}
	f.users[u.ID] = &u
	f.passwords[u.ID] = password
	f.userRoles[u.ID] = map[string]bool{}
	for _, r := range roles {
		f.realmRoles[r] = true
		f.userRoles[u.ID][r] = true
	}
	return u.ID
}

// AddRealmRoles seeds realm roles.
func (f *Identity) AddRealmRoles(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.realmRoles[n] = true
	}
}

// HasRole reports whether user id holds roleName.
func (f *Identity) HasRole(id, roleName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userRoles[id][roleName]
}

// User returns a copy of the stored user.
func (f *Identity) User(id string) *identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil
	}
	return clone(u)
}

// RealmRoles lists the realm roles, sorted.
func (f *Identity) RealmRoles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.realmRoles))
	for r := range f.realmRoles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (f *Identity) CreateUser(_ context.Context, u identity.NewUser) (string, error) {
	if err := f.record(IdentityCreateUser, u.Username, u.Email); err != nil {
		return "", err
	}
	f.mu.Lock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Username, u.Username) {
			f.mu.Unlock()
			return "", errx.Conflict("user_exists", "user already exists")
		}
	}
	f.mu.Unlock()
	return f.AddUser(identity.User{
		Username:   u.Username,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Enabled:    true,
		Attributes: maps.Clone(u.Attributes),
		CreatedAt:  time.Now().UTC(),
	}, u.Password), nil
}

func (f *Identity) DeleteUser(_ context.Context, id string) error {
	if err := f.record(IdentityDeleteUser, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return errx.NotFound("user", id)
	}
	delete(f.users, id)
	delete(f.userRoles, id)
	return nil
}

func (f *Identity) GetUserByID(_ context.Context, id string) (*identity.User, error) {
	if err := f.record(IdentityGetUserByID, id); err != nil {
		return nil, err
	}
	if u := f.User(id); u != nil {
		return u, nil
	}
	return nil, errx.NotFound("user", id)
}

func (f *Identity) GetUserByUsername(_ context.Context, username string) (*identity.User, error) {
	if err := f.record(IdentityGetUserByUsername, username); err != nil {
		return nil, err
	}
	if u := f.find(func(u *identity.User) bool { return strings.EqualFold(u.Username, username) }); u != nil {
		return u, nil
	}
	return nil, errx.NotFound("user", username)
}

func (f *Identity) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	if err := f.record(IdentityGetUserByEmail, email); err != nil {
		return nil, err
	}
	if u := f.find(func(u *identity.User) bool { return strings.EqualFold(u.Email, email) }); u != nil {
		return u, nil
	}
	return nil, errx.NotFound("user", email)
}

func (f *Identity) ListUsers(_ context.Context, p identity.ListParams) ([]identity.User, error) {
	if err := f.record(IdentityListUsers, p.Username, p.Email, p.Search); err != nil {
		return nil, err
	}
	return page(f.matching(p), p.First, p.Max), nil
}

func (f *Identity) CountUsers(_ context.Context, p identity.ListParams) (int, error) {
	if err := f.record(IdentityCountUsers, p.Username, p.Email, p.Search); err != nil {
		return 0, err
	}
	return len(f.matching(p)), nil
}

func (f *Identity) UsersInRole(_ context.Context, roleName string, first, max int) ([]identity.User, error) {
	if err := f.record(IdentityUsersInRole, roleName); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if !f.realmRoles[roleName] {
		f.mu.Unlock()
		return nil, errx.NotFound("role", roleName)
	}
	var out []identity.User
	for id, roles := range f.userRoles {
		if roles[roleName] {
			out = append(out, *clone(f.users[id]))
		}
	}
	f.mu.Unlock()
	sortUsers(out)
	return page(out, first, max), nil
}

func (f *Identity) UpdateAttributes(_ context.Context, id string, attrs map[string]string) (map[string]string, error) {
	if err := f.record(IdentityUpdateAttributes, id, fmt.Sprint(attrs)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errx.NotFound("user", id)
	}
	maps.Copy(u.Attributes, attrs)
	return maps.Clone(u.Attributes), nil
}

func (f *Identity) SetPassword(_ context.Context, id, password string) error {
	if err := f.record(IdentitySetPassword, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return errx.NotFound("user", id)
	}
	f.passwords[id] = password
	return nil
}

func (f *Identity) AssignRole(_ context.Context, id, roleName string) error {
	if err := f.record(IdentityAssignRole, id, roleName); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return errx.NotFound("user", id)
	}
	if !f.realmRoles[roleName] {
		return errx.NotFound("role", roleName)
	}
	f.userRoles[id][roleName] = true
	return nil
}

func (f *Identity) RemoveRoles(_ context.Context, id string, roleNames []string) error {
	if err := f.record(IdentityRemoveRoles, append([]string{id}, roleNames...)...); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return errx.NotFound("user", id)
	}
	for _, r := range roleNames {
		delete(f.userRoles[id], r)
	}
	return nil
}

func (f *Identity) GetRoles(_ context.Context, id string) ([]identity.Role, error) {
	if err := f.record(IdentityGetRoles, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; !ok {
		return nil, errx.NotFound("user", id)
	}
	out := make([]identity.Role, 0, len(f.userRoles[id]))
	for r := range f.userRoles[id] {
		out = append(out, identity.Role{ID: "role-" + r, Name: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Identity) CreateRoles(_ context.Context, projectCode string, suffixes []string) ([]string, error) {
	if err := f.record(IdentityCreateRoles, append([]string{projectCode}, suffixes...)...); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var created []string
	for _, s := range suffixes {
		name := identity.RoleName(projectCode, s)
		if f.realmRoles[name] {
			continue
		}
		f.realmRoles[name] = true
		created = append(created, name)
	}
	return created, nil
}

func (f *Identity) IssueToken(_ context.Context, username, password string) (*identity.Token, error) {
	if err := f.record(IdentityIssueToken, username); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if strings.EqualFold(u.Username, username) && f.passwords[id] == password {
			return f.issueLocked(u.Username), nil
		}
	}
	return nil, identity.ErrAuthenticationFailed
}

func (f *Identity) RefreshToken(_ context.Context, refreshToken string) (*identity.Token, error) {
	if err := f.record(IdentityRefreshToken); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	username, ok := f.refresh[refreshToken]
	if !ok {
		return nil, identity.ErrAuthenticationFailed
	}
	delete(f.refresh, refreshToken)
	return f.issueLocked(username), nil
}

func (f *Identity) issueLocked(username string) *identity.Token {
	f.seq++
	tok := &identity.Token{
		AccessToken:      fmt.Sprintf("access-%s-%d", username, f.seq),
		RefreshToken:     fmt.Sprintf("refresh-%s-%d", username, f.seq),
		TokenType:        "Bearer",
		ExpiresIn:        300,
		RefreshExpiresIn: 1800,
	}
	f.refresh[tok.RefreshToken] = username
	return tok
}

func (f *Identity) find(match func(*identity.User) bool) *identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			return clone(u)
		}
	}
	return nil
}

func (f *Identity) matching(p identity.ListParams) []identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []identity.User
	for _, u := range f.users {
		if p.Username != "" && !containsFold(u.Username, p.Username) {
			continue
		}
		if p.Email != "" && !containsFold(u.Email, p.Email) {
			continue
		}
		if p.Search != "" && !containsFold(u.Username+" "+u.Email+" "+u.FirstName+" "+u.LastName, p.Search) {
			continue
		}
		out = append(out, *clone(u))
	}
	sortUsers(out)
	return out
}

func clone(u *identity.User) *identity.User {
	c := *u
	c.Attributes = maps.Clone(u.Attributes)
	return &c
}

func sortUsers(users []identity.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

func page(users []identity.User, first, max int) []identity.User {
	if first >= len(users) {
		return []identity.User{}
	}
	if first > 0 {
		users = users[first:]
	}
	if max > 0 && max < len(users) {
		users = users[:max]
	}
	if users == nil {
		return []identity.User{}
	}
	return users
}
