package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Nerzal/gocloak/v13"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/errx"
)

// adminTokenSkew refreshes the service-account token this long before it expires.
const adminTokenSkew = 10 * time.Second

// Keycloak implements Service against a Keycloak realm. Admin calls use the
// client's service account; token issuance goes through the realm token
// endpoint (see tokens.go).
type Keycloak struct {
	client       *gocloak.GoCloak
	realm        string
	clientID     string
	clientSecret string
	tokens       *tokenIssuer

	mu           sync.Mutex
	adminToken   string
	adminExpires time.Time
}

var _ Service = (*Keycloak)(nil)

// NewKeycloak creates a realm client. No request is made until first use.
func NewKeycloak(cfg config.KeycloakConfig) (*Keycloak, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(cfg.ServerURL, "/")
	return &Keycloak{
		client:       gocloak.NewClient(base),
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokens:       newTokenIssuer(base, cfg.Realm, cfg.ClientID, cfg.ClientSecret),
	}, nil
}

// token returns a cached service-account access token.
func (k *Keycloak) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.adminToken != "" && time.Now().Before(k.adminExpires) {
		return k.adminToken, nil
	}
	jwt, err := k.client.LoginClient(ctx, k.clientID, k.clientSecret, k.realm)
	if err != nil {
		return "", errx.Upstream(errx.BackendIdentity, "login_client", err)
	}
	k.adminToken = jwt.AccessToken
	k.adminExpires = time.Now().Add(time.Duration(jwt.ExpiresIn)*time.Second - adminTokenSkew)
	return k.adminToken, nil
}

func (k *Keycloak) CreateUser(ctx context.Context, u NewUser) (string, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return "", err
	}
	user := gocloak.User{
		Username:  gocloak.StringP(u.Username),
		Email:     gocloak.StringP(u.Email),
		FirstName: gocloak.StringP(u.FirstName),
		LastName:  gocloak.StringP(u.LastName),
		Enabled:   gocloak.BoolP(true),
	}
	if u.Password != "" {
		user.Credentials = &[]gocloak.CredentialRepresentation{{
			Type:      gocloak.StringP("password"),
			Value:     gocloak.StringP(u.Password),
			Temporary: gocloak.BoolP(false),
		}}
	}
	if len(u.Attributes) > 0 {
		attrs := toMultiValued(u.Attributes)
		user.Attributes = &attrs
	}

	id, err := k.client.CreateUser(ctx, tok, k.realm, user)
	if err != nil {
		if apiStatus(err) == http.StatusConflict {
			return "", errx.Conflict("user_exists", fmt.Sprintf("user %s already exists", u.Username)).
				WithDetail("username", u.Username)
		}
		return "", errx.Upstream(errx.BackendIdentity, "create_user", err)
	}
	return id, nil
}

func (k *Keycloak) DeleteUser(ctx context.Context, id string) error {
	tok, err := k.token(ctx)
	if err != nil {
		return err
	}
	if err := k.client.DeleteUser(ctx, tok, k.realm, id); err != nil {
		return k.classify(err, "delete_user", "user", id)
	}
	return nil
}

func (k *Keycloak) GetUserByID(ctx context.Context, id string) (*User, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	u, err := k.client.GetUserByID(ctx, tok, k.realm, id)
	if err != nil {
		return nil, k.classify(err, "get_user_by_id", "user", id)
	}
	return fromGocloak(u), nil
}

func (k *Keycloak) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	users, err := k.search(ctx, "get_user_by_username", gocloak.GetUsersParams{
		Username: gocloak.StringP(username),
		Exact:    gocloak.BoolP(true),
	})
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Username, username) {
			return &users[i], nil
		}
	}
	return nil, errx.NotFound("user", username)
}

func (k *Keycloak) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	users, err := k.search(ctx, "get_user_by_email", gocloak.GetUsersParams{
		Email: gocloak.StringP(email),
	})
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i], nil
		}
	}
	return nil, errx.NotFound("user", email)
}

func (k *Keycloak) ListUsers(ctx context.Context, p ListParams) ([]User, error) {
	return k.search(ctx, "list_users", listParams(p))
}

func (k *Keycloak) CountUsers(ctx context.Context, p ListParams) (int, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return 0, err
	}
	params := listParams(p)
	params.First, params.Max = nil, nil
	n, err := k.client.GetUserCount(ctx, tok, k.realm, params)
	if err != nil {
		return 0, errx.Upstream(errx.BackendIdentity, "count_users", err)
	}
	return n, nil
}

func (k *Keycloak) UsersInRole(ctx context.Context, roleName string, first, max int) ([]User, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	params := gocloak.GetUsersByRoleParams{First: gocloak.IntP(first)}
	if max > 0 {
		params.Max = gocloak.IntP(max)
	}
	users, err := k.client.GetUsersByRoleName(ctx, tok, k.realm, roleName, params)
	if err != nil {
		return nil, k.classify(err, "users_in_role", "role", roleName)
	}
	return fromGocloakList(users), nil
}

func (k *Keycloak) UpdateAttributes(ctx context.Context, id string, attrs map[string]string) (map[string]string, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	u, err := k.client.GetUserByID(ctx, tok, k.realm, id)
	if err != nil {
		return nil, k.classify(err, "get_user_by_id", "user", id)
	}

	merged := map[string][]string{}
	if u.Attributes != nil {
		for key, v := range *u.Attributes {
			merged[key] = v
		}
	}
	for key, v := range attrs {
		merged[key] = []string{v}
	}
	u.Attributes = &merged

	if err := k.client.UpdateUser(ctx, tok, k.realm, *u); err != nil {
		return nil, k.classify(err, "update_user", "user", id)
	}
	return flatten(merged), nil
}

func (k *Keycloak) SetPassword(ctx context.Context, id, password string) error {
	tok, err := k.token(ctx)
	if err != nil {
		return err
	}
	if err := k.client.SetPassword(ctx, tok, id, k.realm, password, false); err != nil {
		if apiStatus(err) == http.StatusBadRequest {
			return errx.Wrap(err, errx.TypeValidation, "password_policy", "password rejected by identity provider")
		}
		return k.classify(err, "set_password", "user", id)
	}
	return nil
}

func (k *Keycloak) AssignRole(ctx context.Context, id, roleName string) error {
	tok, err := k.token(ctx)
	if err != nil {
		return err
	}
	role, err := k.client.GetRealmRole(ctx, tok, k.realm, roleName)
	if err != nil {
		return k.classify(err, "get_realm_role", "role", roleName)
	}
	if err := k.client.AddRealmRoleToUser(ctx, tok, k.realm, id, []gocloak.Role{*role}); err != nil {
		return k.classify(err, "assign_role", "user", id)
	}
	return nil
}

// RemoveRoles revokes the named roles. Roles that do not exist are skipped.
func (k *Keycloak) RemoveRoles(ctx context.Context, id string, roleNames []string) error {
	if len(roleNames) == 0 {
		return nil
	}
	tok, err := k.token(ctx)
	if err != nil {
		return err
	}
	roles := make([]gocloak.Role, 0, len(roleNames))
	for _, name := range roleNames {
		role, err := k.client.GetRealmRole(ctx, tok, k.realm, name)
		if err != nil {
			if apiStatus(err) == http.StatusNotFound {
				log.Printf("WARNING: identity: role %s does not exist, skipping removal", name)
				continue
			}
			return errx.Upstream(errx.BackendIdentity, "get_realm_role", err)
		}
		roles = append(roles, *role)
	}
	if len(roles) == 0 {
		return nil
	}
	if err := k.client.DeleteRealmRoleFromUser(ctx, tok, k.realm, id, roles); err != nil {
		return k.classify(err, "remove_roles", "user", id)
	}
	return nil
}

func (k *Keycloak) GetRoles(ctx context.Context, id string) ([]Role, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := k.client.GetRealmRolesByUserID(ctx, tok, k.realm, id)
	if err != nil {
		return nil, k.classify(err, "get_roles", "user", id)
	}
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		if r == nil {
			continue
		}
		out = append(out, Role{
			ID:          gocloak.PString(r.ID),
			Name:        gocloak.PString(r.Name),
			Description: gocloak.PString(r.Description),
		})
	}
	return out, nil
}

func (k *Keycloak) CreateRoles(ctx context.Context, projectCode string, suffixes []string) ([]string, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	created := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		name := RoleName(projectCode, suffix)
		_, err := k.client.CreateRealmRole(ctx, tok, k.realm, gocloak.Role{Name: gocloak.StringP(name)})
		if err != nil {
			if apiStatus(err) == http.StatusConflict {
				continue
			}
			return created, errx.Upstream(errx.BackendIdentity, "create_role", err)
		}
		created = append(created, name)
	}
	return created, nil
}

func (k *Keycloak) IssueToken(ctx context.Context, username, password string) (*Token, error) {
	return k.tokens.issue(ctx, username, password)
}

func (k *Keycloak) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	return k.tokens.refresh(ctx, refreshToken)
}

func (k *Keycloak) search(ctx context.Context, op string, params gocloak.GetUsersParams) ([]User, error) {
	tok, err := k.token(ctx)
	if err != nil {
		return nil, err
	}
	users, err := k.client.GetUsers(ctx, tok, k.realm, params)
	if err != nil {
		return nil, errx.Upstream(errx.BackendIdentity, op, err)
	}
	return fromGocloakList(users), nil
}

// classify maps a 404 to NOT_FOUND and everything else to an upstream error.
func (k *Keycloak) classify(err error, op, entity, key string) error {
	if apiStatus(err) == http.StatusNotFound {
		return errx.NotFound(entity, key)
	}
	return errx.Upstream(errx.BackendIdentity, op, err)
}

func apiStatus(err error) int {
	var apiErr *gocloak.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func listParams(p ListParams) gocloak.GetUsersParams {
	params := gocloak.GetUsersParams{First: gocloak.IntP(p.First)}
	if p.Max > 0 {
		params.Max = gocloak.IntP(p.Max)
	}
	if p.Username != "" {
		params.Username = gocloak.StringP(p.Username)
	}
	if p.Email != "" {
		params.Email = gocloak.StringP(p.Email)
	}
	if p.Search != "" {
		params.Search = gocloak.StringP(p.Search)
	}
	return params
}

func fromGocloakList(users []*gocloak.User) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		if u == nil {
			continue
		}
		out = append(out, *fromGocloak(u))
	}
	return out
}

func fromGocloak(u *gocloak.User) *User {
	user := &User{
		ID:        gocloak.PString(u.ID),
		Username:  gocloak.PString(u.Username),
		Email:     gocloak.PString(u.Email),
		FirstName: gocloak.PString(u.FirstName),
		LastName:  gocloak.PString(u.LastName),
		Enabled:   u.Enabled != nil && *u.Enabled,
	}
	if u.CreatedTimestamp != nil {
		user.CreatedAt = time.UnixMilli(*u.CreatedTimestamp).UTC()
	}
	if u.Attributes != nil {
		user.Attributes = flatten(*u.Attributes)
	}
	return user
}

func flatten(attrs map[string][]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func toMultiValued(attrs map[string]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		out[k] = []string{v}
	}
	return out
}
