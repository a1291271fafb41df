package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/db/bunx"
	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/fakes"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/migrations"
	"github.com/pilotdata/authsvc/internal/policy"
	"github.com/pilotdata/authsvc/internal/repository"
	"github.com/pilotdata/authsvc/internal/resetstore"
	"github.com/pilotdata/authsvc/internal/services/account"
	"github.com/pilotdata/authsvc/internal/services/invitation"
	"github.com/pilotdata/authsvc/internal/services/lifecycle"
	"github.com/pilotdata/authsvc/internal/services/session"
	"github.com/pilotdata/authsvc/internal/services/validation"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

const rolesHeader = "X-Test-Roles"

// headerVerifier stands in for bearer verification: the caller's roles come
// from a header and a missing header is unauthenticated.
func headerVerifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(rolesHeader)
		if raw == "" {
			writeError(w, r, errx.New(errx.TypeAuthentication, "missing_token", "bearer token required"))
			return
		}
		p := &Principal{Username: "tester", Roles: strings.Split(raw, ",")}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

type testServer struct {
	srv      *httptest.Server
	identity *fakes.Identity
	graph    *fakes.Graph
	dir      *fakes.Directory
	notifier *fakes.Notifier
	sessions *session.Manager
	registry *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, "file:"+bunx.NewToken()+"?mode=memory&cache=shared", bunx.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(ctx, db))

	ts := &testServer{
		identity: fakes.NewIdentity(),
		graph:    fakes.NewGraph(),
		dir:      fakes.NewDirectory(),
		registry: prometheus.NewRegistry(),
	}
	collector := telemetry.NewCollector(ts.registry)

	engine, err := policy.NewEngine(db, collector)
	require.NoError(t, err)
	validator, err := validation.NewSchemaValidator(16)
	require.NoError(t, err)

	emailCfg := config.EmailConfig{
		Admin: "admin@example.org", Support: "support@example.org", Helpdesk: "help@example.org",
		LoginURL: "https://portal.example.org", Domain: "example.org", PlatformName: "Pilot",
	}
	notifier := fakes.NewNotifier()
	ts.notifier = notifier
	ts.sessions = session.NewManager(ts.identity, collector)
	t.Cleanup(ts.sessions.Wait)

	accounts, err := account.NewService(ts.identity, ts.dir, ts.graph, notifier, resetstore.NewMemory(time.Hour), account.Config{
		AdminRole: "platform-admin", Email: emailCfg, ResetExpiry: time.Hour, ResetURLPrefix: "https://portal.example.org/",
		TestAccount: config.TestAccountConfig{ProjectCode: "sandbox", ProjectName: "Sandbox", Role: "contributor"},
	})
	require.NoError(t, err)

	h := &Handlers{
		Sessions:  ts.sessions,
		Lifecycle: lifecycle.NewReconciler(ts.identity, ts.dir, ts.graph, collector),
		Invitations: invitation.NewService(repository.NewBunInvitationRepository(db), ts.identity, ts.dir, ts.graph,
			notifier, invitation.Config{Expiry: time.Hour, AdminRole: "platform-admin", Email: emailCfg}, collector),
		Accounts:  accounts,
		Policy:    engine,
		Validator: validator,
	}

	ts.srv = httptest.NewServer(NewRouter(RouterOptions{
		Handlers:   h,
		Verifier:   headerVerifier,
		Authorizer: engine,
		Metrics:    collector,
		Gatherer:   ts.registry,
	}))
	t.Cleanup(ts.srv.Close)

	ts.identity.AddUser(identity.User{
		Username: "admin", Email: "pi@example.org", Enabled: true,
		Attributes: map[string]string{identity.AttrStatus: identity.StatusActive},
	}, "secret", "platform-admin")
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, roles string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if roles != "" {
		req.Header.Set(rolesHeader, roles)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.srv.Client().Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/users/auth", "", map[string]string{"username": "admin", "password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := body["result"].(map[string]any)
	assert.NotEmpty(t, result["access_token"])
	assert.NotEmpty(t, result["refresh_token"])

	resp, body = ts.do(t, http.MethodPost, "/v1/users/refresh", "", map[string]string{"refresh_token": result["refresh_token"].(string)})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["result"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/users/auth", "", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/v1/users/auth", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["error"].(map[string]any)["type"])
}

func TestLoginDisabledAccount(t *testing.T) {
	ts := newTestServer(t)
	ts.identity.AddUser(identity.User{
		Username: "dora", Email: "dora@example.org",
		Attributes: map[string]string{identity.AttrStatus: identity.StatusDisabled},
	}, "pw")

	resp, body := ts.do(t, http.MethodPost, "/v1/users/auth", "", map[string]string{"username": "dora", "password": "pw"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "account_disabled", errorCode(body))
}

func TestAdminRoutesRequirePermission(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		roles string
		want  int
	}{
		{"unauthenticated", "", http.StatusUnauthorized},
		{"project role only", "proj1-collaborator,contributor", http.StatusForbidden},
		{"platform admin", "offline_access,platform-admin", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodGet, "/v1/admin/users", tt.roles, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestUpdateAccountDisable(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.graph.AddUser("geid-alice", "alice@example.org", identity.StatusActive)
	pid := ts.graph.AddProject("geid-p1", "proj1", "Project One")
	ts.graph.Relate(uid, pid, "collaborator", lifecycle.RelationActive)
	ts.identity.AddRealmRoles("proj1-collaborator")
	ts.identity.AddUser(identity.User{
		Username: "alice", Email: "alice@example.org", Enabled: true,
		Attributes: map[string]string{identity.AttrStatus: identity.StatusActive},
	}, "pw", "proj1-collaborator")
	dn := ts.dir.AddEntry("alice@example.org", "alice")
	ts.dir.SetMember(ts.dir.GroupDN("proj1"), dn)

	resp, body := ts.do(t, http.MethodPut, "/v1/user/account", "platform-admin",
		map[string]string{"operation": "disable", "email": "alice@example.org"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.False(t, ts.dir.IsMember(ts.dir.GroupDN("proj1"), dn))
	assert.Equal(t, lifecycle.RelationDisable, ts.graph.Relation(uid, pid).Status())

	resp, body = ts.do(t, http.MethodPut, "/v1/user/account", "platform-admin",
		map[string]string{"operation": "disable", "email": "alice@example.org"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(body))

	resp, _ = ts.do(t, http.MethodPut, "/v1/user/account", "platform-admin",
		map[string]string{"operation": "delete", "email": "alice@example.org"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProjectRoleRoutes(t *testing.T) {
	ts := newTestServer(t)
	uid := ts.graph.AddUser("geid-bob", "bob@example.org", identity.StatusActive)
	pid := ts.graph.AddProject("geid-p1", "proj1", "Project One")
	ts.identity.AddRealmRoles("proj1-collaborator")
	kcID := ts.identity.AddUser(identity.User{
		Username: "bob", Email: "bob@example.org", Enabled: true,
		Attributes: map[string]string{identity.AttrStatus: identity.StatusActive},
	}, "pw")
	dn := ts.dir.AddEntry("bob@example.org", "bob")
	grant := map[string]string{"email": "bob@example.org", "project_code": "proj1", "role": "collaborator"}

	resp, body := ts.do(t, http.MethodPut, "/v1/admin/project-roles", "platform-admin", grant)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.True(t, ts.identity.HasRole(kcID, "proj1-collaborator"))
	assert.True(t, ts.dir.IsMember(ts.dir.GroupDN("proj1"), dn))

	resp, body = ts.do(t, http.MethodDelete, "/v1/admin/project-roles?email=bob@example.org&project_code=proj1", "platform-admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, lifecycle.RelationDisable, ts.graph.Relation(uid, pid).Status())

	resp, body = ts.do(t, http.MethodPut, "/v1/user/account", "platform-admin",
		map[string]string{"operation": "disable", "email": "bob@example.org"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = ts.do(t, http.MethodPut, "/v1/admin/project-roles", "platform-admin", grant)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(body))
	assert.False(t, ts.identity.HasRole(kcID, "proj1-collaborator"))
	assert.False(t, ts.dir.IsMember(ts.dir.GroupDN("proj1"), dn))
	assert.Equal(t, lifecycle.RelationDisable, ts.graph.Relation(uid, pid).Status())
}

func TestAccountRequestRoutes(t *testing.T) {
	ts := newTestServer(t)
	dn := ts.dir.AddEntry("newbie@example.org", "newbie")
	ts.graph.AddUser("geid-newbie", "newbie@example.org", identity.StatusActive)

	resp, body := ts.do(t, http.MethodPost, "/v1/accounts", "",
		map[string]string{"username": "newbie", "email": "newbie@example.org"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "approved", body["result"].(map[string]any)["outcome"])
	assert.True(t, ts.dir.IsMember(ts.dir.GroupDN("sandbox"), dn))

	resp, body = ts.do(t, http.MethodPost, "/v1/accounts", "",
		map[string]string{"username": "admin", "email": "pi@example.org"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "duplicate_user", errorCode(body))

	resp, _ = ts.do(t, http.MethodPost, "/v1/accounts", "", map[string]string{"email": "x@example.org"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	before := len(ts.notifier.Sent())
	resp, body = ts.do(t, http.MethodPost, "/v1/accounts/contract", "", map[string]string{
		"email": "carol@example.org", "first_name": "Carol", "last_name": "Danvers",
		"contract_description": "agreement", "interest_description": "research",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, ts.notifier.Sent(), before+2)

	resp, body = ts.do(t, http.MethodGet, "/v1/user/status?email=newbie@example.org", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, identity.StatusActive, body["result"].(map[string]any)["status"])

	resp, _ = ts.do(t, http.MethodGet, "/v1/user/status?email=ghost@example.org", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvitationConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.graph.AddProject("g1", "proj1", "Project One")
	req := map[string]any{
		"email":         "new@example.org",
		"platform_role": "member",
		"invited_by":    "admin",
		"relationship":  map[string]string{"project_geid": "g1", "project_role": "collaborator"},
	}

	resp, body := ts.do(t, http.MethodPost, "/v1/invitations/", "platform-admin", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "created", body["result"].(map[string]any)["outcome"])

	resp, body = ts.do(t, http.MethodPost, "/v1/invitations/", "platform-admin", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(invitation.OutcomeDuplicateInvitation), errorCode(body))

	req["email"] = "pi@example.org"
	resp, body = ts.do(t, http.MethodPost, "/v1/invitations/", "platform-admin", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(invitation.OutcomeUserExists), errorCode(body))

	resp, body = ts.do(t, http.MethodPost, "/v1/invitations/list", "platform-admin",
		map[string]any{"page": 0, "page_size": 10, "filters": map[string]string{"email": "new@example.org"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.EqualValues(t, 1, body["total"])
}

func TestPolicyRoutes(t *testing.T) {
	ts := newTestServer(t)
	rule := map[string]string{"role": "auditor", "zone": "core", "resource": "file", "operation": "view"}

	resp, body := ts.do(t, http.MethodGet, "/v1/authorize?role=auditor&zone=core&resource=file&operation=view", "auditor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["result"].(map[string]any)["has_permission"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/policies/", "platform-admin", rule)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/v1/authorize?role=auditor&zone=core&resource=file&operation=view", "auditor", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["result"].(map[string]any)["has_permission"])

	resp, _ = ts.do(t, http.MethodDelete, "/v1/policies/", "platform-admin", rule)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/v1/policies/", "platform-admin", rule)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/v1/policies/", "auditor", rule)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPasswordResetFlow(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/users/reset/password-request", "", map[string]string{"username": "admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "p*@*******.***", body["result"].(map[string]any)["email"])

	resp, body = ts.do(t, http.MethodGet, "/v1/users/reset/check-token?token=missing", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "invalid_token", errorCode(body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/users/auth", "", map[string]string{"username": "admin", "password": "wrong"})

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "authsvc_logins_total")
	assert.Contains(t, buf.String(), `route="/v1/users/auth"`)
}

func TestPrincipalFromClaims(t *testing.T) {
	claims := map[string]any{
		"sub":                "abc",
		"preferred_username": "ada",
		"realm_access":       map[string]any{"roles": []any{"platform-admin", 7, "offline_access"}},
	}
	p := principalFromClaims(claims, "realm_access.roles")
	assert.Equal(t, "abc", p.Subject)
	assert.Equal(t, "ada", p.Username)
	assert.Equal(t, []string{"platform-admin", "offline_access"}, p.Roles)

	assert.Empty(t, principalFromClaims(claims, "resource_access.api.roles").Roles)
}

func TestNewVerifierDisabledWithoutIssuer(t *testing.T) {
	mw, err := NewVerifier(config.OIDCConfig{})
	require.NoError(t, err)
	assert.Nil(t, mw)
}
