package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"

	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/errx"
)

// Zone used for permission checks on the administrative surface.
const AdminZone = "platform"

// Principal is the verified caller of a request.
type Principal struct {
	Subject  string
	Username string
	Roles    []string
}

type principalContextKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the verified caller, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}

// Authorizer decides whether a role may perform operation on resource in zone.
type Authorizer interface {
	Authorize(ctx context.Context, role, zone, resource, operation string) (bool, error)
}

// NewVerifier returns middleware that verifies bearer tokens issued by
// cfg.Issuer and attaches the Principal. It returns nil when no issuer is
// configured.
func NewVerifier(cfg config.OIDCConfig) (func(http.Handler) http.Handler, error) {
	if cfg.Issuer == "" {
		return nil, nil
	}
	oidcOpts := []options.Option{
		options.WithIssuer(cfg.Issuer),
		options.WithLazyLoadJwks(true),
	}
	if cfg.Audience != "" {
		oidcOpts = append(oidcOpts, options.WithRequiredAudience(cfg.Audience))
	}
	tokenHandler, err := oidctoken.New[map[string]any](nil, oidcOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise oidc token handler: %w", err)
	}
	rolesPath := cfg.RolesClaimPath
	if rolesPath == "" {
		rolesPath = "realm_access.roles"
	}

	// Default: Authorization header with the Bearer prefix.
	tokenStrings := [][]options.TokenStringOption{{}}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := oidctoken.GetTokenString(r.Header.Get, tokenStrings)
			if err != nil || strings.TrimSpace(token) == "" {
				writeError(w, r, errx.New(errx.TypeAuthentication, "missing_token", "bearer token required"))
				return
			}
			claims, err := tokenHandler.ParseToken(r.Context(), strings.TrimSpace(token))
			if err != nil {
				log.Printf("WARNING: server: bearer token rejected: %v", err)
				writeError(w, r, errx.New(errx.TypeAuthentication, "invalid_token", "bearer token is not valid"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principalFromClaims(claims, rolesPath))))
		})
	}, nil
}

// principalFromClaims reads sub, preferred_username and the roles array at
// the dotted rolesPath.
func principalFromClaims(claims map[string]any, rolesPath string) *Principal {
	p := &Principal{}
	p.Subject, _ = claims["sub"].(string)
	p.Username, _ = claims["preferred_username"].(string)

	var cur any = claims
	for _, part := range strings.Split(rolesPath, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return p
		}
		cur = m[part]
	}
	switch roles := cur.(type) {
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	case []string:
		p.Roles = append(p.Roles, roles...)
	}
	return p
}

// RequirePermission admits the request when any of the caller's roles is
// granted operation on resource in the admin zone.
func RequirePermission(a Authorizer, resource, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, r, errx.New(errx.TypeAuthentication, "missing_token", "bearer token required"))
				return
			}
			for _, role := range p.Roles {
				allowed, err := a.Authorize(r.Context(), role, AdminZone, resource, operation)
				if err != nil {
					writeError(w, r, err)
					return
				}
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, errx.New(errx.TypeAuthorization, "permission_denied",
				fmt.Sprintf("%s on %s is not permitted", operation, resource)))
		})
	}
}
