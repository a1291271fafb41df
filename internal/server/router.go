package server

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/pilotdata/authsvc/internal/telemetry"
)

// RouterOptions controls the construction of the HTTP router.
// Services left nil have their routes omitted.
type RouterOptions struct {
	Handlers *Handlers
	// Verifier authenticates bearer tokens. When nil the administrative
	// routes are served without authentication or permission checks.
	Verifier    func(http.Handler) http.Handler
	Authorizer  Authorizer
	Metrics     *telemetry.Collector
	Gatherer    prometheus.Gatherer
	CORSOptions *cors.Options
	Middleware  []func(http.Handler) http.Handler
	ExtraRoutes func(chi.Router)
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			"X-Request-Id",
		},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy, and
// the v1 API mounted.
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.Get("/health", healthHandler)
	if opts.Gatherer != nil {
		r.Handle("/metrics", telemetry.Handler(opts.Gatherer))
	}

	if opts.Handlers != nil {
		r.Route("/v1", func(r chi.Router) { mountV1(r, opts) })
	}

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}
	return r
}

func mountV1(r chi.Router, opts RouterOptions) {
	h := opts.Handlers

	if opts.Verifier == nil {
		log.Println("WARNING: server: no token verifier configured, administrative routes are unauthenticated")
	}
	// guard requires permission on resource when authentication is on.
	guard := func(resource, operation string) func(http.Handler) http.Handler {
		if opts.Verifier == nil || opts.Authorizer == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return RequirePermission(opts.Authorizer, resource, operation)
	}

	// Public: token issuance, self-service account recovery and account requests.
	if h.Sessions != nil {
		r.Post("/users/auth", h.Login)
		r.Post("/users/refresh", h.Refresh)
	}
	if h.Accounts != nil {
		r.Route("/users/reset", func(r chi.Router) {
			r.Post("/password-request", h.RequestPasswordReset)
			r.Get("/check-token", h.CheckResetToken)
			r.Post("/password", h.ResetPassword)
			r.Post("/username-request", h.RequestUsername)
		})
		r.Post("/accounts", h.RequestTestAccount)
		r.Post("/accounts/contract", h.RequestContract)
		r.Get("/user/status", h.GetUserStatus)
	}
	if h.Invitations != nil {
		r.Get("/invitations/code/{code}", h.GetInvitationByCode)
	}

	r.Group(func(r chi.Router) {
		if opts.Verifier != nil {
			r.Use(opts.Verifier)
		}

		if h.Lifecycle != nil {
			r.With(guard("users", "update")).Put("/user/account", h.UpdateAccount)
		}
		if h.Invitations != nil {
			r.Route("/invitations", func(r chi.Router) {
				r.With(guard("invitations", "create")).Post("/", h.CreateInvitation)
				r.With(guard("invitations", "view")).Post("/list", h.ListInvitations)
				r.With(guard("invitations", "view")).Get("/check/{email}", h.CheckInvitee)
				r.With(guard("invitations", "update")).Put("/{id}", h.UpdateInvitation)
			})
		}
		if h.Accounts != nil {
			r.With(guard("users", "update")).Put("/user/ad-group", h.ChangeGroup)
		}
		r.Route("/admin", func(r chi.Router) {
			if h.Accounts != nil {
				r.With(guard("users", "view")).Get("/users", h.ListUsers)
				r.With(guard("users", "view")).Get("/user", h.GetUser)
				r.With(guard("users", "update")).Put("/users/{id}/attributes", h.UpdateAttributes)
				r.With(guard("roles", "create")).Post("/roles", h.CreateProjectRoles)
				r.With(guard("roles", "view")).Get("/roles/{role}/users", h.UsersInRole)
			}
			if h.Lifecycle != nil {
				r.With(guard("users", "update")).Put("/project-roles", h.AssignProjectRole)
				r.With(guard("users", "update")).Delete("/project-roles", h.RevokeProjectRole)
			}
		})
		if h.Policy != nil {
			r.Get("/authorize", h.Authorize)
			r.Route("/policies", func(r chi.Router) {
				r.With(guard("policies", "view")).Get("/", h.ListPolicies)
				r.With(guard("policies", "create")).Post("/", h.AddPolicy)
				r.With(guard("policies", "delete")).Delete("/", h.RemovePolicy)
			})
		}
	})
}

// NewH2CHandler wraps the router with an h2c server to provide HTTP/2 over
// cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
