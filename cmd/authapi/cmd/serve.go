package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/pilotdata/authsvc/cmd/authapi/cmd/cmdutil"
	"github.com/pilotdata/authsvc/internal/config"
	"github.com/pilotdata/authsvc/internal/notify"
	"github.com/pilotdata/authsvc/internal/repository"
	"github.com/pilotdata/authsvc/internal/resetstore"
	"github.com/pilotdata/authsvc/internal/server"
	"github.com/pilotdata/authsvc/internal/services/account"
	"github.com/pilotdata/authsvc/internal/services/invitation"
	"github.com/pilotdata/authsvc/internal/services/lifecycle"
	"github.com/pilotdata/authsvc/internal/services/session"
	"github.com/pilotdata/authsvc/internal/services/validation"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long:  `Starts the HTTP server with the account, invitation, session and policy endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Printf("WARNING: telemetry shutdown: %v", err)
			}
		}()

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := telemetry.NewCollector(registry)

		backends, err := cmdutil.NewBackends(ctx, cfg, cmdutil.BackendOptions{AutoMigrate: autoMigrate, Metrics: metrics})
		if err != nil {
			return err
		}
		defer backends.Close(context.Background())
		log.Printf("Connected to database, identity provider and graph database")

		resets, closeResets, err := newResetStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeResets()

		mailer, err := newMailer(ctx, cfg.Email, cfg.Debug)
		if err != nil {
			return err
		}
		notifier := notify.NewAsync(mailer)
		defer notifier.Wait()

		validator, err := validation.NewSchemaValidator(32)
		if err != nil {
			return fmt.Errorf("failed to load request schemas: %w", err)
		}
		verifier, err := server.NewVerifier(cfg.OIDC)
		if err != nil {
			return err
		}

		accounts, err := account.NewService(backends.Identity, backends.Directory, backends.Graph, notifier, resets, account.Config{
			AdminRole:      cfg.Keycloak.AdminRole,
			Email:          cfg.Email,
			ResetExpiry:    cfg.PasswordReset.Expiry,
			ResetURLPrefix: cfg.PasswordReset.URLPrefix,
			TestAccount:    cfg.TestAccount,
		})
		if err != nil {
			return fmt.Errorf("failed to create account service: %w", err)
		}

		sessions := session.NewManager(backends.Identity, metrics)
		defer sessions.Wait()

		handlers := &server.Handlers{
			Sessions:  sessions,
			Lifecycle: lifecycle.NewReconciler(backends.Identity, backends.Directory, backends.Graph, metrics),
			Invitations: invitation.NewService(repository.NewBunInvitationRepository(backends.DB),
				backends.Identity, backends.Directory, backends.Graph, notifier, invitation.Config{
					Expiry:    cfg.Invitation.Expiry,
					AdminRole: cfg.Keycloak.AdminRole,
					Email:     cfg.Email,
				}, metrics),
			Accounts:  accounts,
			Policy:    backends.Policy,
			Validator: validator,
		}

		srv := &http.Server{
			Addr: cfg.ServerAddr,
			Handler: server.NewH2CHandler(server.RouterOptions{
				Handlers:   handlers,
				Verifier:   verifier,
				Authorizer: backends.Policy,
				Metrics:    metrics,
				Gatherer:   registry,
			}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Printf("Starting server on %s", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case sig := <-shutdown:
			log.Printf("Received signal %v, shutting down gracefully", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			log.Printf("Server stopped")
			return nil
		}
	},
}

// newResetStore selects redis when an address is configured.
func newResetStore(ctx context.Context, cfg *config.Config) (resetstore.Store, func(), error) {
	if cfg.Redis.Address == "" {
		log.Printf("WARNING: redis.address not set, reset tokens are kept in process memory")
		return resetstore.NewMemory(cfg.PasswordReset.Expiry), func() {}, nil
	}
	store, err := resetstore.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("WARNING: close redis: %v", err)
		}
	}, nil
}

func newMailer(ctx context.Context, cfg config.EmailConfig, verbose bool) (*notify.Mailer, error) {
	templates, err := notify.DefaultTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}
	var sender notify.Sender
	switch cfg.Provider {
	case "ses":
		sender, err = notify.NewSESSender(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
	case "console", "":
		sender = notify.ConsoleSender{Verbose: verbose}
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
	return notify.NewMailer(templates, sender, cfg.Sender, cfg.Support), nil
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
