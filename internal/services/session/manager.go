// Package session issues and refreshes tokens for platform users and
// refuses disabled accounts after their credentials have been verified.
package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/identity"
	"github.com/pilotdata/authsvc/internal/telemetry"
)

const tracerName = "authsvc/services/session"

// ErrAccountDisabled rejects a login with valid credentials for a disabled account.
var ErrAccountDisabled = errx.New(errx.TypeAuthorization, "account_disabled", "user is disabled")

// Manager orchestrates login and refresh over the identity provider.
type Manager struct {
	identity identity.Service
	metrics  telemetry.Recorder

	// BookkeepingTimeout bounds the background last_login update.
	BookkeepingTimeout time.Duration

	now func() time.Time
	wg  sync.WaitGroup
}

func NewManager(id identity.Service, metrics telemetry.Recorder) *Manager {
	if metrics == nil {
		metrics = telemetry.NopRecorder{}
	}
	return &Manager{
		identity:           id,
		metrics:            metrics,
		BookkeepingTimeout: 10 * time.Second,
		now:                time.Now,
	}
}

// Authenticate issues a token pair. Credentials are always checked first;
// only then is the account status consulted, so a disabled account and a
// wrong password are told apart only for callers that know the password.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*identity.Token, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errx.Validation("username and password are required")
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "session.Authenticate")
	defer span.End()

	token, err := m.identity.IssueToken(ctx, username, password)
	if err != nil {
		telemetry.RecordError(span, err)
		m.metrics.RecordLogin(loginOutcome(err))
		return nil, err
	}

	user, err := m.identity.GetUserByUsername(ctx, username)
	if err != nil {
		err = errx.Upstream(errx.BackendIdentity, "get_user_by_username", err)
		telemetry.RecordError(span, err)
		m.metrics.RecordLogin(loginOutcome(err))
		return nil, err
	}

	status := user.Status(identity.StatusDisabled)
	span.SetAttributes(attribute.String(telemetry.AttrUserStatus, status))
	if status == identity.StatusDisabled {
		log.Printf("WARNING: session: login refused for disabled user %s", username)
		m.metrics.RecordLogin("disabled")
		return nil, ErrAccountDisabled
	}

	m.recordLastLogin(ctx, user.ID)
	m.metrics.RecordLogin("success")
	return token, nil
}

// Refresh exchanges a refresh token for a new pair.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*identity.Token, error) {
	if refreshToken == "" {
		return nil, errx.Validation("refresh_token is required")
	}
	return m.identity.RefreshToken(ctx, refreshToken)
}

// Wait blocks until background bookkeeping has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) recordLastLogin(ctx context.Context, userID string) {
	stamp := m.now().UTC().Format(identity.LastLoginLayout)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.BookkeepingTimeout)
		defer cancel()
		if _, err := m.identity.UpdateAttributes(ctx, userID, map[string]string{identity.AttrLastLogin: stamp}); err != nil {
			log.Printf("ERROR: session: update last_login for %s: %v", userID, err)
		}
	}()
}

func loginOutcome(err error) string {
	switch errx.TypeOf(err) {
	case errx.TypeAuthentication:
		return "invalid_credentials"
	case errx.TypeNotFound:
		return "not_found"
	default:
		return "error"
	}
}
