package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/pilotdata/authsvc/internal/errx"
	"github.com/pilotdata/authsvc/internal/notify"
	"github.com/pilotdata/authsvc/internal/resetstore"
)

var (
	ErrResetTokenInvalid = errx.New(errx.TypeAuthorization, "invalid_token", "Token not valid")
	ErrResetTokenExpired = errx.New(errx.TypeAuthorization, "token_expired", "Token expired")
)

// SendPasswordReset stores a reset token for username and emails the reset
// link. It returns the masked address the link was sent to.
func (s *Service) SendPasswordReset(ctx context.Context, username string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", errx.Validation("username is required")
	}
	user, err := s.identity.GetUserByUsername(ctx, username)
	if err != nil {
		return "", errx.Upstream(errx.BackendIdentity, "get_user_by_username", err)
	}
	if user.Email == "" {
		return "", errx.Validation("user has no email address")
	}

	token := uuid.NewString()
	rec := resetstore.Record{Email: user.Email, ExpiresAt: s.now().UTC().Add(s.cfg.ResetExpiry)}
	if err := s.resets.Save(ctx, token, rec); err != nil {
		return "", errx.Internal(err, "save reset token").WithDetail("backend", errx.BackendStore)
	}

	link := fmt.Sprintf("%saccount-assistant/reset-password?token=%s", s.cfg.ResetURLPrefix, token)
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateResetPassword,
		Recipient: user.Email,
		Subject:   fmt.Sprintf("%s password reset", s.cfg.Email.PlatformName),
		Vars: map[string]any{
			"username":    user.Username,
			"reset_link":  link,
			"admin_email": s.cfg.Email.Admin,
			"hours":       int(s.cfg.ResetExpiry.Hours()),
		},
	})
	log.Printf("INFO: account: password reset requested for %s", username)
	return notify.MaskEmail(user.Email), nil
}

// CheckResetToken returns the email a usable token was issued for.
func (s *Service) CheckResetToken(ctx context.Context, token string) (string, error) {
	rec, err := s.resets.Lookup(ctx, token)
	if errors.Is(err, resetstore.ErrNotFound) {
		return "", ErrResetTokenInvalid
	}
	if err != nil {
		return "", errx.Internal(err, "lookup reset token").WithDetail("backend", errx.BackendStore)
	}
	if rec.Expired(s.now()) {
		return "", ErrResetTokenExpired
	}
	return rec.Email, nil
}

// ResetPassword sets a new password and consumes the token.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if password == "" {
		return errx.Validation("password is required")
	}
	email, err := s.CheckResetToken(ctx, token)
	if err != nil {
		return err
	}
	user, err := s.identity.GetUserByEmail(ctx, email)
	if err != nil {
		return errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}
	if err := s.identity.SetPassword(ctx, user.ID, password); err != nil {
		return errx.Upstream(errx.BackendIdentity, "set_password", err)
	}
	if err := s.resets.Expire(ctx, token); err != nil {
		log.Printf("ERROR: account: expire reset token for %s: %v", email, err)
	}
	return nil
}

// SendUsername emails the username registered for email.
func (s *Service) SendUsername(ctx context.Context, email string) (string, error) {
	user, err := s.identity.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return "", errx.Upstream(errx.BackendIdentity, "get_user_by_email", err)
	}
	notify.Send(ctx, s.notifier, notify.Notification{
		Template:  notify.TemplateResetUsername,
		Recipient: user.Email,
		Subject:   fmt.Sprintf("%s username reminder", s.cfg.Email.PlatformName),
		Vars: map[string]any{
			"username":    user.Username,
			"admin_email": s.cfg.Email.Admin,
		},
	})
	return notify.MaskEmail(user.Email), nil
}

