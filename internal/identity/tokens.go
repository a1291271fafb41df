package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/pilotdata/authsvc/internal/errx"
)

// tokenIssuer runs the password and refresh-token grants against the realm
// token endpoint.
type tokenIssuer struct {
	cfg *oauth2.Config
}

func newTokenIssuer(serverURL, realm, clientID, clientSecret string) *tokenIssuer {
	return &tokenIssuer{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", serverURL, realm),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"openid"},
	}}
}

func (t *tokenIssuer) issue(ctx context.Context, username, password string) (*Token, error) {
	tok, err := t.cfg.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, classifyGrantError("issue_token", err)
	}
	return toToken(tok), nil
}

func (t *tokenIssuer) refresh(ctx context.Context, refreshToken string) (*Token, error) {
	// An empty access token forces the source to use the refresh grant.
	tok, err := t.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyGrantError("refresh_token", err)
	}
	return toToken(tok), nil
}

// classifyGrantError separates rejected credentials from provider outages.
func classifyGrantError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || (re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized) {
			return errx.Wrap(err, errx.TypeAuthentication, ErrAuthenticationFailed.Code, ErrAuthenticationFailed.Message)
		}
	}
	return errx.Upstream(errx.BackendIdentity, op, err)
}

func toToken(tok *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	out.RefreshExpiresIn = extraInt(tok.Extra("refresh_expires_in"))
	return out
}

func extraInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
