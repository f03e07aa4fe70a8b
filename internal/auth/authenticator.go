package auth

import (
	"net/http"
	"strings"

	"relay/pkg/types"
)

// Authenticator turns an HTTP request into an AuthResult
// FUNCTIONAL DISCOVERY: Browsers cannot set headers on WebSocket upgrades, so the
// token is also accepted from the token query parameter
type Authenticator struct {
	issuer           *Issuer
	allowUserIDParam bool
}

// NewAuthenticator creates an authenticator. allowUserIDParam additionally trusts a
// user_id query parameter and must only be enabled for local development.
func NewAuthenticator(issuer *Issuer, allowUserIDParam bool) *Authenticator {
	return &Authenticator{issuer: issuer, allowUserIDParam: allowUserIDParam}
}

// Authenticate resolves the caller from a bearer token, a token query parameter or,
// in development mode, a user_id query parameter
func (a *Authenticator) Authenticate(r *http.Request) (*types.AuthResult, error) {
	if token := BearerToken(r); token != "" {
		claims, err := a.issuer.Parse(token)
		if err != nil {
			return nil, err
		}
		return &types.AuthResult{UserID: claims.UserID}, nil
	}

	if a.allowUserIDParam {
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			id, err := types.ParseUserID(raw)
			if err != nil {
				return nil, err
			}
			return &types.AuthResult{UserID: id}, nil
		}
	}

	return nil, ErrMissingToken
}

// BearerToken extracts the token from the Authorization header or the token query parameter
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
