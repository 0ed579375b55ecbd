// Package oauth obtains bearer tokens from the chat backend's token endpoint.
package oauth

import (
	"github.com/golang-jwt/jwt/v5"
)

const TokenPath = "/oauth/token"

const (
	GrantTypeAnonymous = "anonymous"
	GrantTypeRefresh   = "refresh_token"
)

type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Claims identify an anonymous user. The sid claim doubles as the user id
// under which history is stored.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}
