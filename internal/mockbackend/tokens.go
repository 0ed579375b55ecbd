package mockbackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relyce/chatstream/internal/config"
	"github.com/relyce/chatstream/internal/oauth"
	"github.com/relyce/chatstream/pkg/httpext"
)

const refreshLifetime = 24 * time.Hour

type authSession struct {
	ID           string
	RefreshToken string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]authSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]authSession)}
}

func (s *sessionStore) create() authSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := authSession{
		ID:           uuid.New().String(),
		RefreshToken: uuid.New().String(),
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(refreshLifetime),
	}
	s.sessions[session.RefreshToken] = session
	return session
}

// refresh rotates the refresh token, keeping the session id.
func (s *sessionStore) refresh(oldRefreshToken string) (authSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.sessions[oldRefreshToken]
	if !exists || time.Now().After(old.ExpiresAt) {
		return authSession{}, false
	}

	next := authSession{
		ID:           old.ID,
		RefreshToken: uuid.New().String(),
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(refreshLifetime),
	}
	delete(s.sessions, oldRefreshToken)
	s.sessions[next.RefreshToken] = next
	return next, true
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req oauth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var session authSession
	switch req.GrantType {
	case oauth.GrantTypeAnonymous:
		session = s.sessions.create()
	case oauth.GrantTypeRefresh:
		var ok bool
		if session, ok = s.sessions.refresh(req.RefreshToken); !ok {
			httpext.JsonError(w, "Invalid refresh token", http.StatusUnauthorized)
			return
		}
	default:
		httpext.JsonError(w, "Invalid grant type", http.StatusBadRequest)
		return
	}

	token, err := s.issueToken(session.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to sign token")
		httpext.JsonError(w, "Error creating token", http.StatusInternalServerError)
		return
	}

	s.log.Debug().Str("grant_type", req.GrantType).Str("sid", session.ID).Msg("Issued token")
	httpext.WriteJSON(w, oauth.TokenResponse{
		AccessToken:  token,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.opts.TokenLifetime.Seconds()),
		RefreshToken: session.RefreshToken,
	})
}

func (s *Server) issueToken(sessionID string) (string, error) {
	now := time.Now()
	claims := oauth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		SessionID: sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(config.GetJWTSecret())
}

// validateToken returns the sid claim of a valid token.
func validateToken(tokenString string) (string, bool) {
	if tokenString == "" {
		return "", false
	}

	var claims oauth.Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return config.GetJWTSecret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.SessionID == "" {
		return "", false
	}
	return claims.SessionID, true
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
