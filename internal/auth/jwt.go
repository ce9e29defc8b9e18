// Package auth verifies the bearer tokens issued by the account service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

// Claims carried by gateway tokens. The user id lives in "sub"; the
// optional "user_id" claim is honored for tokens minted by older issuers.
type Claims struct {
	UserID   string   `json:"user_id,omitempty"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// VerifierConfig configures NewJWTVerifier. Issuer and Audience are checked
// only when set.
type VerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// NewJWTVerifier returns a verifier for cfg.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify implements interfaces.IdentityVerifier. Every failure is reported
// as interfaces.ErrUnauthenticated wrapping the parser's reason.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*interfaces.Identity, error) {
	if token == "" {
		return nil, interfaces.ErrUnauthenticated
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return nil, interfaces.ErrUnauthenticated
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if !types.IsValidID(userID) {
		return nil, fmt.Errorf("%w: missing or malformed subject", interfaces.ErrUnauthenticated)
	}

	return &interfaces.Identity{
		UserID:   userID,
		Username: claims.Username,
		Roles:    claims.Roles,
	}, nil
}

// Sign mints a token for userID. Used by tests and the dev token command.
func Sign(secret, userID string, ttl time.Duration, mutate ...func(*Claims)) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, m := range mutate {
		m(claims)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the access_token query parameter for browser clients
// that cannot set headers on a WebSocket upgrade.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// IsUnauthenticated reports whether err is an authentication failure.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, interfaces.ErrUnauthenticated)
}
