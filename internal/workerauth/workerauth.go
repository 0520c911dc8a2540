// Package workerauth validates the bearer tokens presented by AI workers when
// they publish callbacks over HTTP. Tokens are HS256 JWTs signed with a
// secret shared between the workers and this service.
package workerauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized wraps every validation failure.
var ErrUnauthorized = errors.New("unauthorized")

// Config controls token validation and issuance.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Authenticator validates and mints worker tokens.
type Authenticator struct {
	cfg    Config
	parser *jwt.Parser
}

// New constructs an Authenticator. Issuer and Audience are checked only when
// set.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
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
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// CheckAuthentication verifies tok and returns the worker's subject.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (string, error) {
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	var claims jwt.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue mints a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
