// ABOUTME: JWT bearer token verification shared with the internal application
// ABOUTME: HS256 signing with audience, issuer and expiry checks and typed failures

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenErrorKind classifies why a bearer token was rejected.
type TokenErrorKind string

const (
	KindExpired             TokenErrorKind = "expired"
	KindInvalid             TokenErrorKind = "invalid"
	KindMissingUser         TokenErrorKind = "missing_user"
	KindSecretNotConfigured TokenErrorKind = "secret_not_configured"
)

// Sentinel errors, one per kind, so callers can use errors.Is.
var (
	ErrExpiredToken        = errors.New("token expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrMissingUser         = errors.New("token has no user")
	ErrSecretNotConfigured = errors.New("token secret not configured")
)

// TokenError is returned by Verify. Err carries the underlying cause.
type TokenError struct {
	Kind TokenErrorKind
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap lets errors.Is match the kind sentinel and the cause.
func (e *TokenError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *TokenError) sentinel() error {
	switch e.Kind {
	case KindExpired:
		return ErrExpiredToken
	case KindMissingUser:
		return ErrMissingUser
	case KindSecretNotConfigured:
		return ErrSecretNotConfigured
	default:
		return ErrInvalidToken
	}
}

// TokenVerifier resolves a bearer token to the canonical internal user id.
type TokenVerifier interface {
	Verify(tokenString string) (userID string, err error)
}

// VerifierConfig configures a JWTVerifier. Audience and Issuer are only
// enforced when non-empty.
type VerifierConfig struct {
	Secret   string
	Audience string
	Issuer   string
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret   []byte
	audience string
	issuer   string
}

// NewJWTVerifier creates a verifier. An empty secret is rejected with a
// KindSecretNotConfigured error.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, &TokenError{Kind: KindSecretNotConfigured}
	}
	return &JWTVerifier{
		secret:   []byte(cfg.Secret),
		audience: cfg.Audience,
		issuer:   cfg.Issuer,
	}, nil
}

// Verify validates signature, audience, issuer and expiry, then extracts the
// user id from "user_id" or, failing that, "sub".
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", &TokenError{Kind: KindSecretNotConfigured}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &TokenError{Kind: KindExpired, Err: err}
		}
		return "", &TokenError{Kind: KindInvalid, Err: err}
	}
	if !token.Valid {
		return "", &TokenError{Kind: KindInvalid}
	}

	userID := claimString(claims, "user_id")
	if userID == "" {
		userID = claimString(claims, "sub")
	}
	if userID == "" {
		return "", &TokenError{Kind: KindMissingUser}
	}
	return userID, nil
}

// Generate mints a token for userID carrying the configured audience and issuer.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(expiresIn).Unix(),
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func claimString(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}
