package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docaudit-backend/internal/access"
)

// DefaultTokenTTL applies when neither the caller nor the config sets one.
const DefaultTokenTTL = 8 * time.Hour

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Role     access.Role `json:"role"`
	Username string      `json:"username,omitempty"`
}

// IssuerConfig is the subset of auth configuration the issuer needs.
type IssuerConfig struct {
	Secret    string
	Algorithm string
	TTL       time.Duration
}

// Issuer signs and validates access tokens with a single HMAC secret.
// It holds no mutable state and is safe for concurrent use.
type Issuer struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	ttl    time.Duration
}

// NewIssuer fails with ErrConfiguration when the secret is empty or the
// algorithm is not an HMAC algorithm.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: signing secret is not set", ErrConfiguration)
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported token algorithm %q", ErrConfiguration, alg)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(cfg.Secret), method: method, ttl: ttl}, nil
}

// TTL returns the default token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for subject with iat=now and exp=now+ttl. A ttl of zero
// or less uses the configured default.
//
// Both claims have whole-second precision: now is truncated before exp is
// computed, so exp-iat is always ttl and a token can expire up to one
// second before the wall-clock now+ttl.
func (i *Issuer) Issue(subject string, role access.Role, username string, now time.Time, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, errors.New("issue token: subject is required")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	now = now.Truncate(time.Second)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:     role,
		Username: username,
	}

	token := jwt.NewWithClaims(i.method, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies the signature of tokenStr and checks its expiry against now.
// It returns ErrInvalidToken for malformed or forged tokens and
// ErrExpiredToken once now >= exp.
func (i *Issuer) Parse(tokenStr string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing required claims", ErrInvalidToken)
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("%w: exp is not after iat", ErrInvalidToken)
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}
