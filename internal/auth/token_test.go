package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docaudit-backend/internal/access"
)

const testSecret = "test-secret-0123456789abcdef0123"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	iss, err := NewIssuer(IssuerConfig{Secret: testSecret, Algorithm: "HS256", TTL: ttl})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestNewIssuer_Configuration(t *testing.T) {
	tests := []struct {
		name string
		cfg  IssuerConfig
	}{
		{"missing secret", IssuerConfig{Algorithm: "HS256"}},
		{"rsa algorithm", IssuerConfig{Secret: testSecret, Algorithm: "RS256"}},
		{"none algorithm", IssuerConfig{Secret: testSecret, Algorithm: "none"}},
		{"unknown algorithm", IssuerConfig{Secret: testSecret, Algorithm: "HS1024"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIssuer(tt.cfg); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestIssue_ClaimsAndDefaultTTL(t *testing.T) {
	iss := newTestIssuer(t, 0)
	_, claims, err := iss.Issue("user-1", access.RoleUser, "alice", t0, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if claims.Subject != "user-1" || claims.Role != access.RoleUser || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultTokenTTL {
		t.Fatalf("expected exp-iat = %v, got %v", DefaultTokenTTL, got)
	}
}

func TestIssue_SecondGranularity(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	issuedAt := t0.Add(900 * time.Millisecond)
	token, claims, err := iss.Issue("user-1", access.RoleUser, "alice", issuedAt, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.IssuedAt.Equal(t0) || !claims.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("iat=%v exp=%v, want whole seconds from %v", claims.IssuedAt, claims.ExpiresAt, t0)
	}
	// expiry follows the truncated iat, not the sub-second issue time
	if _, err := iss.Parse(token, t0.Add(time.Hour)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("at exp: %v", err)
	}
	if _, err := iss.Parse(token, t0.Add(time.Hour-time.Millisecond)); err != nil {
		t.Fatalf("just before exp: %v", err)
	}
}

func TestIssue_RequiresSubject(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	if _, _, err := iss.Issue("", access.RoleUser, "", t0, 0); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestParse_ExpiryBoundary(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	token, _, err := iss.Issue("user-1", access.RoleAdmin, "root", t0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"immediately", t0, nil},
		{"59 minutes", t0.Add(59 * time.Minute), nil},
		{"one second before expiry", t0.Add(time.Hour - time.Second), nil},
		{"exactly at expiry", t0.Add(time.Hour), ErrExpiredToken},
		{"61 minutes", t0.Add(61 * time.Minute), ErrExpiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := iss.Parse(token, tt.at)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if claims.Subject != "user-1" || claims.Role != access.RoleAdmin {
				t.Fatalf("unexpected claims: %+v", claims)
			}
		})
	}
}

func TestParse_ForeignSecretRejected(t *testing.T) {
	other, err := NewIssuer(IssuerConfig{Secret: "another-secret-0123456789abcdef", Algorithm: "HS256"})
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := other.Issue("user-1", access.RoleAdmin, "", t0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newTestIssuer(t, time.Hour).Parse(token, t0); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParse_InvalidTokens(t *testing.T) {
	iss := newTestIssuer(t, time.Hour)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(t0),
			ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
		},
		Role: access.RoleAdmin,
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	hs512Token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	noSubject := *claims
	noSubject.Subject = ""
	noSubjectToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &noSubject).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	noExpiry := *claims
	noExpiry.ExpiresAt = nil
	noExpiryToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &noExpiry).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	valid, _, err := iss.Issue("user-1", access.RoleAdmin, "", t0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(valid, ".")
	swap := byte('A')
	if parts[2][0] == 'A' {
		swap = 'B'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(swap) + parts[2][1:]

	for name, token := range map[string]string{
		"empty":         "",
		"garbage":       "not.a.jwt",
		"alg none":      noneToken,
		"other hmac":    hs512Token,
		"no subject":    noSubjectToken,
		"no expiry":     noExpiryToken,
		"bad signature": tampered,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := iss.Parse(token, t0); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestParse_ExpiredTokenFromForeignSecretIsInvalid(t *testing.T) {
	other, err := NewIssuer(IssuerConfig{Secret: "another-secret-0123456789abcdef"})
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := other.Issue("user-1", access.RoleUser, "", t0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// Signature is checked before expiry.
	if _, err := newTestIssuer(t, time.Hour).Parse(token, t0.Add(time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
