package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newTestViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.Set("auth.secret_key", "0123456789abcdef0123456789abcdef")
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestDecode_Defaults(t *testing.T) {
	cfg, err := decode(newTestViper(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Auth.TokenTTL != 8*time.Hour {
		t.Fatalf("expected 8h token ttl, got %v", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.TokenAlgorithm != "HS256" {
		t.Fatalf("expected HS256, got %s", cfg.Auth.TokenAlgorithm)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.AdminRoutesOpen() {
		t.Fatal("admin routes must not be open by default")
	}
}

func TestDecode_MissingSecretIsFatal(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	_, err := decode(v)
	if err == nil {
		t.Fatal("expected error when auth.secret_key is missing")
	}
	if !strings.Contains(err.Error(), "SecretKey is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"unsupported algorithm", map[string]any{"auth.token_algorithm": "RS256"}, "TokenAlgorithm must be one of"},
		{"debug in production", map[string]any{"debug": true, "environment": "production"}, "debug must be false"},
		{"unknown environment", map[string]any{"environment": "prod"}, "Environment must be one of"},
		{"unknown hasher", map[string]any{"auth.password_hasher": "md5"}, "PasswordHasher must be one of"},
		{"oauth incomplete", map[string]any{"oauth.authorize_url": "https://idp.example.com/authorize"}, "ClientID is required when AuthorizeURL is set"},
		{"sqlite without path", map[string]any{"database.driver": "sqlite", "database.path": ""}, "database.path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(newTestViper(tt.overrides))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAdminRoutesOpen(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"debug development no key", Config{Environment: "development", Debug: true}, true},
		{"no debug", Config{Environment: "development"}, false},
		{"key configured", Config{Environment: "development", Debug: true, Auth: AuthConfig{AdminAPIKey: "k"}}, false},
		{"production", Config{Environment: EnvProduction, Debug: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.AdminRoutesOpen(); got != tt.want {
				t.Fatalf("AdminRoutesOpen() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := `
environment: staging
auth:
  secret_key: from-file-secret-0123456789abcdef
  token_ttl: 1h
database:
  driver: sqlite
  path: ` + dir + `
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCAUDIT_AUTH_ADMIN_API_KEY", "abc123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected staging, got %s", cfg.Environment)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Fatalf("expected 1h, got %v", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.AdminAPIKey != "abc123" {
		t.Fatalf("expected admin key from env, got %q", cfg.Auth.AdminAPIKey)
	}
	if cfg.Database.DSN() != dir+"/docaudit.db" {
		t.Fatalf("unexpected DSN %s", cfg.Database.DSN())
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestDatabaseDSN_EscapesCredentials(t *testing.T) {
	d := DatabaseConfig{
		Driver:   "postgres",
		Host:     "db.internal",
		Port:     5433,
		User:     "audit@ops",
		Password: "p@ss:w/rd?#%",
		Name:     "docaudit",
	}
	dsn := d.DSN()
	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("DSN %q does not parse: %v", dsn, err)
	}
	pass, _ := u.User.Password()
	if u.User.Username() != "audit@ops" || pass != "p@ss:w/rd?#%" {
		t.Fatalf("credentials = %q/%q", u.User.Username(), pass)
	}
	if u.Hostname() != "db.internal" || u.Port() != "5433" || u.Path != "/docaudit" || u.Query().Get("sslmode") != "disable" {
		t.Fatalf("DSN = %s", dsn)
	}

	d.Host = "::1"
	if u, err := url.Parse(d.DSN()); err != nil || u.Hostname() != "::1" {
		t.Fatalf("ipv6 host: %s %v", d.DSN(), err)
	}
}
