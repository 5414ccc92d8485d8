package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvProduction is the only environment in which unauthenticated admin
// access can never be enabled.
const EnvProduction = "production"

type Config struct {
	Environment string         `mapstructure:"environment" validate:"required,oneof=development test staging production"`
	Debug       bool           `mapstructure:"debug"`
	Log         LogConfig      `mapstructure:"log"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Auth        AuthConfig     `mapstructure:"auth"`
	OAuth       OAuthConfig    `mapstructure:"oauth"`
	Analysis    AnalysisConfig `mapstructure:"analysis"`
	AI          AIConfig       `mapstructure:"ai"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port" validate:"min=1,max=65535"`
	BodyLimit int `mapstructure:"body_limit" validate:"min=1024"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	PoolSize int    `mapstructure:"pool_size" validate:"min=1"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type StorageConfig struct {
	LocalPath   string `mapstructure:"local_path" validate:"required"`
	MaxFileSize int64  `mapstructure:"max_file_size" validate:"min=1"`
}

// AuthConfig carries the secrets and knobs of the authentication gate.
type AuthConfig struct {
	SecretKey      string        `mapstructure:"secret_key" validate:"required"`
	AdminAPIKey    string        `mapstructure:"admin_api_key"`
	TokenAlgorithm string        `mapstructure:"token_algorithm" validate:"oneof=HS256 HS384 HS512"`
	TokenTTL       time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl" validate:"gt=0"`
	PasswordHasher string        `mapstructure:"password_hasher" validate:"oneof=bcrypt argon2id"`
	BcryptCost     int           `mapstructure:"bcrypt_cost" validate:"min=10,max=14"`
	StateStore     string        `mapstructure:"state_store" validate:"oneof=memory database"`
	StateTTL       time.Duration `mapstructure:"state_ttl" validate:"gt=0"`
	LoginRate      float64       `mapstructure:"login_rate" validate:"gt=0"`
	LoginBurst     int           `mapstructure:"login_burst" validate:"min=1"`

	// BootstrapAdmin seeds the first admin account into an empty user table.
	BootstrapAdmin     string `mapstructure:"bootstrap_admin" validate:"required"`
	BootstrapAdminPass string `mapstructure:"bootstrap_admin_password"`
}

// OAuthConfig configures the optional external login provider.
// The flow is disabled unless AuthorizeURL is set.
type OAuthConfig struct {
	AuthorizeURL string `mapstructure:"authorize_url" validate:"omitempty,url"`
	TokenURL     string `mapstructure:"token_url" validate:"omitempty,url"`
	UserInfoURL  string `mapstructure:"userinfo_url" validate:"omitempty,url"`
	ClientID     string `mapstructure:"client_id" validate:"required_with=AuthorizeURL"`
	ClientSecret string `mapstructure:"client_secret" validate:"required_with=AuthorizeURL"`
	RedirectURL  string `mapstructure:"redirect_url" validate:"omitempty,url"`
	Scopes       string `mapstructure:"scopes"`
}

// Enabled reports whether the external login flow is configured.
func (o OAuthConfig) Enabled() bool {
	return o.AuthorizeURL != ""
}

type AnalysisConfig struct {
	Workers   int `mapstructure:"workers" validate:"min=1,max=64"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
}

// AIConfig points at an OpenAI-compatible chat completions endpoint.
// Analysis runs skip the LLM summary when any field is empty.
type AIConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.IsSQLite() {
		return d.Path + "/" + d.Name + ".db"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// AdminRoutesOpen reports whether admin routes accept requests without a key.
func (c *Config) AdminRoutesOpen() bool {
	return c.Auth.AdminAPIKey == "" && c.Debug && c.Environment != EnvProduction
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit", 20*1024*1024)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "docaudit")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("storage.local_path", "./uploads")
	v.SetDefault("storage.max_file_size", 10485760)
	v.SetDefault("auth.token_algorithm", "HS256")
	v.SetDefault("auth.token_ttl", 8*time.Hour)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("auth.password_hasher", "bcrypt")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.state_store", "memory")
	v.SetDefault("auth.state_ttl", 10*time.Minute)
	v.SetDefault("auth.login_rate", 0.2)
	v.SetDefault("auth.login_burst", 5)
	v.SetDefault("auth.bootstrap_admin", "admin")
	v.SetDefault("oauth.scopes", "openid email profile")
	v.SetDefault("analysis.workers", 2)
	v.SetDefault("analysis.queue_size", 100)
	v.SetDefault("ai.timeout", 60*time.Second)
}

// Load reads app.yaml (if present) and DOCAUDIT_* environment variables.
// An explicit configFile overrides the search path.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/docaudit")
	}

	v.SetEnvPrefix("DOCAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvKeys binds keys without defaults so AutomaticEnv can see them
// during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"auth.secret_key",
		"auth.admin_api_key",
		"auth.bootstrap_admin_password",
		"database.user",
		"database.password",
		"oauth.authorize_url",
		"oauth.token_url",
		"oauth.userinfo_url",
		"oauth.client_id",
		"oauth.client_secret",
		"oauth.redirect_url",
		"ai.base_url",
		"ai.api_key",
		"ai.model",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.Debug && c.Environment == EnvProduction {
		return errors.New("config: debug must be false when environment is production")
	}
	if c.OAuth.Enabled() && (c.OAuth.TokenURL == "" || c.OAuth.UserInfoURL == "" || c.OAuth.RedirectURL == "") {
		return errors.New("config: oauth.token_url, oauth.userinfo_url and oauth.redirect_url are required when oauth.authorize_url is set")
	}
	if c.Database.IsSQLite() && c.Database.Path == "" {
		return errors.New("config: database.path is required for sqlite")
	}
	if !c.Database.IsSQLite() && c.Database.Host == "" {
		return errors.New("config: database.host is required for postgres")
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, e.Param(), e.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "min", "gt":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
