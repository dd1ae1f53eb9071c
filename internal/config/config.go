package config

import (
	"fmt"
	"net/url"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	BrokerURL   string `mapstructure:"BROKER_URL"`
	BrokerQueue string `mapstructure:"BROKER_QUEUE"`

	StorageRoot string `mapstructure:"STORAGE_ROOT"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	FHIRUpstreamURL string `mapstructure:"FHIR_UPSTREAM_URL"`

	RoleCreate          string `mapstructure:"ROLE_CREATE"`
	RoleAdmin           string `mapstructure:"ROLE_ADMIN"`
	RoleConverterUpload string `mapstructure:"ROLE_CONVERTER_UPLOAD"`

	UploadQueueDepth int `mapstructure:"UPLOAD_QUEUE_DEPTH"`
	UploadWorkers    int `mapstructure:"UPLOAD_WORKERS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("BROKER_QUEUE", "hello")
	v.SetDefault("STORAGE_ROOT", "./create-data")
	v.SetDefault("ROLE_CREATE", "create_resource")
	v.SetDefault("ROLE_ADMIN", "admin")
	v.SetDefault("ROLE_CONVERTER_UPLOAD", "converter_fhir_upload")
	v.SetDefault("UPLOAD_QUEUE_DEPTH", 64)
	v.SetDefault("UPLOAD_WORKERS", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BROKER_URL")
	v.BindEnv("BROKER_QUEUE")
	v.BindEnv("STORAGE_ROOT")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("FHIR_UPSTREAM_URL")
	v.BindEnv("ROLE_CREATE")
	v.BindEnv("ROLE_ADMIN")
	v.BindEnv("ROLE_CONVERTER_UPLOAD")
	v.BindEnv("UPLOAD_QUEUE_DEPTH")
	v.BindEnv("UPLOAD_WORKERS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("BROKER_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_ISSUER (or an explicit AUTH_JWKS_URL) must be set so that bearer tokens
// are actually verified against the identity provider.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if c.FHIRUpstreamURL != "" {
		u, err := url.Parse(c.FHIRUpstreamURL)
		if err != nil {
			return fmt.Errorf("FHIR_UPSTREAM_URL is not a valid URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("FHIR_UPSTREAM_URL must be an absolute URL, got %q", c.FHIRUpstreamURL)
		}
	}
	if c.UploadQueueDepth <= 0 {
		return fmt.Errorf("UPLOAD_QUEUE_DEPTH must be positive, got %d", c.UploadQueueDepth)
	}
	if c.UploadWorkers <= 0 {
		return fmt.Errorf("UPLOAD_WORKERS must be positive, got %d", c.UploadWorkers)
	}
	return nil
}
