package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	ServiceName   string   `mapstructure:"SERVICE_NAME"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	QueueBackend string `mapstructure:"QUEUE_BACKEND"`
	QueueName    string `mapstructure:"QUEUE_NAME"`

	PipelineWorkers         int           `mapstructure:"PIPELINE_WORKERS"`
	PipelineSuggestionDelay time.Duration `mapstructure:"PIPELINE_SUGGESTION_DELAY"`

	BlobBackend string `mapstructure:"BLOB_BACKEND"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`

	ExtractionMode    string        `mapstructure:"EXTRACTION_MODE"`
	ExtractionURL     string        `mapstructure:"EXTRACTION_URL"`
	ExtractionTimeout time.Duration `mapstructure:"EXTRACTION_TIMEOUT"`

	OTelEndpoint string `mapstructure:"OTEL_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "SERVICE_NAME", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"REDIS_URL", "QUEUE_BACKEND", "QUEUE_NAME",
	"PIPELINE_WORKERS", "PIPELINE_SUGGESTION_DELAY",
	"BLOB_BACKEND", "S3_BUCKET", "S3_REGION",
	"EXTRACTION_MODE", "EXTRACTION_URL", "EXTRACTION_TIMEOUT",
	"OTEL_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVICE_NAME", "lhp-server")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("QUEUE_BACKEND", "memory")
	v.SetDefault("QUEUE_NAME", "lhp:pipeline")
	v.SetDefault("PIPELINE_WORKERS", 4)
	v.SetDefault("PIPELINE_SUGGESTION_DELAY", 3*time.Second)
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("EXTRACTION_MODE", "mock")
	v.SetDefault("EXTRACTION_TIMEOUT", 60*time.Second)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode without auth keys.")
		log.Println("WARNING: DevAuthMiddleware is active: identity comes from X-Dev-* headers.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseDevAuth reports whether header-based development identities are accepted.
func (c *Config) UseDevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == ""
}

// Validate checks that the configuration is safe to run and that every
// selected backend has the settings it needs.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}

	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be \"memory\" or \"redis\", got %q", c.QueueBackend)
	}

	switch c.BlobBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"s3\", got %q", c.BlobBackend)
	}

	switch c.ExtractionMode {
	case "mock":
	case "http":
		if c.ExtractionURL == "" {
			return fmt.Errorf("EXTRACTION_URL is required when EXTRACTION_MODE is \"http\"")
		}
	default:
		return fmt.Errorf("EXTRACTION_MODE must be \"mock\" or \"http\", got %q", c.ExtractionMode)
	}

	if c.PipelineWorkers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1, got %d", c.PipelineWorkers)
	}
	if c.PipelineSuggestionDelay < 0 {
		return fmt.Errorf("PIPELINE_SUGGESTION_DELAY must not be negative")
	}
	if c.IsProduction() && c.QueueBackend == "memory" {
		return fmt.Errorf("QUEUE_BACKEND=memory loses pipeline jobs on restart; use redis in production")
	}

	return nil
}
