package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingConnectionString is returned when the store connection string is not configured.
var ErrMissingConnectionString = errors.New("connection string AppDbContextConnection is required")

// Config holds application level configuration aggregated from env/config files.
// It is built once at startup and treated as read-only afterwards.
type Config struct {
	ConnectionStrings struct {
		AppDbContextConnection string
	}
	Server struct {
		Addr      string `validate:"required"`
		PublicURL string `validate:"required,url"`
	}
	Log struct {
		Level string `validate:"oneof=trace debug info warn warning error"`
	}
	Identity IdentityConfig
	Auth     struct {
		TokenSecret string
		SessionTTL  time.Duration `validate:"gt=0"`
		TokenTTL    time.Duration `validate:"gt=0"`
		CookieName  string        `validate:"required"`
	}
	Mail struct {
		Transport string `validate:"oneof=noop smtp s3"`
		From      string `validate:"required,email"`
		SMTP      struct {
			Host     string
			Port     int    `validate:"gte=0,lte=65535"`
			Username string
			Password string
		}
		S3 struct {
			Bucket    string
			KeyPrefix string
			Region    string
			Endpoint  string
		}
	}
	AWS struct {
		Profile string
	}
}

// IdentityConfig mirrors the account policy knobs of the identity service.
type IdentityConfig struct {
	RequireConfirmedAccount bool
	Lockout                 struct {
		MaxFailedAttempts int           `validate:"gte=0"`
		Duration          time.Duration `validate:"gte=0"`
	}
	Password struct {
		RequiredLength         int `validate:"gte=1"`
		RequiredUniqueChars    int `validate:"gte=0"`
		RequireDigit           bool
		RequireLowercase       bool
		RequireUppercase       bool
		RequireNonAlphanumeric bool
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// optional; variables already in the environment win
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("IDENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connectionstrings.appdbcontextconnection", "")
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.publicurl", "http://localhost:8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("identity.requireconfirmedaccount", true)
	v.SetDefault("identity.lockout.maxfailedattempts", 5)
	v.SetDefault("identity.lockout.duration", 5*time.Minute)
	v.SetDefault("identity.password.requiredlength", 6)
	v.SetDefault("identity.password.requireduniquechars", 1)
	v.SetDefault("identity.password.requiredigit", true)
	v.SetDefault("identity.password.requirelowercase", true)
	v.SetDefault("identity.password.requireuppercase", true)
	v.SetDefault("identity.password.requirenonalphanumeric", true)

	v.SetDefault("auth.tokensecret", "")
	v.SetDefault("auth.sessionttl", 14*24*time.Hour)
	v.SetDefault("auth.tokenttl", 24*time.Hour)
	v.SetDefault("auth.cookiename", ".AspNetCore.Identity.Application")

	v.SetDefault("mail.transport", "noop")
	v.SetDefault("mail.from", "no-reply@localhost.localdomain")
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.username", "")
	v.SetDefault("mail.smtp.password", "")
	v.SetDefault("mail.s3.bucket", "")
	v.SetDefault("mail.s3.keyprefix", "outbox")
	v.SetDefault("mail.s3.region", "us-east-1")
	v.SetDefault("mail.s3.endpoint", "")
	v.SetDefault("aws.profile", "")
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the loaded values; a missing connection string is reported
// as ErrMissingConnectionString so callers can refuse to start.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ConnectionStrings.AppDbContextConnection) == "" {
		return ErrMissingConnectionString
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Mail.Transport {
	case "smtp":
		if strings.TrimSpace(c.Mail.SMTP.Host) == "" {
			return fmt.Errorf("invalid config: mail.smtp.host is required for the smtp transport")
		}
	case "s3":
		if strings.TrimSpace(c.Mail.S3.Bucket) == "" {
			return fmt.Errorf("invalid config: mail.s3.bucket is required for the s3 transport")
		}
	}
	return nil
}
