// Package app assembles the identity server from configuration.
//
// Bootstrap is the only place services are constructed. It returns an App
// holding every dependency by value or pointer; nothing is registered in
// package-level state, and nothing in App changes after Bootstrap returns.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"identity-server/internal/config"
	apphttp "identity-server/internal/http"
	"identity-server/internal/mail"
	"identity-server/internal/repository/sqlite"
	"identity-server/internal/service"
	"identity-server/internal/storage"
)

// App is the fully wired server.
type App struct {
	Config  config.Config
	DB      *sql.DB
	Users   service.UserService
	Mailer  mail.Sender
	Handler *apphttp.Handler
	Logger  *logrus.Logger
}

// Bootstrap opens the store, applies the schema and builds the services. Any
// error leaves nothing open behind it.
func Bootstrap(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ds, err := sqlite.ParseConnectionString(cfg.ConnectionStrings.AppDbContextConnection)
	if err != nil {
		return nil, fmt.Errorf("AppDbContextConnection: %w", err)
	}

	db, err := sqlite.Open(ds)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	applied, err := sqlite.Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if applied > 0 {
		logger.Infof("applied %d schema migration(s)", applied)
	}

	sender, err := buildSender(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setup mail: %w", err)
	}

	secret, err := tokenSecret(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	users := service.NewUserService(sqlite.NewUserRepository(db), sender, service.NewTokenIssuer(secret), service.Options{
		RequireConfirmedAccount: cfg.Identity.RequireConfirmedAccount,
		Lockout: service.LockoutOptions{
			MaxFailedAttempts: cfg.Identity.Lockout.MaxFailedAttempts,
			Duration:          cfg.Identity.Lockout.Duration,
		},
		Password: service.PasswordPolicy{
			RequiredLength:         cfg.Identity.Password.RequiredLength,
			RequiredUniqueChars:    cfg.Identity.Password.RequiredUniqueChars,
			RequireDigit:           cfg.Identity.Password.RequireDigit,
			RequireLowercase:       cfg.Identity.Password.RequireLowercase,
			RequireUppercase:       cfg.Identity.Password.RequireUppercase,
			RequireNonAlphanumeric: cfg.Identity.Password.RequireNonAlphanumeric,
		},
		PublicURL:  cfg.Server.PublicURL,
		TokenTTL:   cfg.Auth.TokenTTL,
		SessionTTL: cfg.Auth.SessionTTL,
		Logger:     logger,
	})

	handler := apphttp.NewHandler(users, apphttp.Config{
		CookieName:    cfg.Auth.CookieName,
		SecureCookies: strings.HasPrefix(strings.ToLower(cfg.Server.PublicURL), "https://"),
		Logger:        logger,
	})

	return &App{
		Config:  cfg,
		DB:      db,
		Users:   users,
		Mailer:  sender,
		Handler: handler,
		Logger:  logger,
	}, nil
}

// Router builds the gin engine serving the app.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	a.Handler.RegisterRoutes(router)
	return router
}

func (a *App) Close() error {
	return a.DB.Close()
}

func buildSender(ctx context.Context, cfg config.Config, logger *logrus.Logger) (mail.Sender, error) {
	switch cfg.Mail.Transport {
	case "smtp":
		logger.Infof("sending mail through smtp relay %s", cfg.Mail.SMTP.Host)
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.From,
		}), nil
	case "s3":
		store, err := buildStorage(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return mail.NewDropSender(mail.DropConfig{
			Bucket:    cfg.Mail.S3.Bucket,
			KeyPrefix: cfg.Mail.S3.KeyPrefix,
			From:      cfg.Mail.From,
			Logger:    logger,
		}, store), nil
	default:
		logger.Warn("mail transport is noop: confirmation and reset emails are not delivered")
		return mail.NoopSender{}, nil
	}
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Mail.S3.Bucket == "" {
		return nil, fmt.Errorf("mail drop bucket is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Mail.S3.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Mail.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Mail.S3.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("dropping mail into s3 bucket %s (region %s)", cfg.Mail.S3.Bucket, cfg.Mail.S3.Region)
	return storage.NewS3Service(client), nil
}

func tokenSecret(cfg config.Config, logger *logrus.Logger) ([]byte, error) {
	if secret := strings.TrimSpace(cfg.Auth.TokenSecret); secret != "" {
		return []byte(secret), nil
	}
	logger.Warn("auth token secret not set: using a random key, sessions and emailed links end with this process")
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return buf, nil
}
