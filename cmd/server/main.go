package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"identity-server/internal/app"
	"identity-server/internal/config"
	"identity-server/internal/repository/sqlite"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cliApp := &cli.App{
		Name:   "identity-server",
		Usage:  "account registration, sign-in and consent pages",
		Action: func(c *cli.Context) error { return serve(c.Context, logger) },
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server (default)",
				Action: func(c *cli.Context) error { return serve(c.Context, logger) },
			},
			{
				Name:   "migrate",
				Usage:  "apply the database schema and exit",
				Action: func(c *cli.Context) error { return migrate(c.Context, logger) },
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.Fatalf("%v", err)
	}
}

func loadConfig(logger *logrus.Logger) config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	return cfg
}

func serve(parent context.Context, logger *logrus.Logger) error {
	cfg := loadConfig(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	a, err := app.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: a.Router(),
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
	return nil
}

func migrate(ctx context.Context, logger *logrus.Logger) error {
	cfg := loadConfig(logger)

	ds, err := sqlite.ParseConnectionString(cfg.ConnectionStrings.AppDbContextConnection)
	if err != nil {
		logger.Fatalf("AppDbContextConnection: %v", err)
	}
	db, err := sqlite.Open(ds)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	applied, err := sqlite.Migrate(ctx, db)
	if err != nil {
		return err
	}
	logger.Infof("schema up to date (%d migration(s) applied)", applied)
	return nil
}
