package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"livesession/internal/app"
	"livesession/internal/auth"
	"livesession/internal/config"
	"livesession/internal/logging"
)

// ConfigFileEnv points at an optional yaml/json/toml config file.
const ConfigFileEnv = "LIVESESSION_CONFIG_FILE"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logrus.WithError(err).Fatal("livesession exited")
	}
}

// run dispatches to a subcommand. No arguments means serve.
func run(args []string, out io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return issueToken(args[1:], out)
	}

	fs := flag.NewFlagSet("livesession", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(ConfigFileEnv), "path to a config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return err
	}
	return serve(cfg)
}

func serve(cfg *config.Config) error {
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	logrus.Info("Shutdown signal received, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// issueToken prints a signed token for local testing.
func issueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", os.Getenv(ConfigFileEnv), "path to a config file")
	userID := fs.String("user", "", "user id (token subject)")
	role := fs.String("role", "STUDENT", "role claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("token: -user is required")
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return err
	}
	token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).IssueToken(*userID, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
