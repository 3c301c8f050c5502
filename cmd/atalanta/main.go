// Command atalanta is the opportunity engine entry point. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and starts the engine in the configured mode.
//
// A second form, `atalanta encrypt-token`, encrypts a signer API token for
// use with the signer.encrypted_token_path config option.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/atalantalabs/atalanta/internal/app"
	"github.com/atalantalabs/atalanta/internal/config"
	"github.com/atalantalabs/atalanta/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-token" {
		if err := encryptToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("atalanta starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if err == context.Canceled {
			logger.Info("engine shut down gracefully")
		} else {
			logger.Error("engine exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("atalanta stopped")
}

// encryptToken reads the signer token and a password from the terminal and
// writes the encrypted credential file.
func encryptToken(args []string) error {
	fs := flag.NewFlagSet("encrypt-token", flag.ExitOnError)
	out := fs.String("out", "signer.token.enc", "output path for the encrypted token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprint(os.Stderr, "signer API token: ")
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if len(token) == 0 {
		return fmt.Errorf("empty token")
	}

	fmt.Fprint(os.Stderr, "password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	fmt.Fprint(os.Stderr, "confirm password: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	encrypted, err := crypto.EncryptToken(string(token), string(password))
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, encrypted, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "encrypted token written to %s\n", *out)
	return nil
}
