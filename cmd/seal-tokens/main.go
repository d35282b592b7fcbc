// Package main provides a CLI tool that seals plaintext OAuth tokens in the users table.
//
// Tokens written before sealing was enforced, or inserted by hand, are stored
// as plaintext. The bridge rejects those as tampered. This tool encrypts every
// token that does not already have the sealed nonce:ciphertext shape.
//
// Usage:
//
//	seal-tokens [--dry-run] [--user USERNAME]
//
// Flags:
//
//	--dry-run: Show what would be sealed without making changes
//	--user: Seal tokens for a specific user only (default: all users)
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	CRYPT_SECRET_KEY: Passphrase the bridge seals tokens with (required)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/tvyt/backend/crypto"
	"github.com/onnwee/tvyt/backend/db"
)

// tokenStore is the part of db.Store the tool needs.
type tokenStore interface {
	ListUserTokens(ctx context.Context, username string) ([]db.UserTokens, error)
	SetToken(ctx context.Context, username string, f db.TokenField, value string) error
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be sealed without making changes")
	user := flag.String("user", "", "Seal tokens for a specific user only (default: all users)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("CRYPT_SECRET_KEY")
	if key == "" {
		slog.Error("CRYPT_SECRET_KEY environment variable is required")
		os.Exit(1)
	}
	vault, err := crypto.NewVault(key)
	if err != nil {
		slog.Error("failed to initialize vault", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close() //nolint:errcheck // process exits right after

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	n, err := sealTokens(ctx, db.NewStore(database), vault, *dryRun, *user)
	if err != nil {
		slog.Error("sealing failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("sealing completed successfully", slog.Int("sealed", n), slog.Bool("dry_run", *dryRun))
}

// sealTokens encrypts every plaintext token and returns how many it sealed
// (or would seal, in dry-run mode). Failures are counted and reported together.
func sealTokens(ctx context.Context, store tokenStore, enc crypto.Encryptor, dryRun bool, userFilter string) (int, error) {
	users, err := store.ListUserTokens(ctx, userFilter)
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}

	sealed, errorCount := 0, 0
	for _, u := range users {
		for _, f := range db.TokenFields {
			value, ok := u.Tokens[f]
			if !ok || crypto.IsSealed(value) {
				continue
			}
			logger := slog.With(
				slog.String("user", u.Username),
				slog.String("platform", string(f.Platform)),
				slog.Bool("refresh", f.Refresh))

			if dryRun {
				logger.Info("would seal token (dry-run)")
				sealed++
				continue
			}
			out, err := enc.Encrypt(value)
			if err == nil {
				err = store.SetToken(ctx, u.Username, f, out)
			}
			if err != nil {
				logger.Error("failed to seal token", slog.Any("error", err))
				errorCount++
				continue
			}
			logger.Info("sealed token")
			sealed++
		}
	}

	slog.Info("sealing summary",
		slog.Int("users", len(users)),
		slog.Int("sealed", sealed),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))
	if errorCount > 0 {
		return sealed, fmt.Errorf("sealing completed with %d errors", errorCount)
	}
	return sealed, nil
}
