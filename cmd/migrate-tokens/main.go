// Command migrate-tokens migrates stored OAuth tokens from plaintext to
// encrypted storage. It encrypts all rows where encryption_version=0
// (plaintext) to version=1 (AES-256-GCM).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--provider: Migrate one provider row only (default: all providers)
//
// Environment Variables:
//
//	DB_PATH: SQLite database path (default data/bot.db)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"

	"github.com/onnwee/streambot/crypto"
	"github.com/onnwee/streambot/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider row only (default: all providers)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(os.Getenv("DB_PATH"))
	if err != nil {
		slog.Error("failed to open db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	migrated, pending, err := migrateTokens(context.Background(), database, enc, *provider, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if *dryRun {
		slog.Info("dry run complete", slog.Int("pending", pending))
		return
	}
	slog.Info("migration complete", slog.Int("migrated", migrated))
}

// migrateTokens encrypts every plaintext token row (optionally filtered by
// provider) and returns how many rows were rewritten and how many matched.
func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, provider string, dryRun bool) (migrated, pending int, err error) {
	q := `SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	args := []any{}
	if provider != "" {
		q += ` AND provider = ?`
		args = append(args, provider)
	}
	rows, err := database.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	type tokenRow struct {
		provider string
		access   string
		refresh  string
	}
	var found []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.provider, &t.access, &t.refresh); err != nil {
			return 0, 0, err
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	if len(found) == 0 {
		slog.Info("no plaintext tokens found, nothing to migrate")
		return 0, 0, nil
	}
	slog.Info("plaintext tokens found", slog.Int("count", len(found)))

	for _, t := range found {
		if dryRun {
			slog.Info("would migrate", slog.String("provider", t.provider))
			continue
		}
		encAccess, err := crypto.EncryptString(enc, t.access)
		if err != nil {
			return migrated, len(found), err
		}
		encRefresh, err := crypto.EncryptString(enc, t.refresh)
		if err != nil {
			return migrated, len(found), err
		}
		_, err = database.ExecContext(ctx,
			`UPDATE oauth_tokens SET access_token=?, refresh_token=?, encryption_version=1, encryption_key_id='default', updated_at=CURRENT_TIMESTAMP
			 WHERE provider=?`, encAccess, encRefresh, t.provider)
		if err != nil {
			return migrated, len(found), err
		}
		migrated++
		slog.Info("migrated", slog.String("provider", t.provider))
	}
	return migrated, len(found), nil
}
