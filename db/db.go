// Package db provides database connection helpers, schema migration, and small data access helpers
// for the embedded SQLite ledger.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // sqlite driver registered as 'sqlite'

	"github.com/onnwee/streambot/crypto"
)

var (
	// encryptor is the global encryptor instance for OAuth token encryption
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the global encryptor from ENCRYPTION_KEY environment variable.
// If ENCRYPTION_KEY is not set, encryption is disabled (encryption_version = 0).
// This is called lazily on first use.
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}

		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}

		encryptor = enc
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

// getEncryptor returns the global encryptor instance, initializing it if necessary.
// Returns nil if encryption is not configured (ENCRYPTION_KEY not set).
func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens the embedded SQLite ledger at path (DB_PATH or a local default),
// applies concurrency pragmas, and runs a quick integrity probe so corruption
// fails loudly at startup instead of mid-dispatch.
func Connect(path string) (*sql.DB, error) {
	if path == "" {
		path = os.Getenv("DB_PATH")
	}
	if path == "" {
		path = "data/bot.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create data dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	// WAL allows cross-process reads with one writer; NORMAL sync is the
	// standard trade-off under WAL.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "pragma %s", p)
		}
	}

	var res string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&res); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "integrity probe")
	}
	if !strings.EqualFold(res, "ok") {
		_ = db.Close()
		return nil, errors.Errorf("sqlite integrity check failed: %s", res)
	}

	return db, nil
}

// UpsertOAuthToken stores or updates an OAuth token for a provider (e.g., twitch-broadcaster, twitch-bot).
// If encryption is enabled (ENCRYPTION_KEY set), tokens are encrypted before storage.
// encryption_version=1 indicates encrypted tokens, version=0 indicates plaintext.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return errors.Wrap(err, "get encryptor")
	}

	encVersion := 0
	encKeyID := ""
	accessToStore := access
	refreshToStore := refresh

	if enc != nil {
		encVersion = 1
		encKeyID = "default"

		if access != "" {
			encAccess, err := crypto.EncryptString(enc, access)
			if err != nil {
				return errors.Wrap(err, "encrypt access token")
			}
			accessToStore = encAccess
		}
		if refresh != "" {
			encRefresh, err := crypto.EncryptString(enc, refresh)
			if err != nil {
				return errors.Wrap(err, "encrypt refresh token")
			}
			refreshToStore = encRefresh
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES(?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=excluded.access_token,
		    refresh_token=excluded.refresh_token,
		    expires_at=excluded.expires_at,
		    scope=excluded.scope,
		    encryption_version=excluded.encryption_version,
		    encryption_key_id=excluded.encryption_key_id,
		    updated_at=CURRENT_TIMESTAMP`
	_, err = dbx.ExecContext(ctx, q, provider, accessToStore, refreshToStore, expiry.UTC().Format(time.RFC3339Nano), scope, encVersion, encKeyID)
	return errors.Wrap(err, "upsert oauth token")
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
// Automatically decrypts tokens if encryption_version=1 and encryption is configured.
// Supports backward compatibility: reads plaintext tokens (version=0) without decryption.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	var encKeyID sql.NullString
	var expStr string

	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = ?`, provider)

	err = row.Scan(&access, &refresh, &expStr, &scope, &encVersion, &encKeyID)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", errors.Wrap(err, "scan oauth token")
	}
	if t, perr := time.Parse(time.RFC3339Nano, expStr); perr == nil {
		expiry = t
	}

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", errors.Wrap(encErr, "get encryptor for decryption")
		}
		if enc == nil {
			return "", "", time.Time{}, "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}

		if access != "" {
			decAccess, decErr := crypto.DecryptString(enc, access)
			if decErr != nil {
				return "", "", time.Time{}, "", errors.Wrap(decErr, "decrypt access token")
			}
			access = decAccess
		}
		if refresh != "" {
			decRefresh, decErr := crypto.DecryptString(enc, refresh)
			if decErr != nil {
				return "", "", time.Time{}, "", errors.Wrap(decErr, "decrypt refresh token")
			}
			refresh = decRefresh
		}
	}

	return access, refresh, expiry, scope, nil
}

// GetKV returns a kv value or "" when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, errors.Wrap(err, "get kv")
}

// SetKV stores a kv value.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES(?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, key, value)
	return errors.Wrap(err, "set kv")
}
