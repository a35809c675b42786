package twitchapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/streambot/db"
)

// UserTokenSource yields a user access token for one authority (broadcaster or
// bot account), backed by the oauth_tokens table. Tokens near expiry are
// refreshed via the refresh_token grant and written back so the stored row
// always holds the latest pair. Rows are seeded out of band (initial
// authorization happens outside this process).
type UserTokenSource struct {
	DB           *sql.DB
	Provider     string // oauth_tokens row key, e.g. "twitch" or "twitch_bot"
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	TokenURL     string // test override

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Get returns a valid user access token, refreshing and persisting when the
// cached or stored token is within the expiry buffer.
func (us *UserTokenSource) Get(ctx context.Context) (string, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	if us.token != "" && time.Until(us.expiresAt) > 60*time.Second {
		return us.token, nil
	}

	access, refresh, expiry, scope, err := db.GetOAuthToken(ctx, us.DB, us.Provider)
	if err != nil {
		return "", fmt.Errorf("load %s token: %w", us.Provider, err)
	}
	if access == "" && refresh == "" {
		return "", fmt.Errorf("no stored oauth token for provider %q (authorize the account first)", us.Provider)
	}

	if access != "" && time.Until(expiry) > 60*time.Second {
		us.token, us.expiresAt = access, expiry
		return us.token, nil
	}

	if refresh == "" {
		return "", errors.New("stored token expired and no refresh token available")
	}
	res, err := RefreshToken(ctx, us.ClientID, us.ClientSecret, refresh, us.TokenURL)
	if err != nil {
		return "", fmt.Errorf("refresh %s token: %w", us.Provider, err)
	}
	newRefresh := res.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	newExpiry := ComputeExpiry(res.ExpiresIn)
	if err := db.UpsertOAuthToken(ctx, us.DB, us.Provider, res.AccessToken, newRefresh, newExpiry, scope); err != nil {
		return "", fmt.Errorf("persist refreshed %s token: %w", us.Provider, err)
	}

	us.token, us.expiresAt = res.AccessToken, newExpiry
	return us.token, nil
}

// Invalidate drops the cached token so the next Get re-reads the store. Used
// after an upstream 401 in case another process rotated the row.
func (us *UserTokenSource) Invalidate() {
	us.mu.Lock()
	us.token = ""
	us.expiresAt = time.Time{}
	us.mu.Unlock()
}
