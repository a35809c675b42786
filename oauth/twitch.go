package oauth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/onnwee/streambot/twitchapi"
)

// BroadcasterRefresh returns a RefreshFunc for the broadcaster user token,
// backed by the Twitch token endpoint directly.
func BroadcasterRefresh(clientID, clientSecret string) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(ctx, clientID, clientSecret, refreshToken, "")
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	}
}

// BotRefresh returns a RefreshFunc for the bot user token, driven by an
// oauth2.Config so the standard token source handles the exchange.
func BotRefresh(clientID, clientSecret string) RefreshFunc {
	oc := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: endpoints.Twitch}
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
	}
}
