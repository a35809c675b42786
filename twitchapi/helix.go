// Package twitchapi contains helpers to interact with Twitch Helix APIs:
// chat sends, announcements, shoutouts, moderation, EventSub subscription
// management, and user/stream/channel lookups.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// UpstreamError captures a non-2xx Helix or id-service response. Callers can
// branch on Status (401 triggers token invalidation, 429 backs off).
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("twitch upstream error: status %d: %s", e.Status, e.Body)
}

// IsUpstreamStatus reports whether err is an UpstreamError with the given status.
func IsUpstreamStatus(err error, status int) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == status
}

// HelixClient wraps the Helix endpoints the bot needs. Lookups and chat sends
// use the app token; moderation and announcements need the bot user token.
type HelixClient struct {
	ClientID   string
	AppTokens  TokenProvider
	BotTokens  TokenProvider
	HTTPClient *http.Client
	BaseURL    string // test override; defaults to https://api.twitch.tv/helix
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

// do performs one authenticated Helix request. A nil body sends no payload;
// out may be nil when the response body is irrelevant. Non-2xx statuses come
// back as *UpstreamError, never a panic. A client wired without the token
// provider an endpoint needs fails with an error too.
func (hc *HelixClient) do(ctx context.Context, tokens TokenProvider, method, path string, q url.Values, body, out any) error {
	if tokens == nil {
		return errors.New("helix client has no token provider for this endpoint")
	}
	tok, err := tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.base()+path, rd)
	if err != nil {
		return err
	}
	if q != nil {
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &UpstreamError{Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/users", q, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found: %s", login)
	}
	return body.Data[0].ID, nil
}

// StreamInfo describes a currently live stream.
type StreamInfo struct {
	Title     string
	GameName  string
	StartedAt time.Time
	Viewers   int
}

// GetStream returns live-stream info for a broadcaster; live is false when
// the channel is offline.
func (hc *HelixClient) GetStream(ctx context.Context, broadcasterID string) (StreamInfo, bool, error) {
	q := url.Values{}
	q.Set("user_id", broadcasterID)
	var body struct {
		Data []struct {
			Title       string `json:"title"`
			GameName    string `json:"game_name"`
			StartedAt   string `json:"started_at"`
			ViewerCount int    `json:"viewer_count"`
		} `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/streams", q, nil, &body); err != nil {
		return StreamInfo{}, false, err
	}
	if len(body.Data) == 0 {
		return StreamInfo{}, false, nil
	}
	d := body.Data[0]
	started, _ := time.Parse(time.RFC3339, d.StartedAt)
	return StreamInfo{Title: d.Title, GameName: d.GameName, StartedAt: started, Viewers: d.ViewerCount}, true, nil
}

// ChannelInfo describes the channel metadata (valid offline too).
type ChannelInfo struct {
	Title    string
	GameName string
}

// GetChannelInfo returns the channel title and category.
func (hc *HelixClient) GetChannelInfo(ctx context.Context, broadcasterID string) (ChannelInfo, error) {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	var body struct {
		Data []struct {
			Title    string `json:"title"`
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/channels", q, nil, &body); err != nil {
		return ChannelInfo{}, err
	}
	if len(body.Data) == 0 {
		return ChannelInfo{}, fmt.Errorf("channel not found: %s", broadcasterID)
	}
	return ChannelInfo{Title: body.Data[0].Title, GameName: body.Data[0].GameName}, nil
}

// SendChatMessage posts a chat message as senderID into broadcasterID's chat.
// replyParentID threads the message under an existing one when non-empty.
// Returns the new message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message, replyParentID string) (string, error) {
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	}
	if replyParentID != "" {
		payload["reply_parent_message_id"] = replyParentID
	}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodPost, "/chat/messages", nil, payload, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", errors.New("empty chat send response")
	}
	d := body.Data[0]
	if !d.IsSent {
		reason := "unknown"
		if d.DropReason != nil {
			reason = d.DropReason.Code + ": " + d.DropReason.Message
		}
		return "", fmt.Errorf("chat message dropped: %s", reason)
	}
	return d.MessageID, nil
}

// SendAnnouncement posts a highlighted announcement. Requires the bot user
// token with moderator privileges on the channel.
func (hc *HelixClient) SendAnnouncement(ctx context.Context, broadcasterID, moderatorID, message, color string) error {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	payload := map[string]string{"message": message}
	if color != "" {
		payload["color"] = color
	}
	return hc.do(ctx, hc.BotTokens, http.MethodPost, "/chat/announcements", q, payload, nil)
}

// SendShoutout issues a Helix shoutout from one broadcaster to another.
func (hc *HelixClient) SendShoutout(ctx context.Context, fromBroadcasterID, toBroadcasterID, moderatorID string) error {
	q := url.Values{}
	q.Set("from_broadcaster_id", fromBroadcasterID)
	q.Set("to_broadcaster_id", toBroadcasterID)
	q.Set("moderator_id", moderatorID)
	return hc.do(ctx, hc.BotTokens, http.MethodPost, "/chat/shoutouts", q, nil, nil)
}

// DeleteChatMessage removes a single chat message.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("moderator_id", moderatorID)
	q.Set("message_id", messageID)
	return hc.do(ctx, hc.BotTokens, http.MethodDelete, "/moderation/chat", q, nil, nil)
}

// SubscriptionRequest describes one EventSub subscription to create over the
// WebSocket transport.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	SessionID string            `json:"-"`
}

// CreateEventSubSubscription registers a subscription bound to a WebSocket
// session. WebSocket-transport subscriptions must be created with the user
// token of the authorizing account, so the caller passes the token source.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, tokens TokenProvider, sub SubscriptionRequest) error {
	payload := struct {
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Condition map[string]string `json:"condition"`
		Transport map[string]string `json:"transport"`
	}{
		Type:      sub.Type,
		Version:   sub.Version,
		Condition: sub.Condition,
		Transport: map[string]string{"method": "websocket", "session_id": sub.SessionID},
	}
	return hc.do(ctx, tokens, http.MethodPost, "/eventsub/subscriptions", nil, payload, nil)
}
