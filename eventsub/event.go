// Package eventsub maintains persistent EventSub WebSocket sessions against
// the Twitch event bus and normalizes notifications into a single typed
// event stream for the router.
package eventsub

import (
	"encoding/json"
	"strconv"
)

// Kind tags a normalized event. The set is closed: the session manager only
// emits kinds listed here, so consumers can switch exhaustively.
type Kind string

const (
	KindChat    Kind = "chat"
	KindFollow  Kind = "follow"
	KindSub     Kind = "sub"
	KindResub   Kind = "resub"
	KindSubGift Kind = "subgift"
	KindCheer   Kind = "cheer"
	KindRaid    Kind = "raid"
	KindAdBreak Kind = "adbreak"
)

// Event is the normalized inbound event. Both ingress paths (WebSocket
// sessions and webhook intake) produce this shape, so the router never
// distinguishes origin. Treat as immutable once constructed.
type Event struct {
	Kind          Kind
	ChannelID     string
	ChannelLogin  string
	UserID        string
	UserLogin     string
	UserName      string
	IsMod         bool
	IsBroadcaster bool
	MessageID     string
	Text          string
	ReplyParentID string
	Extra         map[string]string
}

// envelope is the EventSub wire frame shared by all message types.
type envelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		ReconnectURL            string `json:"reconnect_url"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// Normalize translates one notification payload into an Event. ok is false
// for subscription types without a translator; those are dropped upstream.
func Normalize(subType string, raw json.RawMessage) (Event, bool) {
	fn, ok := translators[subType]
	if !ok {
		return Event{}, false
	}
	ev, err := fn(raw)
	if err != nil {
		return Event{}, false
	}
	return ev, true
}

var translators = map[string]func(json.RawMessage) (Event, error){
	"channel.chat.message":         normalizeChat,
	"channel.follow":               normalizeFollow,
	"channel.subscribe":            normalizeSub,
	"channel.subscription.message": normalizeResub,
	"channel.subscription.gift":    normalizeSubGift,
	"channel.cheer":                normalizeCheer,
	"channel.raid":                 normalizeRaid,
	"channel.ad_break.begin":       normalizeAdBreak,
}

func normalizeChat(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		ChatterUserID        string `json:"chatter_user_id"`
		ChatterUserLogin     string `json:"chatter_user_login"`
		ChatterUserName      string `json:"chatter_user_name"`
		MessageID            string `json:"message_id"`
		Message              struct {
			Text string `json:"text"`
		} `json:"message"`
		Reply *struct {
			ParentMessageID string `json:"parent_message_id"`
		} `json:"reply"`
		Badges []struct {
			SetID string `json:"set_id"`
		} `json:"badges"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	ev := Event{
		Kind:         KindChat,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		UserID:       p.ChatterUserID,
		UserLogin:    p.ChatterUserLogin,
		UserName:     p.ChatterUserName,
		MessageID:    p.MessageID,
		Text:         p.Message.Text,
	}
	if p.Reply != nil {
		ev.ReplyParentID = p.Reply.ParentMessageID
	}
	for _, b := range p.Badges {
		switch b.SetID {
		case "moderator":
			ev.IsMod = true
		case "broadcaster":
			ev.IsBroadcaster = true
		}
	}
	return ev, nil
}

func normalizeFollow(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		UserID               string `json:"user_id"`
		UserLogin            string `json:"user_login"`
		UserName             string `json:"user_name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	return Event{
		Kind:         KindFollow,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		UserID:       p.UserID,
		UserLogin:    p.UserLogin,
		UserName:     p.UserName,
	}, nil
}

func normalizeSub(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		UserID               string `json:"user_id"`
		UserLogin            string `json:"user_login"`
		UserName             string `json:"user_name"`
		Tier                 string `json:"tier"`
		IsGift               bool   `json:"is_gift"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	return Event{
		Kind:         KindSub,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		UserID:       p.UserID,
		UserLogin:    p.UserLogin,
		UserName:     p.UserName,
		Extra: map[string]string{
			"tier":   p.Tier,
			"isGift": strconv.FormatBool(p.IsGift),
		},
	}, nil
}

func normalizeResub(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		UserID               string `json:"user_id"`
		UserLogin            string `json:"user_login"`
		UserName             string `json:"user_name"`
		Tier                 string `json:"tier"`
		CumulativeMonths     int    `json:"cumulative_months"`
		StreakMonths         *int   `json:"streak_months"`
		Message              struct {
			Text string `json:"text"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	extra := map[string]string{
		"tier":   p.Tier,
		"months": strconv.Itoa(p.CumulativeMonths),
	}
	if p.StreakMonths != nil {
		extra["streak"] = strconv.Itoa(*p.StreakMonths)
	}
	return Event{
		Kind:         KindResub,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		UserID:       p.UserID,
		UserLogin:    p.UserLogin,
		UserName:     p.UserName,
		Text:         p.Message.Text,
		Extra:        extra,
	}, nil
}

func normalizeSubGift(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		UserID               string `json:"user_id"`
		UserLogin            string `json:"user_login"`
		UserName             string `json:"user_name"`
		Tier                 string `json:"tier"`
		Total                int    `json:"total"`
		IsAnonymous          bool   `json:"is_anonymous"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	return Event{
		Kind:         KindSubGift,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		UserID:       p.UserID,
		UserLogin:    p.UserLogin,
		UserName:     p.UserName,
		Extra: map[string]string{
			"tier":      p.Tier,
			"count":     strconv.Itoa(p.Total),
			"anonymous": strconv.FormatBool(p.IsAnonymous),
		},
	}, nil
}

func normalizeCheer(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		UserID               string `json:"user_id"`
		UserLogin            string `json:"user_login"`
		UserName             string `json:"user_name"`
		Bits                 int    `json:"bits"`
		Message              string `json:"message"`
		IsAnonymous          bool   `json:"is_anonymous"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	return Event{
		Kind:         KindCheer,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		UserID:       p.UserID,
		UserLogin:    p.UserLogin,
		UserName:     p.UserName,
		Text:         p.Message,
		Extra: map[string]string{
			"bits":      strconv.Itoa(p.Bits),
			"anonymous": strconv.FormatBool(p.IsAnonymous),
		},
	}, nil
}

func normalizeRaid(raw json.RawMessage) (Event, error) {
	var p struct {
		ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
		ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
		FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
		FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
		FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
		Viewers                  int    `json:"viewers"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	return Event{
		Kind:         KindRaid,
		ChannelID:    p.ToBroadcasterUserID,
		ChannelLogin: p.ToBroadcasterUserLogin,
		UserID:       p.FromBroadcasterUserID,
		UserLogin:    p.FromBroadcasterUserLogin,
		UserName:     p.FromBroadcasterUserName,
		Extra: map[string]string{
			"viewers": strconv.Itoa(p.Viewers),
		},
	}, nil
}

func normalizeAdBreak(raw json.RawMessage) (Event, error) {
	var p struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		DurationSeconds      int    `json:"duration_seconds"`
		IsAutomatic          bool   `json:"is_automatic"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, err
	}
	return Event{
		Kind:         KindAdBreak,
		ChannelID:    p.BroadcasterUserID,
		ChannelLogin: p.BroadcasterUserLogin,
		Extra: map[string]string{
			"seconds":   strconv.Itoa(p.DurationSeconds),
			"automatic": strconv.FormatBool(p.IsAutomatic),
		},
	}, nil
}
