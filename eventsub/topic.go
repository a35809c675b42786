package eventsub

// Topic declares one EventSub subscription: type, version, and the condition
// filter scoping it to a channel (and, where the platform requires it, the
// bot identity acting as moderator).
type Topic struct {
	Type      string
	Version   string
	Condition map[string]string
}

// ChannelTopics builds the standard topic set for one broadcaster. botUserID
// scopes chat delivery and satisfies the moderator requirement on follow v2
// and ad-break topics.
func ChannelTopics(broadcasterID, botUserID string) []Topic {
	return []Topic{
		{
			Type:    "channel.chat.message",
			Version: "1",
			Condition: map[string]string{
				"broadcaster_user_id": broadcasterID,
				"user_id":             botUserID,
			},
		},
		{
			Type:    "channel.follow",
			Version: "2",
			Condition: map[string]string{
				"broadcaster_user_id": broadcasterID,
				"moderator_user_id":   botUserID,
			},
		},
		{
			Type:      "channel.subscribe",
			Version:   "1",
			Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		},
		{
			Type:      "channel.subscription.message",
			Version:   "1",
			Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		},
		{
			Type:      "channel.subscription.gift",
			Version:   "1",
			Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		},
		{
			Type:      "channel.cheer",
			Version:   "1",
			Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		},
		{
			Type:      "channel.raid",
			Version:   "1",
			Condition: map[string]string{"to_broadcaster_user_id": broadcasterID},
		},
		{
			Type:    "channel.ad_break.begin",
			Version: "1",
			Condition: map[string]string{
				"broadcaster_user_id": broadcasterID,
			},
		},
	}
}
