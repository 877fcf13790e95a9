package domain

// Member is a token-bound room participant. Members are never removed once
// minted so a reload can rejoin with the same token.
type Member struct {
	ExternalID  string `json:"discordId"`
	DisplayName string `json:"username"`
	IsHost      bool   `json:"isHost"`
	Connected   bool   `json:"connected"`
	ConnectedAt int64  `json:"connectedAt"` // unix ms of first WebSocket attach, 0 if never
	LastPingMs  int64  `json:"lastPingMs"`
}

// Rating is a single 1-10 session vote. At most one per ExternalID; later
// votes replace earlier ones.
type Rating struct {
	ExternalID  string `json:"discordId"`
	DisplayName string `json:"username"`
	Value       int    `json:"rating"`
	RatedAt     int64  `json:"ratedAt"` // unix ms
}

// DiscordSession binds a room to the chat-bot conversation that created it.
type DiscordSession struct {
	ChannelID     string `json:"channelId"`
	MessageID     string `json:"messageId"`
	GuildID       string `json:"guildId"`
	HostDiscordID string `json:"hostDiscordId"`
	HostUsername  string `json:"hostUsername,omitempty"`
}
