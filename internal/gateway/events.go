package gateway

import (
	"encoding/json"
	"time"

	"github.com/victorivanov/retrosync/internal/models"
)

// Op codes for gateway payloads.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpReconnect    = 7
	OpHello        = 10
	OpHeartbeatAck = 11
	OpSubscribe    = 12
	OpUnsubscribe  = 13
)

// Event names for DISPATCH payloads.
const (
	EventReady                  = "READY"
	EventMessageCreate          = "MESSAGE_CREATE"
	EventMessageUpdate          = "MESSAGE_UPDATE"
	EventMessageDelete          = "MESSAGE_DELETE"
	EventMessageReactionAdd     = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove  = "MESSAGE_REACTION_REMOVE"
	EventMessageReactionsUpdate = "MESSAGE_REACTIONS_UPDATE"
	EventMessageStarUpdate      = "MESSAGE_STAR_UPDATE"
)

// GatewayPayload is the envelope for all gateway messages.
type GatewayPayload struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence *int64          `json:"s,omitempty"`
	Event    *string         `json:"t,omitempty"`
}

// IdentifyData is sent by the client in an Op 2 IDENTIFY.
type IdentifyData struct {
	Token string `json:"token"`
}

// HelloData is sent by the server after WebSocket connect.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// ReadyData is sent by the server after successful IDENTIFY.
type ReadyData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribeData is the body of Op 12 SUBSCRIBE and Op 13 UNSUBSCRIBE.
type SubscribeData struct {
	Topic string `json:"topic"`
}

// MessageDeleteData is the payload for MESSAGE_DELETE events.
type MessageDeleteData struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// ReactionEventData is the payload for reaction add/remove events.
type ReactionEventData struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// ReactionsUpdateData carries the full raw reaction list of a message.
type ReactionsUpdateData struct {
	MessageID string            `json:"message_id"`
	ChannelID string            `json:"channel_id"`
	Reactions []models.Reaction `json:"reactions"`
}

// StarUpdateData carries the full starred-by set of a message.
type StarUpdateData struct {
	MessageID string   `json:"message_id"`
	ChannelID string   `json:"channel_id"`
	StarredBy []string `json:"starred_by"`
}

// Event is a dispatch event ready to send.
type Event struct {
	Name string
	Data any
}

// Heartbeat timing used by the hub and expected by the client.
const (
	heartbeatInterval = 41250 * time.Millisecond
	heartbeatTimeout  = 10 * time.Second
	writeWait         = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	maxMessageSize    = 64 << 10
	sendBufferSize    = 256
)

// mustMarshal marshals v to json.RawMessage, panicking on error.
// Only for statically-known types that cannot fail.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("gateway: mustMarshal: " + err.Error())
	}
	return data
}
