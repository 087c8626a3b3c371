package models

// EventType names an inbound change to a conversation.
type EventType string

const (
	EventMessageCreated   EventType = "message.created"
	EventMessageUpdated   EventType = "message.updated"
	EventMessageDeleted   EventType = "message.deleted"
	EventReactionsUpdated EventType = "reaction.updated"
	EventReactionAdded    EventType = "reaction.added"
	EventReactionRemoved  EventType = "reaction.removed"
	EventStarUpdated      EventType = "star.updated"
)

// Event is the typed form of everything the channel or a durable write can
// report about a conversation. Which fields are set depends on Type.
type Event struct {
	Type           EventType  `json:"type"`
	ConversationID string     `json:"conversation_id"`
	Message        *Message   `json:"message,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	StarredBy      []string   `json:"starred_by,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Emoji          string     `json:"emoji,omitempty"`
}

// TargetID returns the id of the message the event refers to.
func (e Event) TargetID() string {
	if e.Message != nil {
		return e.Message.ID
	}
	return e.MessageID
}
