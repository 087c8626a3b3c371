package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/victorivanov/retrosync/internal/models"
)

// Decode converts a DISPATCH payload into a conversation event. ok is false
// for dispatch names that carry no conversation change.
func Decode(name string, data json.RawMessage) (ev models.Event, ok bool, err error) {
	switch name {
	case EventMessageCreate, EventMessageUpdate:
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return ev, false, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev.Type = models.EventMessageCreated
		if name == EventMessageUpdate {
			ev.Type = models.EventMessageUpdated
		}
		ev.ConversationID = msg.ConversationID
		ev.Message = &msg

	case EventMessageDelete:
		var d MessageDeleteData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, false, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev.Type = models.EventMessageDeleted
		ev.ConversationID = d.ChannelID
		ev.MessageID = d.ID

	case EventMessageReactionAdd, EventMessageReactionRemove:
		var d ReactionEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, false, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev.Type = models.EventReactionAdded
		if name == EventMessageReactionRemove {
			ev.Type = models.EventReactionRemoved
		}
		ev.ConversationID = d.ChannelID
		ev.MessageID = d.MessageID
		ev.UserID = d.UserID
		ev.Emoji = d.Emoji

	case EventMessageReactionsUpdate:
		var d ReactionsUpdateData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, false, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev.Type = models.EventReactionsUpdated
		ev.ConversationID = d.ChannelID
		ev.MessageID = d.MessageID
		ev.Reactions = d.Reactions

	case EventMessageStarUpdate:
		var d StarUpdateData
		if err := json.Unmarshal(data, &d); err != nil {
			return ev, false, fmt.Errorf("decoding %s: %w", name, err)
		}
		ev.Type = models.EventStarUpdated
		ev.ConversationID = d.ChannelID
		ev.MessageID = d.MessageID
		ev.StarredBy = d.StarredBy

	default:
		return ev, false, nil
	}

	if ev.TargetID() == "" {
		return ev, false, fmt.Errorf("decoding %s: missing message id", name)
	}
	return ev, true, nil
}

// Encode is the inverse of Decode: it returns the dispatch event announcing ev.
func Encode(ev models.Event) (Event, error) {
	switch ev.Type {
	case models.EventMessageCreated, models.EventMessageUpdated:
		if ev.Message == nil {
			return Event{}, fmt.Errorf("encoding %s: missing message", ev.Type)
		}
		name := EventMessageCreate
		if ev.Type == models.EventMessageUpdated {
			name = EventMessageUpdate
		}
		return Event{Name: name, Data: ev.Message}, nil
	case models.EventMessageDeleted:
		return Event{Name: EventMessageDelete, Data: MessageDeleteData{ID: ev.TargetID(), ChannelID: ev.ConversationID}}, nil
	case models.EventReactionAdded, models.EventReactionRemoved:
		name := EventMessageReactionAdd
		if ev.Type == models.EventReactionRemoved {
			name = EventMessageReactionRemove
		}
		return Event{Name: name, Data: ReactionEventData{
			MessageID: ev.TargetID(),
			ChannelID: ev.ConversationID,
			UserID:    ev.UserID,
			Emoji:     ev.Emoji,
		}}, nil
	case models.EventReactionsUpdated:
		raw := ev.Reactions
		if raw == nil {
			raw = []models.Reaction{}
		}
		return Event{Name: EventMessageReactionsUpdate, Data: ReactionsUpdateData{
			MessageID: ev.TargetID(),
			ChannelID: ev.ConversationID,
			Reactions: raw,
		}}, nil
	case models.EventStarUpdated:
		starred := ev.StarredBy
		if starred == nil {
			starred = []string{}
		}
		return Event{Name: EventMessageStarUpdate, Data: StarUpdateData{
			MessageID: ev.TargetID(),
			ChannelID: ev.ConversationID,
			StarredBy: starred,
		}}, nil
	}
	return Event{}, fmt.Errorf("encoding: unknown event type %q", ev.Type)
}
