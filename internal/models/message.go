package models

import (
	"strings"
	"time"
)

// TempIDPrefix marks locally generated ids of optimistic messages.
const TempIDPrefix = "tmp-"

// Lifecycle is the confirmation state of a message held by the client.
type Lifecycle string

const (
	LifecycleOptimistic Lifecycle = "optimistic"
	LifecycleConfirmed  Lifecycle = "confirmed"
	LifecycleFailed     Lifecycle = "failed"
)

// CanTransition reports whether a message may move from one lifecycle to another.
// Failed messages return to optimistic only through an explicit retry.
func CanTransition(from, to Lifecycle) bool {
	if from == to {
		return true
	}
	switch from {
	case LifecycleOptimistic:
		return to == LifecycleConfirmed || to == LifecycleFailed
	case LifecycleFailed:
		return to == LifecycleOptimistic
	}
	return false
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"channel_id"`
	Author         Author       `json:"author"`
	Content        string       `json:"content,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        *ReplyRef    `json:"reply_to,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	StarredBy      []string     `json:"starred_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	Lifecycle      Lifecycle    `json:"lifecycle,omitempty"`
}

// IsTemporary reports whether the message carries a client-generated id.
func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.StarredBy != nil {
		out.StarredBy = append([]string(nil), m.StarredBy...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// ReplyRef is a weak reference to another message with a cached preview.
type ReplyRef struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	Preview    string `json:"preview,omitempty"`
}

// SendRequest is the body of a durable message send.
type SendRequest struct {
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
}
