package api

import (
	"context"

	"github.com/victorivanov/retrosync/internal/coordinator"
	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/session"
)

// Session is the conversation state the bridge exposes. *session.Session
// implements it.
type Session interface {
	Status() session.Status
	ConversationID() string
	Snapshot() []models.View
	Watch() (<-chan struct{}, func())
	Open(ctx context.Context, conversationID string) error
	Reload(ctx context.Context) error

	Send(ctx context.Context, in coordinator.SendInput) (*models.Message, error)
	Retry(ctx context.Context, id string) (*models.Message, error)
	Dismiss(id string) error
	ToggleReaction(ctx context.Context, id, emoji string) error
	ToggleStar(ctx context.Context, id string) ([]string, error)
	Delete(ctx context.Context, id string) error
}

var _ Session = (*session.Session)(nil)
