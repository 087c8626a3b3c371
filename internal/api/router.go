package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/redis"
)

// Dependencies holds all handler instances and middleware for route wiring.
type Dependencies struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler

	TokenService *auth.TokenService
	// Redis enables per-user rate limiting when set.
	Redis *redis.Client
	// RateLimit is the number of requests allowed per user per minute.
	RateLimit int
}

// SetupRouter registers all bridge routes on the Echo instance.
func SetupRouter(e *echo.Echo, deps *Dependencies) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/api/v1", deps.TokenService.Middleware())

	// The stream is long-lived and stays outside the rate limit.
	v1.GET("/stream", deps.Stream.Stream)

	protected := v1
	if deps.Redis != nil && deps.RateLimit > 0 {
		protected = v1.Group("", RateLimitMiddleware(deps.Redis, deps.RateLimit, time.Minute))
	}

	// Conversation
	protected.GET("/status", deps.Conversations.GetStatus)
	protected.GET("/conversation", deps.Conversations.GetConversation)
	protected.PUT("/conversation/:id", deps.Conversations.SwitchConversation)
	protected.POST("/conversation/reload", deps.Conversations.ReloadConversation)

	// Messages
	protected.POST("/messages", deps.Messages.SendMessage)
	protected.POST("/messages/:id/retry", deps.Messages.RetryMessage)
	protected.DELETE("/messages/:id/failed", deps.Messages.DismissMessage)
	protected.PUT("/messages/:id/reactions/:emoji", deps.Messages.ToggleReaction)
	protected.PUT("/messages/:id/star", deps.Messages.ToggleStar)
	protected.DELETE("/messages/:id", deps.Messages.DeleteMessage)
}
