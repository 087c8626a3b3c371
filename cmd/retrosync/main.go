package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/victorivanov/retrosync/internal/api"
	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/config"
	"github.com/victorivanov/retrosync/internal/session"
	"github.com/victorivanov/retrosync/internal/subscription"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Transport ---

	tr, err := newTransport(cfg, logger)
	if err != nil {
		logger.Error("transport setup failed", "transport", cfg.Transport, "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	// --- Session ---

	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}

	sess := session.New(tr.api, tr.dial, session.Config{
		Self:    tr.self,
		Window:  cfg.MatchWindow,
		Limiter: limiter,
		Subscription: subscription.Config{
			Token:          tr.token,
			InitialBackoff: cfg.ReconnectInitial,
			MaxBackoff:     cfg.ReconnectMax,
			MaxAttempts:    cfg.ReconnectAttempts,
			OnStateChange: func(s subscription.State) {
				logger.Info("subscription state", "state", s)
			},
			Logger: logger,
		},
		ResyncOnReconnect: cfg.ResyncOnReconnect,
		Logger:            logger,
	})
	defer sess.Close()

	go func() {
		if err := sess.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, subscription.ErrDegraded) {
				logger.Error("live updates unavailable, serving last known state", "error", err)
				return
			}
			logger.Error("subscription stopped", "error", err)
		}
	}()

	if cfg.Conversation != "" {
		openCtx, cancel := context.WithTimeout(sigCtx, 15*time.Second)
		if err := sess.Open(openCtx, cfg.Conversation); err != nil {
			logger.Warn("initial load incomplete", "conversation_id", cfg.Conversation, "error", err)
		}
		cancel()
	}

	// --- Bridge ---

	deps := &api.Dependencies{
		Conversations: api.NewConversationHandler(sess),
		Messages:      api.NewMessageHandler(sess),
		Stream:        api.NewStreamHandler(sess, logger),
		TokenService:  auth.NewTokenService(cfg.BridgeSecret, 0),
		Redis:         tr.redis,
		RateLimit:     cfg.BridgeRateLimit,
	}

	e := echo.New()
	e.HidePort = true
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.SetupRouter(e, deps)
	if tr.hub != nil {
		e.GET("/gateway", tr.hub.HandleWebSocket)
	}

	// --- Start ---

	go func() {
		logger.Info("retrosync bridge starting", "addr", cfg.BridgeAddr, "transport", cfg.Transport, "user_id", tr.self.ID)
		if err := e.Start(cfg.BridgeAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-sigCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
