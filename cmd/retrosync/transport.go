package main

import (
	"fmt"
	"log/slog"

	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/config"
	"github.com/victorivanov/retrosync/internal/gateway"
	"github.com/victorivanov/retrosync/internal/loopback"
	"github.com/victorivanov/retrosync/internal/models"
	redisclient "github.com/victorivanov/retrosync/internal/redis"
	"github.com/victorivanov/retrosync/internal/remote"
	"github.com/victorivanov/retrosync/internal/session"
	"github.com/victorivanov/retrosync/internal/subscription"
)

// transport bundles the durable API and the live channel for one backend.
type transport struct {
	api   session.API
	dial  subscription.DialFunc
	self  models.Author
	token string

	// redis is set when a Redis connection is available for rate limiting.
	redis *redisclient.Client
	// hub is set for the loopback backend so other clients can watch it.
	hub *gateway.Hub
}

func (t *transport) Close() {
	if t.redis != nil {
		_ = t.redis.Close()
	}
}

func newTransport(cfg *config.Config, logger *slog.Logger) (*transport, error) {
	var rdb *redisclient.Client
	if cfg.RedisURL != "" {
		var err error
		if rdb, err = redisclient.NewClient(cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	t, err := newBackend(cfg, rdb, logger)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	t.redis = rdb
	return t, nil
}

func newBackend(cfg *config.Config, rdb *redisclient.Client, logger *slog.Logger) (*transport, error) {
	if cfg.Transport == config.TransportLoopback {
		return newLoopback(cfg, logger)
	}

	creds, err := auth.ParseCredentials(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	t := &transport{
		api:   remote.New(cfg.APIURL, creds.Token),
		self:  models.Author{ID: creds.UserID, Username: cfg.Username},
		token: creds.Token,
	}

	if cfg.Transport == config.TransportRedis {
		t.dial = func() subscription.Channel {
			return rdb.NewChannel(auth.AuthenticateUnverified, logger)
		}
		return t, nil
	}
	t.dial = func() subscription.Channel {
		return gateway.NewClient(cfg.GatewayURL, gateway.WithClientLogger(logger))
	}
	return t, nil
}

func newLoopback(cfg *config.Config, logger *slog.Logger) (*transport, error) {
	var backend *loopback.Backend
	hub := gateway.NewHub(func(token string) (string, error) {
		return backend.Authenticate(token)
	}, gateway.WithHubLogger(logger))
	backend = loopback.New(cfg.BridgeSecret, loopback.WithPublisher(hub), loopback.WithLogger(logger))

	username := cfg.Username
	if username == "" {
		username = "me"
	}
	self, token, err := backend.AddUser(username, "")
	if err != nil {
		return nil, err
	}
	logger.Debug("loopback backend ready", "user_id", self.ID, "gateway_token", token)
	return &transport{
		api:   backend.As(self.ID),
		dial:  func() subscription.Channel { return backend.Dial() },
		self:  self,
		token: token,
		hub:   hub,
	}, nil
}
