package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport selects where inbound events come from.
type Transport string

const (
	TransportGateway  Transport = "gateway"
	TransportRedis    Transport = "redis"
	TransportLoopback Transport = "loopback"
)

type Config struct {
	APIURL       string
	GatewayURL   string
	Token        string
	Transport    Transport
	RedisURL     string
	Conversation string
	Username     string

	BridgeAddr      string
	BridgeSecret    string
	BridgeRateLimit int

	MatchWindow       time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	ResyncOnReconnect bool
	SendRate          float64
	SendBurst         int

	LogLevel slog.Level
}

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if there is one. It panics when required
// variables are missing or malformed.
func Load() *Config {
	_ = godotenv.Load(".env")

	var invalid []string
	cfg := &Config{
		APIURL:       strings.TrimRight(os.Getenv("RETROSYNC_API_URL"), "/"),
		GatewayURL:   os.Getenv("RETROSYNC_GATEWAY_URL"),
		Token:        os.Getenv("RETROSYNC_TOKEN"),
		Transport:    Transport(strings.ToLower(envOrDefault("RETROSYNC_TRANSPORT", string(TransportGateway)))),
		RedisURL:     os.Getenv("REDIS_URL"),
		Conversation: os.Getenv("RETROSYNC_CONVERSATION"),
		Username:     os.Getenv("RETROSYNC_USERNAME"),

		BridgeAddr:      envOrDefault("BRIDGE_ADDR", "127.0.0.1:7420"),
		BridgeSecret:    os.Getenv("BRIDGE_SECRET"),
		BridgeRateLimit: intEnv("BRIDGE_RATE_LIMIT", 120, &invalid),

		MatchWindow:       durationEnv("MATCH_WINDOW", 5*time.Second, &invalid),
		ReconnectInitial:  durationEnv("RECONNECT_INITIAL", 500*time.Millisecond, &invalid),
		ReconnectMax:      durationEnv("RECONNECT_MAX", 10*time.Second, &invalid),
		ReconnectAttempts: intEnv("RECONNECT_ATTEMPTS", 8, &invalid),
		ResyncOnReconnect: boolEnv("RESYNC_ON_RECONNECT", true, &invalid),
		SendRate:          floatEnv("SEND_RATE", 5, &invalid),
		SendBurst:         intEnv("SEND_BURST", 10, &invalid),

		LogLevel: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}

	switch cfg.Transport {
	case TransportGateway, TransportRedis, TransportLoopback:
	default:
		invalid = append(invalid, "RETROSYNC_TRANSPORT")
	}

	var missing []string
	if cfg.Transport != TransportLoopback {
		if cfg.APIURL == "" {
			missing = append(missing, "RETROSYNC_API_URL")
		}
		if cfg.Token == "" {
			missing = append(missing, "RETROSYNC_TOKEN")
		}
	}
	if cfg.Transport == TransportRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.BridgeSecret == "" {
		missing = append(missing, "BRIDGE_SECRET")
	}
	if len(missing) > 0 {
		panic(fmt.Sprintf("required environment variables not set: %s", strings.Join(missing, ", ")))
	}

	if cfg.GatewayURL == "" && cfg.APIURL != "" {
		gw, err := GatewayURLFor(cfg.APIURL)
		if err != nil {
			invalid = append(invalid, "RETROSYNC_API_URL")
		}
		cfg.GatewayURL = gw
	}
	if len(invalid) > 0 {
		panic(fmt.Sprintf("invalid environment variables: %s", strings.Join(invalid, ", ")))
	}

	return cfg
}

// GatewayURLFor derives the websocket gateway URL served next to an API.
func GatewayURLFor(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/gateway"
	return u.String(), nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration, invalid *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*invalid = append(*invalid, key)
		return fallback
	}
	return d
}

func intEnv(key string, fallback int, invalid *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*invalid = append(*invalid, key)
		return fallback
	}
	return n
}

func floatEnv(key string, fallback float64, invalid *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		*invalid = append(*invalid, key)
		return fallback
	}
	return f
}

func boolEnv(key string, fallback bool, invalid *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*invalid = append(*invalid, key)
		return fallback
	}
	return b
}
