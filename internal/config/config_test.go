package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RETROSYNC_API_URL", "https://chat.example.com/")
	t.Setenv("RETROSYNC_TOKEN", "token")
	t.Setenv("BRIDGE_SECRET", "bridge")
}

func expectPanic(t *testing.T, contains string) {
	t.Helper()
	r := recover()
	if r == nil {
		t.Fatal("expected panic")
	}
	if msg, _ := r.(string); !strings.Contains(msg, contains) {
		t.Fatalf("panic = %v, want it to mention %s", r, contains)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	cfg := Load()

	if cfg.APIURL != "https://chat.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.GatewayURL != "wss://chat.example.com/gateway" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.Transport != TransportGateway {
		t.Errorf("Transport = %q", cfg.Transport)
	}
	if cfg.BridgeAddr != "127.0.0.1:7420" {
		t.Errorf("BridgeAddr = %q", cfg.BridgeAddr)
	}
	if cfg.MatchWindow != 5*time.Second || cfg.ReconnectInitial != 500*time.Millisecond ||
		cfg.ReconnectMax != 10*time.Second || cfg.ReconnectAttempts != 8 {
		t.Errorf("timing = %v %v %v %d", cfg.MatchWindow, cfg.ReconnectInitial, cfg.ReconnectMax, cfg.ReconnectAttempts)
	}
	if !cfg.ResyncOnReconnect {
		t.Error("ResyncOnReconnect = false, want true")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RETROSYNC_GATEWAY_URL", "ws://localhost:9000/gateway")
	t.Setenv("RETROSYNC_TRANSPORT", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("MATCH_WINDOW", "2s")
	t.Setenv("RECONNECT_ATTEMPTS", "3")
	t.Setenv("RESYNC_ON_RECONNECT", "false")
	t.Setenv("SEND_RATE", "0.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()
	if cfg.GatewayURL != "ws://localhost:9000/gateway" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.Transport != TransportRedis || cfg.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("Transport = %q", cfg.Transport)
	}
	if cfg.MatchWindow != 2*time.Second || cfg.ReconnectAttempts != 3 || cfg.ResyncOnReconnect || cfg.SendRate != 0.5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("RETROSYNC_API_URL", "")
	t.Setenv("RETROSYNC_TOKEN", "")
	t.Setenv("BRIDGE_SECRET", "")
	defer expectPanic(t, "RETROSYNC_API_URL, RETROSYNC_TOKEN, BRIDGE_SECRET")
	Load()
}

func TestLoad_RedisTransportNeedsURL(t *testing.T) {
	setRequired(t)
	t.Setenv("RETROSYNC_TRANSPORT", "redis")
	t.Setenv("REDIS_URL", "")
	defer expectPanic(t, "REDIS_URL")
	Load()
}

func TestLoad_LoopbackNeedsNoServer(t *testing.T) {
	t.Setenv("RETROSYNC_API_URL", "")
	t.Setenv("RETROSYNC_TOKEN", "")
	t.Setenv("BRIDGE_SECRET", "bridge")
	t.Setenv("RETROSYNC_TRANSPORT", "loopback")

	cfg := Load()
	if cfg.Transport != TransportLoopback || cfg.GatewayURL != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	setRequired(t)
	t.Setenv("MATCH_WINDOW", "soon")
	t.Setenv("RECONNECT_ATTEMPTS", "-1")
	t.Setenv("RETROSYNC_TRANSPORT", "carrier-pigeon")
	defer expectPanic(t, "MATCH_WINDOW, RECONNECT_ATTEMPTS, RETROSYNC_TRANSPORT")
	Load()
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	env := "RETROSYNC_API_URL=http://localhost:8080\nRETROSYNC_TOKEN=from-file\nBRIDGE_SECRET=file-secret\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// godotenv does not override variables that are already set; clear them
	// through t.Setenv so they are restored afterwards.
	for _, k := range []string{"RETROSYNC_API_URL", "RETROSYNC_TOKEN", "BRIDGE_SECRET"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.Token != "from-file" || cfg.GatewayURL != "ws://localhost:8080/gateway" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestGatewayURLFor(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/gateway", false},
		{"https://chat.example.com/base/", "wss://chat.example.com/base/gateway", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := GatewayURLFor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("GatewayURLFor(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("GatewayURLFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
