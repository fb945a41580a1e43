package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerURL          string
	AuthToken          string
	UserID             string
	ICEServers         []string
	StalenessWindow    time.Duration
	EmptyHuddleTimeout time.Duration
	RosterPollInterval time.Duration
	TelemetryEndpoint  string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	cfg := &Config{
		ServerURL:          "ws://127.0.0.1:8000/rtc",
		ICEServers:         []string{"stun:stun.l.google.com:19302"},
		StalenessWindow:    5 * time.Minute,
		EmptyHuddleTimeout: 5 * time.Minute,
		RosterPollInterval: 10 * time.Second,
	}

	if v := os.Getenv("TALKS_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("TALKS_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("TALKS_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("TALKS_ICE_SERVERS"); v != "" {
		cfg.ICEServers = strings.Split(v, ",")
	}
	if v := os.Getenv("TALKS_STALENESS_WINDOW_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.StalenessWindow = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("TALKS_EMPTY_HUDDLE_TIMEOUT_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.EmptyHuddleTimeout = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("TALKS_ROSTER_POLL_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.RosterPollInterval = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}

	if cfg.UserID == "" {
		return nil, fmt.Errorf("TALKS_USER_ID is required")
	}

	return cfg, nil
}
