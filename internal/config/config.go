package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration
type Config struct {
	SignalingURL string
	HistoryURL   string
	DisplayName  string
	Role         string // "visitor" or "resident"
	DeviceClass  string // "mobile" or "desktop"
	PrefsPath    string

	ICEServers []string

	CallConfig CallConfig
	PoolConfig PoolConfig
}

// CallConfig bounds the retry/recovery behavior of a single call session.
type CallConfig struct {
	OfferRetryInterval  time.Duration
	MaxOfferRetries     int
	MaxRecoveryAttempts int
	DiagnosticsInterval time.Duration
}

// PoolConfig controls pooled signaling connection lifetime.
type PoolConfig struct {
	GracePeriod          time.Duration
	MaxReconnectAttempts int
	MaxReconnectDelay    time.Duration
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://localhost:7000/ws",
		HistoryURL:   "http://localhost:7000",
		DisplayName:  "visitor",
		Role:         "visitor",
		DeviceClass:  "desktop",
		PrefsPath:    "gatelink-prefs.json",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		CallConfig: CallConfig{
			OfferRetryInterval:  4 * time.Second,
			MaxOfferRetries:     5,
			MaxRecoveryAttempts: 2,
			DiagnosticsInterval: 3 * time.Second,
		},
		PoolConfig: PoolConfig{
			GracePeriod:          15 * time.Second,
			MaxReconnectAttempts: 8,
			MaxReconnectDelay:    10 * time.Second,
		},
	}
}

// LoadEnv overlays environment variables (optionally from a .env file) on top
// of the receiver. Missing variables leave the current values untouched.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort for a local .env; absence is fine.
		_ = godotenv.Load()
	}

	setString(&c.SignalingURL, "GATELINK_SIGNALING_URL")
	setString(&c.HistoryURL, "GATELINK_HISTORY_URL")
	setString(&c.DisplayName, "GATELINK_DISPLAY_NAME")
	setString(&c.Role, "GATELINK_ROLE")
	setString(&c.DeviceClass, "GATELINK_DEVICE_CLASS")
	setString(&c.PrefsPath, "GATELINK_PREFS_PATH")
	setDuration(&c.PoolConfig.GracePeriod, "GATELINK_POOL_GRACE")
	setInt(&c.CallConfig.MaxOfferRetries, "GATELINK_MAX_OFFER_RETRIES")
	setInt(&c.CallConfig.MaxRecoveryAttempts, "GATELINK_MAX_RECOVERY_ATTEMPTS")

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
