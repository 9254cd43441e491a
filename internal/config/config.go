// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// BotToken authenticates against the Telegram Bot API.
	BotToken string
	// SupportGroupID is the forum supergroup where session topics are opened.
	SupportGroupID int64
	// AgentIDs is the authoritative list of agent Telegram user ids. The
	// stored roster is reconciled against this list at startup.
	AgentIDs []int64
	// DBPath is the SQLite database file location.
	DBPath string
	// ListenAddr is the bind address for the HTTP surface (health endpoint,
	// and the webhook receiver when WebhookSecret is set).
	ListenAddr string
	// WebhookSecret selects webhook delivery when non-empty; otherwise the
	// bot long-polls for updates. The secret is embedded in the webhook path.
	WebhookSecret string
	// WebhookURL is the public base URL Telegram should deliver updates to.
	// When empty in webhook mode, registration is assumed to happen
	// out-of-band (e.g. behind a fixed reverse proxy).
	WebhookURL string
	// PollTimeout is the long-poll hold time per getUpdates call.
	PollTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	agentIDs, err := parseIDList(getEnv("AGENT_IDS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid AGENT_IDS: %w", err)
	}

	groupID, err := parseID(getEnv("SUPPORT_GROUP_ID", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid SUPPORT_GROUP_ID: %w", err)
	}

	cfg := &Config{
		BotToken:       getEnv("BOT_TOKEN", ""),
		SupportGroupID: groupID,
		AgentIDs:       agentIDs,
		DBPath:         getEnv("DB_PATH", "./data/aegisbot.db"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		PollTimeout:    getEnvDuration("POLL_TIMEOUT", 50*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BOT_TOKEN cannot be empty")
	}
	if c.SupportGroupID == 0 {
		return fmt.Errorf("SUPPORT_GROUP_ID cannot be empty")
	}
	if len(c.AgentIDs) == 0 {
		return fmt.Errorf("AGENT_IDS cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be > 0")
	}
	return nil
}

// UseWebhook returns true when updates arrive over the webhook receiver
// instead of long polling.
func (c *Config) UseWebhook() bool {
	return c.WebhookSecret != ""
}

// parseIDList parses a comma-separated list of Telegram user ids, e.g.
// "123,456". Duplicates are collapsed.
func parseIDList(value string) ([]int64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		// An empty segment (trailing comma, doubled comma) must not slip
		// through as id 0 and shadow real agents in allocation order.
		if strings.TrimSpace(part) == "" {
			return nil, fmt.Errorf("empty id in list %q", value)
		}
		id, err := parseID(part)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func parseID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid Telegram id", value)
	}
	return id, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
