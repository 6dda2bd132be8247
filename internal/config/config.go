package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the gateway configuration loaded from config.toml.
// The webhook and MQTT sections are dynamic: they may be changed at runtime
// by editing the config file, see Watch.
type Config struct {
	ListenAddr    string `toml:"listen_addr"`
	SessionsDir   string `toml:"sessions_dir"`
	MediaDir      string `toml:"media_dir"`
	PublicBaseURL string `toml:"public_base_url"`
	DatabaseDSN   string `toml:"database_dsn"`

	StartupDelayMs    int `toml:"startup_delay_ms"`
	DedupTTLSecs      int `toml:"dedup_ttl_secs"`
	MaxCachedMessages int `toml:"max_cached_messages"`

	Webhook WebhookConfig `toml:"webhook"`
	MQTT    MQTTConfig    `toml:"mqtt"`

	path string
	mu   sync.RWMutex
}

// WebhookConfig configures the outbound event endpoint.
type WebhookConfig struct {
	URL         string `toml:"url"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// MQTTConfig configures the optional MQTT event sink.
type MQTTConfig struct {
	BrokerURL string `toml:"broker_url"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	ClientID  string `toml:"client_id"`
}

// Load reads the config file at path. A missing file is not an error; the
// defaults are used. Environment variables override file values for the
// settings that matter in container deployments.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":8080",
		SessionsDir:       "sessions",
		MediaDir:          "media",
		DatabaseDSN:       "wagate.db",
		StartupDelayMs:    3000,
		DedupTTLSecs:      60,
		MaxCachedMessages: 500,
		Webhook:           WebhookConfig{TimeoutSecs: 5},
		path:              path,
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WAGATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("WAGATE_SESSIONS_DIR"); v != "" {
		c.SessionsDir = v
	}
	if v := os.Getenv("WAGATE_MEDIA_DIR"); v != "" {
		c.MediaDir = v
	}
	if v := os.Getenv("WAGATE_PUBLIC_BASE_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if v := os.Getenv("WAGATE_DATABASE_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	c.applyDynamicEnv()
}

// applyDynamicEnv re-applies the environment overrides for the hot-reloadable
// sections. The environment wins over file values on reload too, so container
// deployments keep their configured endpoints across config edits.
func (c *Config) applyDynamicEnv() {
	if v := os.Getenv("WAGATE_WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := os.Getenv("WAGATE_MQTT_BROKER_URL"); v != "" {
		c.MQTT.BrokerURL = v
	}
}

// StartupDelay returns the pacing delay between session bring-ups.
func (c *Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelayMs) * time.Millisecond
}

// DedupTTL returns the replay-suppression window.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSecs) * time.Second
}

// WebhookTimeout returns the webhook POST timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutSecs) * time.Second
}

// WebhookURL returns the current webhook endpoint, which may have been
// hot-reloaded since startup.
func (c *Config) WebhookURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Webhook.URL
}

// MQTTSettings returns a snapshot of the current MQTT sink settings.
func (c *Config) MQTTSettings() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// Watch starts a file watcher on the config file and hot-reloads the dynamic
// sections (webhook, mqtt) when it changes. onChange, if non-nil, is called
// after a successful reload. Returns a stop function.
func (c *Config) Watch(onChange func()) (func(), error) {
	dir := filepath.Dir(c.path)
	base := filepath.Base(c.path)

	watcher, err := newFileWatcher(dir, func(name string) bool {
		return filepath.Base(name) == base
	}, func() {
		data, err := os.ReadFile(c.path)
		if err != nil {
			log.Printf("[Config] Failed to re-read %s: %v", c.path, err)
			return
		}
		var next Config
		if err := toml.Unmarshal(data, &next); err != nil {
			log.Printf("[Config] Failed to reload %s: %v", c.path, err)
			return
		}
		c.mu.Lock()
		c.Webhook = next.Webhook
		if c.Webhook.TimeoutSecs == 0 {
			c.Webhook.TimeoutSecs = 5
		}
		c.MQTT = next.MQTT
		c.applyDynamicEnv()
		c.mu.Unlock()
		log.Printf("[Config] Reloaded dynamic settings from %s", c.path)
		if onChange != nil {
			onChange()
		}
	})
	if err != nil {
		return nil, err
	}
	return watcher.stop, nil
}
