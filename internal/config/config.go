package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	ResponderEcho   = "echo"
	ResponderOllama = "ollama"
)

// Config holds application configuration
type Config struct {
	// Client
	ServerURL   string        `env:"CHATSYNC_SERVER_URL" envDefault:"http://localhost:3000"`
	SessionID   string        `env:"CHATSYNC_SESSION_ID" envDefault:"new"` // "new" starts an empty session
	Debug       bool          `env:"CHATSYNC_DEBUG" envDefault:"false"`
	LogDir      string        `env:"CHATSYNC_LOG_DIR" envDefault:"logs"`
	HTTPTimeout time.Duration `env:"CHATSYNC_HTTP_TIMEOUT" envDefault:"30s"`
	TypingDelay time.Duration `env:"CHATSYNC_TYPING_DELAY" envDefault:"300ms"`

	// Connection
	HeartbeatInterval time.Duration `env:"CHATSYNC_HEARTBEAT_INTERVAL" envDefault:"30s"`
	PongTimeout       time.Duration `env:"CHATSYNC_PONG_TIMEOUT" envDefault:"0s"` // 0 disables the liveness check
	ReconnectBase     time.Duration `env:"CHATSYNC_RECONNECT_BASE" envDefault:"1s"`
	ReconnectFactor   float64       `env:"CHATSYNC_RECONNECT_FACTOR" envDefault:"1.5"`
	ReconnectMax      time.Duration `env:"CHATSYNC_RECONNECT_MAX" envDefault:"10s"`

	// Dev backend
	ListenAddr   string        `env:"CHATSYNC_LISTEN_ADDR" envDefault:":3000"`
	DBPath       string        `env:"CHATSYNC_DB_PATH" envDefault:"chatsync.db"`
	Responder    string        `env:"CHATSYNC_RESPONDER" envDefault:"echo"`
	ReplyTimeout time.Duration `env:"CHATSYNC_REPLY_TIMEOUT" envDefault:"2m"`
	OllamaURL    string        `env:"CHATSYNC_OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel  string        `env:"CHATSYNC_OLLAMA_MODEL" envDefault:"llama3:latest"` // Model specification in format "model:version"
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ValidateClient checks the settings the chat client needs
func (c *Config) ValidateClient() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server URL must be an absolute http(s) URL, got %q", c.ServerURL)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.PongTimeout < 0 {
		return fmt.Errorf("pong timeout cannot be negative, got %s", c.PongTimeout)
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= max, got base %s max %s", c.ReconnectBase, c.ReconnectMax)
	}
	if c.ReconnectFactor < 1 {
		return fmt.Errorf("reconnect factor must be at least 1, got %g", c.ReconnectFactor)
	}
	if c.TypingDelay < 0 {
		return fmt.Errorf("typing delay cannot be negative, got %s", c.TypingDelay)
	}
	return nil
}

// ValidateServer checks the settings the dev backend needs
func (c *Config) ValidateServer() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	switch c.Responder {
	case ResponderEcho:
	case ResponderOllama:
		if c.OllamaModel == "" {
			return fmt.Errorf("ollama responder needs a model")
		}
	default:
		return fmt.Errorf("unknown responder %q (echo|ollama)", c.Responder)
	}
	return nil
}
