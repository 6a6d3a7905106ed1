package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultJWTExpiresIn      = "24h"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "relaydesk"
	DefaultPGSSLMode         = "disable"
	DefaultRoomExchange      = "relaydesk.rooms"
	DefaultHeartbeatInterval = 30
	DefaultLLMTimeoutSeconds = 15
	DefaultHistoryWindow     = 10
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	RabbitMQ RabbitMQConfig `toml:"rabbitmq"`
	LLM      LLMConfig      `toml:"llm"`
	Presence PresenceConfig `toml:"presence"`
	Secrets  SecretsConfig  `toml:"secrets"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AdminConfig bootstraps the first company and agent account when the
// database is empty.
type AdminConfig struct {
	Email    string `toml:"email"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	Company  string `toml:"company"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// RabbitMQConfig configures the shared room-event broker. When URL is empty
// the process falls back to the in-process bus (single-node mode).
type RabbitMQConfig struct {
	URL                string `toml:"url"`
	RoomExchange       string `toml:"room_exchange"`
	PublishPoolSize    int    `toml:"publish_pool_size"`
	ConnTimeoutSeconds int    `toml:"conn_timeout_seconds"`
}

// LLMConfig points at the external answer-generation collaborator.
// The endpoint speaks the OpenAI chat-completions protocol.
type LLMConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	HistoryWindow  int    `toml:"history_window"`
}

// PresenceConfig tunes widget customer presence. The offline timeout is twice
// the heartbeat interval so exactly one missed beat is tolerated.
type PresenceConfig struct {
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

// SecretsConfig holds the key used to encrypt channel credentials at rest.
type SecretsConfig struct {
	CredentialsKey string `toml:"credentials_key"`
}

func (c PresenceConfig) HeartbeatInterval() time.Duration {
	seconds := c.HeartbeatSeconds
	if seconds <= 0 {
		seconds = DefaultHeartbeatInterval
	}
	return time.Duration(seconds) * time.Second
}

func (c PresenceConfig) OfflineTimeout() time.Duration {
	return 2 * c.HeartbeatInterval()
}

// TokenTTL parses the configured JWT lifetime, falling back to the
// default on bad input.
func (c AuthConfig) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTExpiresIn)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

func (c LLMConfig) Timeout() time.Duration {
	seconds := c.TimeoutSeconds
	if seconds <= 0 {
		seconds = DefaultLLMTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Email:    "admin@example.com",
			Password: "change-your-password-here",
			Name:     "Admin",
			Company:  "Default Workspace",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		RabbitMQ: RabbitMQConfig{
			RoomExchange: DefaultRoomExchange,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: DefaultLLMTimeoutSeconds,
			HistoryWindow:  DefaultHistoryWindow,
		},
		Presence: PresenceConfig{
			HeartbeatSeconds: DefaultHeartbeatInterval,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
