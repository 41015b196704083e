package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the system-wide settings coordinator.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Session   *SessionConfig   `json:"session"`
	Redis     *RedisConfig     `json:"redis"`
}

// DatabaseConfig covers the SQLite session store.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// HTTPConfig covers the admin API and WebSocket listener.
type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig covers per-connection transport behavior.
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// SessionConfig covers live session behavior.
type SessionConfig struct {
	// TickInterval drives time_update broadcasts for active sessions.
	// Must stay at or below 5s to feel live.
	TickInterval time.Duration `json:"tick_interval"`
	// DefaultExamDuration applies when neither the start action nor the
	// stored session carries a time limit.
	DefaultExamDuration time.Duration `json:"default_exam_duration"`
	// AllowLateJoin permits students to join a session that already ended.
	AllowLateJoin bool `json:"allow_late_join"`
}

// RedisConfig covers the optional status snapshot cache. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// DefaultConfig returns production-ready defaults: local SQLite store,
// port 8080, 1s countdown ticks, 30 minute fallback exam duration.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./examhub.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Session: &SessionConfig{
			TickInterval:        time.Second,
			DefaultExamDuration: 30 * time.Minute,
			AllowLateJoin:       false,
		},
		Redis: &RedisConfig{
			Addr: "",
			TTL:  10 * time.Minute,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.TickInterval <= 0 || c.Session.TickInterval > 5*time.Second {
		return fmt.Errorf("session tick interval must be between 1ns and 5s")
	}
	if c.Session.DefaultExamDuration <= 0 {
		return fmt.Errorf("default exam duration must be positive")
	}

	if c.Redis != nil && c.Redis.Addr != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis TTL must be positive when redis is enabled")
	}

	return nil
}

// LoadFromEnv builds a config from defaults overridden by EXAMHUB_*
// environment variables. A .env file in the working directory is applied
// first when present.
func LoadFromEnv() *Config {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	config := DefaultConfig()

	if port := os.Getenv("EXAMHUB_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("EXAMHUB_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("EXAMHUB_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if timeout := os.Getenv("EXAMHUB_DATABASE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Database.Timeout = d
		}
	}
	if interval := os.Getenv("EXAMHUB_TICK_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Session.TickInterval = d
		}
	}
	if duration := os.Getenv("EXAMHUB_DEFAULT_EXAM_DURATION"); duration != "" {
		if d, err := time.ParseDuration(duration); err == nil {
			config.Session.DefaultExamDuration = d
		}
	}
	if lateJoin := os.Getenv("EXAMHUB_ALLOW_LATE_JOIN"); lateJoin != "" {
		if b, err := strconv.ParseBool(lateJoin); err == nil {
			config.Session.AllowLateJoin = b
		}
	}
	if addr := os.Getenv("EXAMHUB_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("EXAMHUB_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if db := os.Getenv("EXAMHUB_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = n
		}
	}
	if bufferSize := os.Getenv("EXAMHUB_WEBSOCKET_BUFFER_SIZE"); bufferSize != "" {
		if size, err := strconv.Atoi(bufferSize); err == nil {
			config.WebSocket.BufferSize = size
		}
	}
	if pingInterval := os.Getenv("EXAMHUB_WEBSOCKET_PING_INTERVAL"); pingInterval != "" {
		if d, err := time.ParseDuration(pingInterval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}

	return config
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		Host         string `json:"host"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Session *struct {
		TickInterval        string `json:"tick_interval"`
		DefaultExamDuration string `json:"default_exam_duration"`
		AllowLateJoin       *bool  `json:"allow_late_join"`
	} `json:"session"`
	Redis *struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		TTL      string `json:"ttl"`
	} `json:"redis"`
}

// LoadFromFile loads and validates a JSON configuration file. Fields left
// out of the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		setDuration(&config.Database.Timeout, file.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		setDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		setDuration(&config.WebSocket.PingInterval, file.WebSocket.PingInterval)
		setDuration(&config.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
	}
	if file.Session != nil {
		setDuration(&config.Session.TickInterval, file.Session.TickInterval)
		setDuration(&config.Session.DefaultExamDuration, file.Session.DefaultExamDuration)
		if file.Session.AllowLateJoin != nil {
			config.Session.AllowLateJoin = *file.Session.AllowLateJoin
		}
	}
	if file.Redis != nil {
		config.Redis.Addr = file.Redis.Addr
		config.Redis.Password = file.Redis.Password
		config.Redis.DB = file.Redis.DB
		setDuration(&config.Redis.TTL, file.Redis.TTL)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return config, nil
}

// LoadWithPrecedence resolves configuration as file > environment > defaults.
func LoadWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileConfig, err := LoadFromFile(path); err == nil {
			config = fileConfig
		}
		// File errors fall back to environment/defaults.
	}

	return config
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}
