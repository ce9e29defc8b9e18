package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Rate limiter backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config is the full gateway configuration tree.
type Config struct {
	HTTP       *HTTPConfig       `json:"http"`
	Internal   *InternalConfig   `json:"internal"`
	Database   *DatabaseConfig   `json:"database"`
	WebSocket  *WebSocketConfig  `json:"websocket"`
	Chat       *ChatConfig       `json:"chat"`
	RateLimit  *RateLimitConfig  `json:"rate_limit"`
	Auth       *AuthConfig       `json:"auth"`
	Membership *MembershipConfig `json:"membership"`
	Alerts     *AlertsConfig     `json:"alerts"`
	Logging    *LoggingConfig    `json:"logging"`
}

// HTTPConfig is the public listener serving /ws, history and health.
type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"` // 0 picks a free port
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// InternalConfig protects the internal broadcast endpoint. When Addr is set
// the endpoint is served only on that listener; otherwise it shares the
// public listener and relies on SharedSecret alone. An empty SharedSecret
// disables the endpoint.
type InternalConfig struct {
	Addr         string `json:"addr"`
	SharedSecret string `json:"shared_secret"`
}

// DatabaseConfig points at the SQLite message store.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// WebSocketConfig tunes every chat socket.
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	SendQueueSize  int           `json:"send_queue_size"`
	MaxFrameBytes  int64         `json:"max_frame_bytes"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// ChatConfig holds the chat protocol policy.
type ChatConfig struct {
	MaxBodyLength       int     `json:"max_body_length"`
	HistoryReplay       int     `json:"history_replay"`
	MaxMalformedFrames  int     `json:"max_malformed_frames"`
	TypingExcludeSender bool    `json:"typing_exclude_sender"`
	TypingPerSecond     float64 `json:"typing_per_second"`
	TypingBurst         int     `json:"typing_burst"`
}

// RateLimitConfig is the per-user message limit.
type RateLimitConfig struct {
	PerMinute       int           `json:"per_minute"`
	Window          time.Duration `json:"window"`
	Backend         string        `json:"backend"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	RedisAddr       string        `json:"redis_addr"`
	RedisPassword   string        `json:"redis_password"`
	RedisDB         int           `json:"redis_db"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	Issuer    string        `json:"issuer"`
	Audience  string        `json:"audience"`
	Leeway    time.Duration `json:"leeway"`
}

// MembershipConfig configures the membership oracle.
type MembershipConfig struct {
	MaxGroupSize int           `json:"max_group_size"`
	CacheTTL     time.Duration `json:"cache_ttl"`
}

// AlertsConfig tunes the internal broadcast fan-out.
type AlertsConfig struct {
	GroupTimeout        time.Duration `json:"group_timeout"`
	MaxConcurrentGroups int           `json:"max_concurrent_groups"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the documented defaults: 1000 character bodies,
// 60 messages per minute, groups of at most 50 members.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Internal: &InternalConfig{},
		Database: &DatabaseConfig{
			Path:    "./groupchat.db",
			Timeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			SendQueueSize: 256,
			MaxFrameBytes: 16 * 1024,
		},
		Chat: &ChatConfig{
			MaxBodyLength:       1000,
			HistoryReplay:       50,
			MaxMalformedFrames:  5,
			TypingExcludeSender: true,
			TypingPerSecond:     5,
			TypingBurst:         10,
		},
		RateLimit: &RateLimitConfig{
			PerMinute:       60,
			Window:          time.Minute,
			Backend:         RateLimitBackendMemory,
			CleanupInterval: time.Minute,
		},
		Auth: &AuthConfig{
			Leeway: 30 * time.Second,
		},
		Membership: &MembershipConfig{
			MaxGroupSize: 50,
			CacheTTL:     30 * time.Second,
		},
		Alerts: &AlertsConfig{
			GroupTimeout:        3 * time.Second,
			MaxConcurrentGroups: 8,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.HTTP == nil || c.Internal == nil || c.Database == nil || c.WebSocket == nil ||
		c.Chat == nil || c.RateLimit == nil || c.Auth == nil || c.Membership == nil ||
		c.Alerts == nil || c.Logging == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendQueueSize <= 0 {
		return fmt.Errorf("WebSocket send queue size must be positive")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return fmt.Errorf("WebSocket max frame size must be positive")
	}

	if c.Chat.MaxBodyLength <= 0 {
		return fmt.Errorf("max body length must be positive")
	}
	if c.Chat.HistoryReplay < 0 {
		return fmt.Errorf("history replay cannot be negative")
	}
	if c.Chat.MaxMalformedFrames <= 0 {
		return fmt.Errorf("max malformed frames must be positive")
	}
	if c.Chat.TypingPerSecond <= 0 || c.Chat.TypingBurst <= 0 {
		return fmt.Errorf("typing rate and burst must be positive")
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.CleanupInterval <= 0 {
		return fmt.Errorf("rate limit cleanup interval must be positive")
	}
	switch c.RateLimit.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret cannot be empty")
	}
	if c.Auth.Leeway < 0 {
		return fmt.Errorf("JWT leeway cannot be negative")
	}

	if c.Membership.MaxGroupSize <= 0 {
		return fmt.Errorf("max group size must be positive")
	}
	if c.Membership.CacheTTL < 0 {
		return fmt.Errorf("membership cache TTL cannot be negative")
	}

	if c.Alerts.GroupTimeout <= 0 {
		return fmt.Errorf("alert group timeout must be positive")
	}
	if c.Alerts.MaxConcurrentGroups <= 0 {
		return fmt.Errorf("alert concurrency must be positive")
	}

	return nil
}

// Addr returns the public listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// envOverrides lists every GROUPCHAT_* variable. Unset variables stay nil
// and leave the current value untouched.
type envOverrides struct {
	HTTPHost            *string        `env:"GROUPCHAT_HTTP_HOST"`
	HTTPPort            *int           `env:"GROUPCHAT_HTTP_PORT"`
	HTTPReadTimeout     *time.Duration `env:"GROUPCHAT_HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout    *time.Duration `env:"GROUPCHAT_HTTP_WRITE_TIMEOUT"`
	HTTPShutdownTimeout *time.Duration `env:"GROUPCHAT_HTTP_SHUTDOWN_TIMEOUT"`

	InternalAddr   *string `env:"GROUPCHAT_INTERNAL_ADDR"`
	InternalSecret *string `env:"GROUPCHAT_INTERNAL_SHARED_SECRET"`

	DatabasePath    *string        `env:"GROUPCHAT_DATABASE_PATH"`
	DatabaseTimeout *time.Duration `env:"GROUPCHAT_DATABASE_TIMEOUT"`

	WSPingInterval   *time.Duration `env:"GROUPCHAT_WEBSOCKET_PING_INTERVAL"`
	WSReadTimeout    *time.Duration `env:"GROUPCHAT_WEBSOCKET_READ_TIMEOUT"`
	WSWriteTimeout   *time.Duration `env:"GROUPCHAT_WEBSOCKET_WRITE_TIMEOUT"`
	WSSendQueueSize  *int           `env:"GROUPCHAT_WEBSOCKET_SEND_QUEUE_SIZE"`
	WSMaxFrameBytes  *int64         `env:"GROUPCHAT_WEBSOCKET_MAX_FRAME_BYTES"`
	WSAllowedOrigins *string        `env:"GROUPCHAT_WEBSOCKET_ALLOWED_ORIGINS"`

	ChatMaxBodyLength       *int     `env:"GROUPCHAT_CHAT_MAX_BODY_LENGTH"`
	ChatHistoryReplay       *int     `env:"GROUPCHAT_CHAT_HISTORY_REPLAY"`
	ChatMaxMalformedFrames  *int     `env:"GROUPCHAT_CHAT_MAX_MALFORMED_FRAMES"`
	ChatTypingExcludeSender *bool    `env:"GROUPCHAT_CHAT_TYPING_EXCLUDE_SENDER"`
	ChatTypingPerSecond     *float64 `env:"GROUPCHAT_CHAT_TYPING_PER_SECOND"`
	ChatTypingBurst         *int     `env:"GROUPCHAT_CHAT_TYPING_BURST"`

	RateLimitPerMinute       *int           `env:"GROUPCHAT_RATE_LIMIT_PER_MINUTE"`
	RateLimitWindow          *time.Duration `env:"GROUPCHAT_RATE_LIMIT_WINDOW"`
	RateLimitBackend         *string        `env:"GROUPCHAT_RATE_LIMIT_BACKEND"`
	RateLimitCleanupInterval *time.Duration `env:"GROUPCHAT_RATE_LIMIT_CLEANUP_INTERVAL"`
	RedisAddr                *string        `env:"GROUPCHAT_REDIS_ADDR"`
	RedisPassword            *string        `env:"GROUPCHAT_REDIS_PASSWORD"`
	RedisDB                  *int           `env:"GROUPCHAT_REDIS_DB"`

	JWTSecret   *string        `env:"GROUPCHAT_AUTH_JWT_SECRET"`
	JWTIssuer   *string        `env:"GROUPCHAT_AUTH_ISSUER"`
	JWTAudience *string        `env:"GROUPCHAT_AUTH_AUDIENCE"`
	JWTLeeway   *time.Duration `env:"GROUPCHAT_AUTH_LEEWAY"`

	MaxGroupSize       *int           `env:"GROUPCHAT_MEMBERSHIP_MAX_GROUP_SIZE"`
	MembershipCacheTTL *time.Duration `env:"GROUPCHAT_MEMBERSHIP_CACHE_TTL"`

	AlertGroupTimeout        *time.Duration `env:"GROUPCHAT_ALERTS_GROUP_TIMEOUT"`
	AlertMaxConcurrentGroups *int           `env:"GROUPCHAT_ALERTS_MAX_CONCURRENT_GROUPS"`

	LogLevel  *string `env:"GROUPCHAT_LOG_LEVEL"`
	LogFormat *string `env:"GROUPCHAT_LOG_FORMAT"`
}

// LoadFromEnv applies GROUPCHAT_* variables on top of the defaults.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	set(&c.HTTP.Host, o.HTTPHost)
	set(&c.HTTP.Port, o.HTTPPort)
	set(&c.HTTP.ReadTimeout, o.HTTPReadTimeout)
	set(&c.HTTP.WriteTimeout, o.HTTPWriteTimeout)
	set(&c.HTTP.ShutdownTimeout, o.HTTPShutdownTimeout)

	set(&c.Internal.Addr, o.InternalAddr)
	set(&c.Internal.SharedSecret, o.InternalSecret)

	set(&c.Database.Path, o.DatabasePath)
	set(&c.Database.Timeout, o.DatabaseTimeout)

	set(&c.WebSocket.PingInterval, o.WSPingInterval)
	set(&c.WebSocket.ReadTimeout, o.WSReadTimeout)
	set(&c.WebSocket.WriteTimeout, o.WSWriteTimeout)
	set(&c.WebSocket.SendQueueSize, o.WSSendQueueSize)
	set(&c.WebSocket.MaxFrameBytes, o.WSMaxFrameBytes)
	if o.WSAllowedOrigins != nil {
		c.WebSocket.AllowedOrigins = splitList(*o.WSAllowedOrigins)
	}

	set(&c.Chat.MaxBodyLength, o.ChatMaxBodyLength)
	set(&c.Chat.HistoryReplay, o.ChatHistoryReplay)
	set(&c.Chat.MaxMalformedFrames, o.ChatMaxMalformedFrames)
	set(&c.Chat.TypingExcludeSender, o.ChatTypingExcludeSender)
	set(&c.Chat.TypingPerSecond, o.ChatTypingPerSecond)
	set(&c.Chat.TypingBurst, o.ChatTypingBurst)

	set(&c.RateLimit.PerMinute, o.RateLimitPerMinute)
	set(&c.RateLimit.Window, o.RateLimitWindow)
	set(&c.RateLimit.Backend, o.RateLimitBackend)
	set(&c.RateLimit.CleanupInterval, o.RateLimitCleanupInterval)
	set(&c.RateLimit.RedisAddr, o.RedisAddr)
	set(&c.RateLimit.RedisPassword, o.RedisPassword)
	set(&c.RateLimit.RedisDB, o.RedisDB)

	set(&c.Auth.JWTSecret, o.JWTSecret)
	set(&c.Auth.Issuer, o.JWTIssuer)
	set(&c.Auth.Audience, o.JWTAudience)
	set(&c.Auth.Leeway, o.JWTLeeway)

	set(&c.Membership.MaxGroupSize, o.MaxGroupSize)
	set(&c.Membership.CacheTTL, o.MembershipCacheTTL)

	set(&c.Alerts.GroupTimeout, o.AlertGroupTimeout)
	set(&c.Alerts.MaxConcurrentGroups, o.AlertMaxConcurrentGroups)

	set(&c.Logging.Level, o.LogLevel)
	set(&c.Logging.Format, o.LogFormat)

	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// configFile mirrors Config for JSON files, with durations as strings
// such as "30s".
type configFile struct {
	HTTP *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	Internal *struct {
		Addr         string `json:"addr"`
		SharedSecret string `json:"shared_secret"`
	} `json:"internal"`
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	WebSocket *struct {
		PingInterval   string   `json:"ping_interval"`
		ReadTimeout    string   `json:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout"`
		SendQueueSize  int      `json:"send_queue_size"`
		MaxFrameBytes  int64    `json:"max_frame_bytes"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"websocket"`
	Chat *struct {
		MaxBodyLength       int     `json:"max_body_length"`
		HistoryReplay       *int    `json:"history_replay"`
		MaxMalformedFrames  int     `json:"max_malformed_frames"`
		TypingExcludeSender *bool   `json:"typing_exclude_sender"`
		TypingPerSecond     float64 `json:"typing_per_second"`
		TypingBurst         int     `json:"typing_burst"`
	} `json:"chat"`
	RateLimit *struct {
		PerMinute       int    `json:"per_minute"`
		Window          string `json:"window"`
		Backend         string `json:"backend"`
		CleanupInterval string `json:"cleanup_interval"`
		RedisAddr       string `json:"redis_addr"`
		RedisPassword   string `json:"redis_password"`
		RedisDB         int    `json:"redis_db"`
	} `json:"rate_limit"`
	Auth *struct {
		JWTSecret string `json:"jwt_secret"`
		Issuer    string `json:"issuer"`
		Audience  string `json:"audience"`
		Leeway    string `json:"leeway"`
	} `json:"auth"`
	Membership *struct {
		MaxGroupSize int    `json:"max_group_size"`
		CacheTTL     string `json:"cache_ttl"`
	} `json:"membership"`
	Alerts *struct {
		GroupTimeout        string `json:"group_timeout"`
		MaxConcurrentGroups int    `json:"max_concurrent_groups"`
	} `json:"alerts"`
	Logging *struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"logging"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var f configFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs []error
	duration := func(dst *time.Duration, s, field string) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	str := func(dst *string, s string) {
		if s != "" {
			*dst = s
		}
	}
	num := func(dst *int, n int) {
		if n != 0 {
			*dst = n
		}
	}

	if h := f.HTTP; h != nil {
		str(&c.HTTP.Host, h.Host)
		num(&c.HTTP.Port, h.Port)
		duration(&c.HTTP.ReadTimeout, h.ReadTimeout, "http.read_timeout")
		duration(&c.HTTP.WriteTimeout, h.WriteTimeout, "http.write_timeout")
		duration(&c.HTTP.ShutdownTimeout, h.ShutdownTimeout, "http.shutdown_timeout")
	}
	if i := f.Internal; i != nil {
		str(&c.Internal.Addr, i.Addr)
		str(&c.Internal.SharedSecret, i.SharedSecret)
	}
	if d := f.Database; d != nil {
		str(&c.Database.Path, d.Path)
		duration(&c.Database.Timeout, d.Timeout, "database.timeout")
	}
	if w := f.WebSocket; w != nil {
		duration(&c.WebSocket.PingInterval, w.PingInterval, "websocket.ping_interval")
		duration(&c.WebSocket.ReadTimeout, w.ReadTimeout, "websocket.read_timeout")
		duration(&c.WebSocket.WriteTimeout, w.WriteTimeout, "websocket.write_timeout")
		num(&c.WebSocket.SendQueueSize, w.SendQueueSize)
		if w.MaxFrameBytes != 0 {
			c.WebSocket.MaxFrameBytes = w.MaxFrameBytes
		}
		if w.AllowedOrigins != nil {
			c.WebSocket.AllowedOrigins = w.AllowedOrigins
		}
	}
	if ch := f.Chat; ch != nil {
		num(&c.Chat.MaxBodyLength, ch.MaxBodyLength)
		set(&c.Chat.HistoryReplay, ch.HistoryReplay)
		num(&c.Chat.MaxMalformedFrames, ch.MaxMalformedFrames)
		set(&c.Chat.TypingExcludeSender, ch.TypingExcludeSender)
		if ch.TypingPerSecond != 0 {
			c.Chat.TypingPerSecond = ch.TypingPerSecond
		}
		num(&c.Chat.TypingBurst, ch.TypingBurst)
	}
	if r := f.RateLimit; r != nil {
		num(&c.RateLimit.PerMinute, r.PerMinute)
		duration(&c.RateLimit.Window, r.Window, "rate_limit.window")
		str(&c.RateLimit.Backend, r.Backend)
		duration(&c.RateLimit.CleanupInterval, r.CleanupInterval, "rate_limit.cleanup_interval")
		str(&c.RateLimit.RedisAddr, r.RedisAddr)
		str(&c.RateLimit.RedisPassword, r.RedisPassword)
		num(&c.RateLimit.RedisDB, r.RedisDB)
	}
	if a := f.Auth; a != nil {
		str(&c.Auth.JWTSecret, a.JWTSecret)
		str(&c.Auth.Issuer, a.Issuer)
		str(&c.Auth.Audience, a.Audience)
		duration(&c.Auth.Leeway, a.Leeway, "auth.leeway")
	}
	if m := f.Membership; m != nil {
		num(&c.Membership.MaxGroupSize, m.MaxGroupSize)
		duration(&c.Membership.CacheTTL, m.CacheTTL, "membership.cache_ttl")
	}
	if a := f.Alerts; a != nil {
		duration(&c.Alerts.GroupTimeout, a.GroupTimeout, "alerts.group_timeout")
		num(&c.Alerts.MaxConcurrentGroups, a.MaxConcurrentGroups)
	}
	if l := f.Logging; l != nil {
		str(&c.Logging.Level, l.Level)
		str(&c.Logging.Format, l.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid durations in %s: %v", path, errs)
	}
	return nil
}

// Load builds the configuration with precedence file > environment >
// defaults. A .env file in the working directory, when present, feeds the
// environment first. A missing or broken config file is an error: the
// caller asked for it explicitly.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
