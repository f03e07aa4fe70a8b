package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// envelopeOverhead covers the JSON envelope around an uploadFile payload
const envelopeOverhead = 4096

// EnvPrefix namespaces every relay environment variable
const EnvPrefix = "RELAY_"

// DevJWTSecret is the signing secret used when none is configured.
// Deployments must override it.
const DevJWTSecret = "relay-development-secret"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Uploads   *UploadsConfig   `json:"uploads"`
	Auth      *AuthConfig      `json:"auth"`
	Router    *RouterConfig    `json:"router"`
	Redis     *RedisConfig     `json:"redis"`
}

// FUNCTIONAL DISCOVERY: SQLite by default, PostgreSQL when a URL is configured
type DatabaseConfig struct {
	Driver         string        `json:"driver"`
	Path           string        `json:"path"`
	URL            string        `json:"url"`
	MigrationsPath string        `json:"migrations_path"`
	MaxConns       int           `json:"max_conns"`
	Timeout        time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	Host          string        `json:"host"`
	AllowedOrigin string        `json:"allowed_origin"`
}

// ReadTimeout doubles as the pong wait: a peer silent for longer is dropped
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
	ReadLimit    int64         `json:"read_limit"`
}

type UploadsConfig struct {
	Dir       string `json:"dir"`
	URLPrefix string `json:"url_prefix"`
	MaxBytes  int    `json:"max_bytes"`
}

// AllowUserIDParam lets development clients connect with ?user_id= instead of a token
type AuthConfig struct {
	JWTSecret        string        `json:"jwt_secret"`
	TokenTTL         time.Duration `json:"token_ttl"`
	AllowUserIDParam bool          `json:"allow_user_id_param"`
	BcryptCost       int           `json:"bcrypt_cost"`
}

type RouterConfig struct {
	TypingTimeout       time.Duration `json:"typing_timeout"`
	RateLimit           int           `json:"rate_limit"`
	MaxContentBytes     int           `json:"max_content_bytes"`
	DefaultHistoryLimit int           `json:"default_history_limit"`
	MaxHistoryLimit     int           `json:"max_history_limit"`
}

// An empty URL disables the presence mirror. PresenceTTL bounds how long a mirrored
// entry outlives its last update; zero keeps entries forever
type RedisConfig struct {
	URL         string        `json:"url"`
	PresenceTTL time.Duration `json:"presence_ttl"`
}

// DefaultConfig returns settings suitable for local development
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:   DriverSQLite,
			Path:     "./data/relay.db",
			MaxConns: 10,
			Timeout:  30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:          5000,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			Host:          "0.0.0.0",
			AllowedOrigin: "http://localhost:3000",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
			ReadLimit:    16 << 20,
		},
		Uploads: &UploadsConfig{
			Dir:       "./uploads",
			URLPrefix: "/uploads/",
			MaxBytes:  10 << 20,
		},
		Auth: &AuthConfig{
			JWTSecret:  DevJWTSecret,
			TokenTTL:   time.Hour,
			BcryptCost: 10,
		},
		Router: &RouterConfig{
			TypingTimeout:       2 * time.Second,
			RateLimit:           100,
			MaxContentBytes:     10000,
			DefaultHistoryLimit: 20,
			MaxHistoryLimit:     100,
		},
		Redis: &RedisConfig{
			PresenceTTL: 24 * time.Hour,
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
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
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Uploads == nil || c.Uploads.Dir == "" {
		return fmt.Errorf("uploads directory cannot be empty")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("upload size limit must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}

	if c.Router == nil {
		return fmt.Errorf("router configuration is required")
	}
	if c.Router.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}
	if c.Router.MaxContentBytes <= 0 {
		return fmt.Errorf("max content bytes must be positive")
	}
	if c.Router.DefaultHistoryLimit <= 0 || c.Router.MaxHistoryLimit < c.Router.DefaultHistoryLimit {
		return fmt.Errorf("history limits must satisfy 0 < default <= max")
	}

	// FUNCTIONAL DISCOVERY: Every upload the router accepts must also fit in one
	// WebSocket frame, or the client never gets its ack
	if c.WebSocket.ReadLimit < c.MinReadLimit() {
		return fmt.Errorf("WebSocket read limit %d is below %d, the largest uploadFile frame",
			c.WebSocket.ReadLimit, c.MinReadLimit())
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.PresenceTTL < 0 {
		return fmt.Errorf("redis presence TTL cannot be negative")
	}
	return nil
}

// MinReadLimit is the size of the largest frame a valid uploadFile event can produce:
// the base64 file, the caption with worst-case JSON escaping and the envelope
func (c *Config) MinReadLimit() int64 {
	return int64(base64.StdEncoding.EncodedLen(c.Uploads.MaxBytes)) +
		6*int64(c.Router.MaxContentBytes) + envelopeOverhead
}

// Address is the host:port the HTTP server listens on
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv applies RELAY_* environment variables over the defaults.
// A .env file in the working directory is loaded first; variables already set win.
// The unprefixed PORT, DATABASE_URL, JWT_SECRET and CLIENT_URL are honoured as fallbacks.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()

	if url := lookupEnv("DATABASE_URL"); url != "" {
		config.Database.URL = url
		config.Database.Driver = DriverPostgres
	}
	if driver := lookupEnv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	envString("DATABASE_PATH", &config.Database.Path)
	envString("DATABASE_MIGRATIONS_PATH", &config.Database.MigrationsPath)
	envInt("DATABASE_MAX_CONNS", &config.Database.MaxConns)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)

	envInt("PORT", &config.HTTP.Port)
	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envString("CLIENT_URL", &config.HTTP.AllowedOrigin)
	envString("HTTP_ALLOWED_ORIGIN", &config.HTTP.AllowedOrigin)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	envString("UPLOADS_DIR", &config.Uploads.Dir)
	envString("UPLOADS_URL_PREFIX", &config.Uploads.URLPrefix)
	envInt("UPLOADS_MAX_BYTES", &config.Uploads.MaxBytes)

	envString("JWT_SECRET", &config.Auth.JWTSecret)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)
	envBool("AUTH_ALLOW_USER_ID_PARAM", &config.Auth.AllowUserIDParam)
	envInt("AUTH_BCRYPT_COST", &config.Auth.BcryptCost)

	envDuration("ROUTER_TYPING_TIMEOUT", &config.Router.TypingTimeout)
	envInt("ROUTER_RATE_LIMIT", &config.Router.RateLimit)
	envInt("ROUTER_MAX_CONTENT_BYTES", &config.Router.MaxContentBytes)
	envInt("ROUTER_DEFAULT_HISTORY_LIMIT", &config.Router.DefaultHistoryLimit)
	envInt("ROUTER_MAX_HISTORY_LIMIT", &config.Router.MaxHistoryLimit)

	envString("REDIS_URL", &config.Redis.URL)
	envDuration("REDIS_PRESENCE_TTL", &config.Redis.PresenceTTL)

	return config
}

// lookupEnv prefers RELAY_<name> and falls back to the bare name
func lookupEnv(name string) string {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

func envString(name string, dst *string) {
	if v := lookupEnv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := lookupEnv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := lookupEnv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(name string, dst *bool) {
	if v := lookupEnv(name); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Uploads   *UploadsConfig       `json:"uploads"`
	Auth      *AuthConfigFile      `json:"auth"`
	Router    *RouterConfigFile    `json:"router"`
	Redis     *RedisConfigFile     `json:"redis"`
}

type RedisConfigFile struct {
	URL         string `json:"url"`
	PresenceTTL string `json:"presence_ttl"`
}

type DatabaseConfigFile struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	URL            string `json:"url"`
	MigrationsPath string `json:"migrations_path"`
	MaxConns       int    `json:"max_conns"`
	Timeout        string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port          int    `json:"port"`
	ReadTimeout   string `json:"read_timeout"`
	WriteTimeout  string `json:"write_timeout"`
	Host          string `json:"host"`
	AllowedOrigin string `json:"allowed_origin"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
	ReadLimit    int64  `json:"read_limit"`
}

type AuthConfigFile struct {
	JWTSecret        string `json:"jwt_secret"`
	TokenTTL         string `json:"token_ttl"`
	AllowUserIDParam *bool  `json:"allow_user_id_param"`
	BcryptCost       int    `json:"bcrypt_cost"`
}

type RouterConfigFile struct {
	TypingTimeout       string `json:"typing_timeout"`
	RateLimit           *int   `json:"rate_limit"`
	MaxContentBytes     int    `json:"max_content_bytes"`
	DefaultHistoryLimit int    `json:"default_history_limit"`
	MaxHistoryLimit     int    `json:"max_history_limit"`
}

// LoadFromFile reads a JSON configuration file over the defaults
func LoadFromFile(filepath string) (*Config, error) {
	return loadFileOver(DefaultConfig(), filepath)
}

func loadFileOver(config *Config, filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	if err := configFile.apply(config); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", filepath, err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// apply overlays every field present in the file onto config
func (f *ConfigFile) apply(config *Config) error {
	if db := f.Database; db != nil {
		setString(&config.Database.Driver, db.Driver)
		setString(&config.Database.Path, db.Path)
		setString(&config.Database.URL, db.URL)
		setString(&config.Database.MigrationsPath, db.MigrationsPath)
		setInt(&config.Database.MaxConns, db.MaxConns)
		if err := setDuration(&config.Database.Timeout, db.Timeout); err != nil {
			return fmt.Errorf("database.timeout: %w", err)
		}
	}

	if h := f.HTTP; h != nil {
		setInt(&config.HTTP.Port, h.Port)
		setString(&config.HTTP.Host, h.Host)
		setString(&config.HTTP.AllowedOrigin, h.AllowedOrigin)
		if err := setDuration(&config.HTTP.ReadTimeout, h.ReadTimeout); err != nil {
			return fmt.Errorf("http.read_timeout: %w", err)
		}
		if err := setDuration(&config.HTTP.WriteTimeout, h.WriteTimeout); err != nil {
			return fmt.Errorf("http.write_timeout: %w", err)
		}
	}

	if ws := f.WebSocket; ws != nil {
		setInt(&config.WebSocket.BufferSize, ws.BufferSize)
		if ws.ReadLimit > 0 {
			config.WebSocket.ReadLimit = ws.ReadLimit
		}
		if err := setDuration(&config.WebSocket.PingInterval, ws.PingInterval); err != nil {
			return fmt.Errorf("websocket.ping_interval: %w", err)
		}
		if err := setDuration(&config.WebSocket.ReadTimeout, ws.ReadTimeout); err != nil {
			return fmt.Errorf("websocket.read_timeout: %w", err)
		}
		if err := setDuration(&config.WebSocket.WriteTimeout, ws.WriteTimeout); err != nil {
			return fmt.Errorf("websocket.write_timeout: %w", err)
		}
	}

	if u := f.Uploads; u != nil {
		setString(&config.Uploads.Dir, u.Dir)
		setString(&config.Uploads.URLPrefix, u.URLPrefix)
		setInt(&config.Uploads.MaxBytes, u.MaxBytes)
	}

	if a := f.Auth; a != nil {
		setString(&config.Auth.JWTSecret, a.JWTSecret)
		setInt(&config.Auth.BcryptCost, a.BcryptCost)
		if a.AllowUserIDParam != nil {
			config.Auth.AllowUserIDParam = *a.AllowUserIDParam
		}
		if err := setDuration(&config.Auth.TokenTTL, a.TokenTTL); err != nil {
			return fmt.Errorf("auth.token_ttl: %w", err)
		}
	}

	if r := f.Router; r != nil {
		if r.RateLimit != nil {
			config.Router.RateLimit = *r.RateLimit
		}
		setInt(&config.Router.MaxContentBytes, r.MaxContentBytes)
		setInt(&config.Router.DefaultHistoryLimit, r.DefaultHistoryLimit)
		setInt(&config.Router.MaxHistoryLimit, r.MaxHistoryLimit)
		if err := setDuration(&config.Router.TypingTimeout, r.TypingTimeout); err != nil {
			return fmt.Errorf("router.typing_timeout: %w", err)
		}
	}

	if f.Redis != nil {
		setString(&config.Redis.URL, f.Redis.URL)
		if err := setDuration(&config.Redis.PresenceTTL, f.Redis.PresenceTTL); err != nil {
			return fmt.Errorf("redis.presence_ttl: %w", err)
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Enables flexible deployment patterns while maintaining sane defaults
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()

	if filepath != "" {
		fileConfig, err := loadFileOver(config, filepath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
