package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ericfitz/tmcollab/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Collab    CollabConfig    `yaml:"collab"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string `yaml:"secret" env:"JWT_SECRET"`
	ExpirationSeconds int    `yaml:"expiration_seconds" env:"JWT_EXPIRATION_SECONDS"`
	SigningMethod     string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
}

// WebSocketConfig holds server-side collaboration session configuration
type WebSocketConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"WS_HEARTBEAT_INTERVAL"`
	PongTimeout        time.Duration `yaml:"pong_timeout" env:"WS_PONG_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout" env:"WS_INACTIVITY_TIMEOUT"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes" env:"WS_MAX_MESSAGE_BYTES"`
	SendBufferSize     int           `yaml:"send_buffer_size" env:"WS_SEND_BUFFER_SIZE"`
	RateLimitPerWindow int           `yaml:"rate_limit_per_window" env:"WS_RATE_LIMIT_PER_WINDOW"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window" env:"WS_RATE_LIMIT_WINDOW"`
	SnapshotCacheTTL   time.Duration `yaml:"snapshot_cache_ttl" env:"WS_SNAPSHOT_CACHE_TTL"`
}

// CollabConfig holds client-side collaboration configuration
type CollabConfig struct {
	BatchWindow          time.Duration `yaml:"batch_window" env:"COLLAB_BATCH_WINDOW"`
	BatchingEnabled      bool          `yaml:"batching_enabled" env:"COLLAB_BATCHING_ENABLED"`
	MaxFlushRetries      int           `yaml:"max_flush_retries" env:"COLLAB_MAX_FLUSH_RETRIES"`
	AuthTimeout          time.Duration `yaml:"auth_timeout" env:"COLLAB_AUTH_TIMEOUT"`
	JoinTimeout          time.Duration `yaml:"join_timeout" env:"COLLAB_JOIN_TIMEOUT"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" env:"COLLAB_RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" env:"COLLAB_RECONNECT_MAX_DELAY"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"COLLAB_MAX_RECONNECT_ATTEMPTS"`
	RejectDelete         bool          `yaml:"reject_delete" env:"COLLAB_REJECT_DELETE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
}

// Load reads configuration from a YAML file (if present) and applies
// environment variable overrides on top of the defaults
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
			DB:   0,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				ExpirationSeconds: 3600,
				SigningMethod:     "HS256",
			},
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval:  30 * time.Second,
			PongTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Second,
			InactivityTimeout:  15 * time.Minute,
			MaxMessageBytes:    65536,
			SendBufferSize:     256,
			RateLimitPerWindow: 100,
			RateLimitWindow:    time.Second,
			SnapshotCacheTTL:   5 * time.Minute,
		},
		Collab: CollabConfig{
			BatchWindow:          100 * time.Millisecond,
			BatchingEnabled:      true,
			MaxFlushRetries:      5,
			AuthTimeout:          10 * time.Second,
			JoinTimeout:          10 * time.Second,
			ReconnectBaseDelay:   500 * time.Millisecond,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 10,
			RejectDelete:         false,
		},
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304 - config path comes from operator CLI
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, config)
}

func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envName := fieldType.Tag.Get("env")
		if envName == "" {
			continue
		}

		envValue, exists := os.LookupEnv("TMCOLLAB_" + envName)
		if !exists {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("invalid value for TMCOLLAB_%s: %w", envName, err)
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		// time.Duration fields accept Go duration strings
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %w", err)
	}
	if c.Auth.JWT.SigningMethod != "" && !strings.HasPrefix(c.Auth.JWT.SigningMethod, "HS") {
		return fmt.Errorf("unsupported JWT signing method: %s", c.Auth.JWT.SigningMethod)
	}
	if c.Collab.BatchWindow <= 0 {
		return fmt.Errorf("collab batch window must be positive")
	}
	if c.Collab.ReconnectBaseDelay <= 0 || c.Collab.ReconnectMaxDelay < c.Collab.ReconnectBaseDelay {
		return fmt.Errorf("invalid reconnect delay bounds")
	}
	if c.Collab.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive")
	}
	if c.WebSocket.PongTimeout <= c.WebSocket.HeartbeatInterval {
		return fmt.Errorf("pong timeout must exceed heartbeat interval")
	}
	return nil
}

// RedisAddr returns the host:port address for the Redis client
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// GetJWTDuration returns the JWT expiration as a duration
func (c *Config) GetJWTDuration() time.Duration {
	return time.Duration(c.Auth.JWT.ExpirationSeconds) * time.Second
}

// GetLogLevel returns the configured logging level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}
