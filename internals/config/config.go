package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxRooms          int           `yaml:"max_rooms"`
	MaxMembersPerRoom int           `yaml:"max_members_per_room"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// InstanceID names this process among instances sharing a Redis; empty
	// falls back to INSTANCE_ID or the hostname.
	InstanceID string `yaml:"instance_id"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	RelayEnabled bool          `yaml:"relay_enabled"`
	SummaryTTL   time.Duration `yaml:"summary_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RealtimeConfig struct {
	WaveTTL            time.Duration `yaml:"wave_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	DefaultWaveColor   string        `yaml:"default_wave_color"`
	DefaultAvatarColor string        `yaml:"default_avatar_color"`
	// PositionBound clamps every position component to [-bound, bound]; 0 disables clamping.
	PositionBound  float64 `yaml:"position_bound"`
	RetainPlayback bool    `yaml:"retain_playback"`

	WSReadLimit    int64         `yaml:"ws_read_limit"`
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout  time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval"`
	SendBuffer     int           `yaml:"send_buffer"`

	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// LoadConfig reads the process environment. A .env file in the working
// directory is applied first without overriding variables already set.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:              getEnv("ECHO_HOST", "0.0.0.0"),
			Port:              getEnvInt("ECHO_PORT", 5000),
			ReadTimeout:       getEnvDuration("ECHO_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvDuration("ECHO_WRITE_TIMEOUT", 30*time.Second),
			MaxRooms:          getEnvInt("ECHO_MAX_ROOMS", 1000),
			MaxMembersPerRoom: getEnvInt("ECHO_MAX_MEMBERS_PER_ROOM", 100),
			AllowedOrigins:    getEnvList("ECHO_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout:   getEnvDuration("ECHO_SHUTDOWN_TIMEOUT", 10*time.Second),
			InstanceID:        getEnv("ECHO_INSTANCE_ID", ""),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			RelayEnabled: getEnvBool("REDIS_RELAY_ENABLED", false),
			SummaryTTL:   getEnvDuration("REDIS_SUMMARY_TTL", 5*time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Realtime: RealtimeConfig{
			WaveTTL:            getEnvDuration("ECHO_WAVE_TTL", 3*time.Second),
			SweepInterval:      getEnvDuration("ECHO_SWEEP_INTERVAL", time.Second),
			DefaultWaveColor:   getEnv("ECHO_DEFAULT_WAVE_COLOR", "#3b82f6"),
			DefaultAvatarColor: getEnv("ECHO_DEFAULT_AVATAR_COLOR", "#3b82f6"),
			PositionBound:      getEnvFloat("ECHO_POSITION_BOUND", 0),
			RetainPlayback:     getEnvBool("ECHO_RETAIN_PLAYBACK", false),
			WSReadLimit:        int64(getEnvInt("ECHO_WS_READ_LIMIT", 65536)),
			WSWriteTimeout:     getEnvDuration("ECHO_WS_WRITE_TIMEOUT", 10*time.Second),
			WSPongTimeout:      getEnvDuration("ECHO_WS_PONG_TIMEOUT", 60*time.Second),
			WSPingInterval:     getEnvDuration("ECHO_WS_PING_INTERVAL", 54*time.Second),
			SendBuffer:         getEnvInt("ECHO_SEND_BUFFER", 256),
			RateLimitPerSec:    getEnvFloat("ECHO_RATE_LIMIT_PER_SEC", 60),
			RateLimitBurst:     getEnvInt("ECHO_RATE_LIMIT_BURST", 120),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("1500ms", "3s").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
