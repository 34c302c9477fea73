package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Push     PushConfig     `yaml:"push"`
	Topics   TopicsConfig   `yaml:"topics"`
	Auth     AuthConfig     `yaml:"auth"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Queue    QueueConfig    `yaml:"queue"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port" envconfig:"PORT"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" envconfig:"RATE_LIMIT_PER_SEC"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds" envconfig:"CACHE_TTL_SECONDS"`
}

// DatabaseConfig holds the database connection configuration.
// A DSN starting with "sqlite:" opens a SQLite database, anything else is handed to Postgres.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn" envconfig:"DATABASE_DSN"`
	MaxOpenConns           int    `yaml:"max_open_conns" envconfig:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns           int    `yaml:"max_idle_conns" envconfig:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" envconfig:"DATABASE_CONN_MAX_LIFETIME_MINUTES"`
	LogSQL                 bool   `yaml:"log_sql" envconfig:"DATABASE_LOG_SQL"`
}

// PushConfig holds the VAPID keys and delivery tuning for web push.
type PushConfig struct {
	PublicKey          string        `yaml:"vapid_public_key" envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey         string        `yaml:"vapid_private_key" envconfig:"VAPID_PRIVATE_KEY"`
	Subject            string        `yaml:"subject" envconfig:"VAPID_SUBJECT"`
	TTL                int           `yaml:"ttl" envconfig:"PUSH_TTL"`
	DefaultIcon        string        `yaml:"default_icon" envconfig:"PUSH_DEFAULT_ICON"`
	Workers            int           `yaml:"workers" envconfig:"PUSH_WORKERS"`
	SendTimeoutSeconds int           `yaml:"send_timeout_seconds" envconfig:"PUSH_SEND_TIMEOUT_SECONDS"`
	SendTimeout        time.Duration `yaml:"-" ignored:"true"`
	PruneGone          bool          `yaml:"prune_gone" envconfig:"PUSH_PRUNE_GONE"`
}

// TopicsConfig lists topics reserved for backend subscribers.
type TopicsConfig struct {
	Privileged []string `yaml:"privileged" envconfig:"PRIVILEGED_TOPICS"`
}

// AuthConfig holds the credentials accepted for backend subscriptions and admin calls.
type AuthConfig struct {
	BackendToken string `yaml:"backend_token" envconfig:"BACKEND_TOKEN"`
	AdminToken   string `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	JWTSecret    string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
}

// MonitorConfig configures the error log monitor and the update watcher.
type MonitorConfig struct {
	Enabled              bool          `yaml:"enabled" envconfig:"MONITOR_ENABLED"`
	Mode                 string        `yaml:"mode" envconfig:"MONITOR_MODE"`
	LogPath              string        `yaml:"log_path" envconfig:"MONITOR_LOG_PATH"`
	ServerName           string        `yaml:"server_name" envconfig:"MONITOR_SERVER_NAME"`
	Domain               string        `yaml:"domain" envconfig:"MONITOR_DOMAIN"`
	LogURL               string        `yaml:"log_url" envconfig:"MONITOR_LOG_URL"`
	Icon                 string        `yaml:"icon" envconfig:"MONITOR_ICON"`
	IntervalSeconds      int           `yaml:"interval_seconds" envconfig:"MONITOR_INTERVAL_SECONDS"`
	Interval             time.Duration `yaml:"-" ignored:"true"`
	ThrottleSeconds      int           `yaml:"throttle_seconds" envconfig:"MONITOR_THROTTLE_SECONDS"`
	Throttle             time.Duration `yaml:"-" ignored:"true"`
	CooldownSeconds      int           `yaml:"cooldown_seconds" envconfig:"MONITOR_COOLDOWN_SECONDS"`
	Cooldown             time.Duration `yaml:"-" ignored:"true"`
	ScanLimit            int           `yaml:"scan_limit" envconfig:"MONITOR_SCAN_LIMIT"`
	MaxBatch             int           `yaml:"max_batch" envconfig:"MONITOR_MAX_BATCH"`
	UpdateWatcherEnabled bool          `yaml:"update_watcher_enabled" envconfig:"MONITOR_UPDATE_WATCHER_ENABLED"`
}

// QueueConfig enables the optional redis-backed asynchronous dispatch queue.
type QueueConfig struct {
	RedisURL string `yaml:"redis_url" envconfig:"REDIS_URL"`
	Key      string `yaml:"key" envconfig:"QUEUE_KEY"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" envconfig:"LOG_PRETTY"`
}

const (
	MonitorModeInline    = "inline"
	MonitorModeScheduled = "scheduled"

	maxCooldown = 24 * time.Hour
)

// Load reads the configuration from the given path and overlays PUSHIT_* environment variables.
// A missing file is not an error when the environment provides the rest.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	case os.IsNotExist(err):
		log.Warn().Str("path", path).Msg("config file not found, using environment only")
	default:
		return nil, err
	}

	// Sections are processed one by one so variables read PUSHIT_PORT, not PUSHIT_SERVER_PORT.
	for _, section := range []interface{}{
		&cfg.Server, &cfg.Database, &cfg.Push, &cfg.Topics,
		&cfg.Auth, &cfg.Monitor, &cfg.Queue, &cfg.Log,
	} {
		if err := envconfig.Process("PUSHIT", section); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 60
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sqlite:pushit.db"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.Push.DefaultIcon == "" {
		cfg.Push.DefaultIcon = "/assets/addons/push_it/icon.svg"
	}
	if cfg.Push.Workers <= 0 {
		log.Warn().Int("workers", cfg.Push.Workers).Msg("push.workers is not set or invalid; defaulting to 10")
		cfg.Push.Workers = 10
	}
	if cfg.Push.Workers > 50 {
		log.Warn().Int("workers", cfg.Push.Workers).Msg("push.workers capped at 50")
		cfg.Push.Workers = 50
	}
	if cfg.Push.SendTimeoutSeconds <= 0 {
		cfg.Push.SendTimeoutSeconds = 5
	}
	cfg.Push.SendTimeout = time.Duration(cfg.Push.SendTimeoutSeconds) * time.Second

	if cfg.Topics.Privileged == nil {
		cfg.Topics.Privileged = []string{"system", "admin", "critical"}
	}

	cfg.Monitor.Mode = strings.ToLower(strings.TrimSpace(cfg.Monitor.Mode))
	if cfg.Monitor.Mode != MonitorModeScheduled {
		cfg.Monitor.Mode = MonitorModeInline
	}
	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = 300
	}
	cfg.Monitor.Interval = time.Duration(cfg.Monitor.IntervalSeconds) * time.Second
	if cfg.Monitor.ThrottleSeconds <= 0 {
		cfg.Monitor.ThrottleSeconds = 300
	}
	cfg.Monitor.Throttle = time.Duration(cfg.Monitor.ThrottleSeconds) * time.Second
	if cfg.Monitor.CooldownSeconds < 300 {
		cfg.Monitor.CooldownSeconds = 300
	}
	cfg.Monitor.Cooldown = time.Duration(cfg.Monitor.CooldownSeconds) * time.Second
	if cfg.Monitor.Cooldown > maxCooldown {
		cfg.Monitor.Cooldown = maxCooldown
	}
	if cfg.Monitor.ScanLimit <= 0 {
		cfg.Monitor.ScanLimit = 100
	}
	if cfg.Monitor.MaxBatch <= 0 {
		cfg.Monitor.MaxBatch = 10
	}
	if cfg.Monitor.ServerName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Monitor.ServerName = host
		}
	}

	if cfg.Queue.Key == "" {
		cfg.Queue.Key = "pushit:dispatch"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
