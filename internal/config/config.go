// Package config loads and validates crawlwatch configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlwatch/internal/alert"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/notify"
)

// Notification sender backends.
const (
	SenderLog    = "log"
	SenderPubSub = "pubsub"
	SenderRedis  = "redis"
)

// Backup store backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scrapyd   ScrapydConfig   `mapstructure:"scrapyd"`
	LogParser LogParserConfig `mapstructure:"logparser"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	Control   ControlConfig   `mapstructure:"control"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PublicURL prefixes the stats and stop links placed in notifications.
	PublicURL string `mapstructure:"public_url"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ServerEntry is one job-execution node.
type ServerEntry struct {
	Address string `mapstructure:"address"`
	Local   bool   `mapstructure:"local"`
}

// ScrapydConfig lists the nodes and how to reach them.
type ScrapydConfig struct {
	Servers        []ServerEntry `mapstructure:"servers"`
	LogsDir        string        `mapstructure:"logs_dir"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	LogExtensions  []string      `mapstructure:"log_extensions"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
}

// LogParserConfig pins the expected precomputed stats version.
type LogParserConfig struct {
	Version string `mapstructure:"version"`
}

// StatsConfig controls backup stats persistence.
type StatsConfig struct {
	BackupEnabled bool   `mapstructure:"backup_enabled"`
	Dir           string `mapstructure:"dir"`
	Backend       string `mapstructure:"backend"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	GCSPrefix     string `mapstructure:"gcs_prefix"`
}

// TriggerConfig is the policy of one log category.
type TriggerConfig struct {
	Threshold int  `mapstructure:"threshold"`
	Stop      bool `mapstructure:"stop"`
	ForceStop bool `mapstructure:"force_stop"`
}

// AlertConfig configures the alert engine.
type AlertConfig struct {
	Enabled                bool                     `mapstructure:"enabled"`
	OnJobFinished          bool                     `mapstructure:"on_job_finished"`
	RunningIntervalSeconds int                      `mapstructure:"running_interval_seconds"`
	FinishedCapacity       int                      `mapstructure:"finished_capacity"`
	Triggers               map[string]TriggerConfig `mapstructure:"triggers"`
}

// NotifyConfig selects the sender and the working-hours window.
type NotifyConfig struct {
	Sender       string `mapstructure:"sender"`
	WorkingDays  []int  `mapstructure:"working_days"`
	WorkingHours []int  `mapstructure:"working_hours"`
	Timezone     string `mapstructure:"timezone"`
	QueueDepth   int    `mapstructure:"queue_depth"`
	Workers      int    `mapstructure:"workers"`
}

// PubSubConfig holds the notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RedisConfig holds the notification stream.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// DBConfig controls the decision log database. An empty DSN disables it.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ControlConfig sizes the job-control worker pool.
type ControlConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
	Workers    int `mapstructure:"workers"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry sampling.
type TracingConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://127.0.0.1:8080")
	v.SetDefault("scrapyd.servers", []map[string]any{{"address": "127.0.0.1:6800", "local": true}})
	v.SetDefault("scrapyd.log_extensions", []string{".log", ".log.gz", ".txt"})
	v.SetDefault("scrapyd.timeout_seconds", 30)
	v.SetDefault("logparser.version", "0.8.2")
	v.SetDefault("stats.backup_enabled", true)
	v.SetDefault("stats.dir", "data/stats")
	v.SetDefault("stats.backend", BackendLocal)
	v.SetDefault("alert.enabled", false)
	v.SetDefault("alert.on_job_finished", true)
	v.SetDefault("alert.running_interval_seconds", 0)
	v.SetDefault("alert.finished_capacity", alert.DefaultFinishedCapacity)
	v.SetDefault("notify.sender", SenderLog)
	v.SetDefault("notify.timezone", "UTC")
	v.SetDefault("notify.queue_depth", 256)
	v.SetDefault("notify.workers", 2)
	v.SetDefault("redis.stream", "crawlwatch:notifications")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("db.table", "alert_decisions")
	v.SetDefault("control.queue_depth", 64)
	v.SetDefault("control.workers", 2)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Scrapyd.Servers) == 0 {
		return fmt.Errorf("scrapyd.servers must list at least one node")
	}
	for i, s := range c.Scrapyd.Servers {
		if strings.TrimSpace(s.Address) == "" {
			return fmt.Errorf("scrapyd.servers[%d].address is required", i)
		}
	}
	if c.Scrapyd.TimeoutSeconds <= 0 {
		return fmt.Errorf("scrapyd.timeout_seconds must be > 0")
	}
	if c.LogParser.Version == "" {
		return fmt.Errorf("logparser.version is required")
	}
	switch c.Stats.Backend {
	case BackendLocal:
		if c.Stats.BackupEnabled && c.Stats.Dir == "" {
			return fmt.Errorf("stats.dir is required for the local backend")
		}
	case BackendGCS:
		if c.Stats.BackupEnabled && c.Stats.GCSBucket == "" {
			return fmt.Errorf("stats.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("stats.backend must be %q or %q", BackendLocal, BackendGCS)
	}
	if c.Alert.RunningIntervalSeconds < 0 {
		return fmt.Errorf("alert.running_interval_seconds must be >= 0")
	}
	for name, t := range c.Alert.Triggers {
		if _, ok := jobstats.ParseCategory(name); !ok {
			return fmt.Errorf("alert.triggers: unknown category %q", name)
		}
		if t.Threshold < 0 {
			return fmt.Errorf("alert.triggers.%s.threshold must be >= 0", name)
		}
	}
	switch c.Notify.Sender {
	case SenderLog:
	case SenderPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic are required for the pubsub sender")
		}
	case SenderRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address is required for the redis sender")
		}
	default:
		return fmt.Errorf("notify.sender must be one of %q, %q, %q", SenderLog, SenderPubSub, SenderRedis)
	}
	if _, err := c.WorkingHours(); err != nil {
		return err
	}
	if c.Notify.QueueDepth <= 0 || c.Notify.Workers <= 0 {
		return fmt.Errorf("notify.queue_depth and notify.workers must be > 0")
	}
	if c.Control.QueueDepth <= 0 || c.Control.Workers <= 0 {
		return fmt.Errorf("control.queue_depth and control.workers must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Node returns the node at a 1-based index.
func (c Config) Node(index int) (ServerEntry, bool) {
	if index < 1 || index > len(c.Scrapyd.Servers) {
		return ServerEntry{}, false
	}
	return c.Scrapyd.Servers[index-1], true
}

// ServerIndex returns the 1-based index of address, or 0.
func (c Config) ServerIndex(address string) int {
	return slices.IndexFunc(c.Scrapyd.Servers, func(s ServerEntry) bool { return s.Address == address }) + 1
}

// Timeout is the per-request budget for node calls.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Scrapyd.TimeoutSeconds) * time.Second
}

// AlertEngine converts the alert section into engine settings.
func (c Config) AlertEngine() alert.Config {
	out := alert.Config{
		OnJobFinished:   c.Alert.OnJobFinished,
		RunningInterval: time.Duration(c.Alert.RunningIntervalSeconds) * time.Second,
	}
	for name, t := range c.Alert.Triggers {
		cat, ok := jobstats.ParseCategory(name)
		if !ok {
			continue
		}
		out.Triggers[cat] = alert.TriggerPolicy{Threshold: t.Threshold, Stop: t.Stop, ForceStop: t.ForceStop}
	}
	return out
}

// WorkingHours converts the notify window. Unset lists leave a dimension unrestricted.
func (c Config) WorkingHours() (notify.WorkingHours, error) {
	loc, err := time.LoadLocation(c.Notify.Timezone)
	if err != nil {
		return notify.WorkingHours{}, fmt.Errorf("notify.timezone: %w", err)
	}
	w := notify.WorkingHours{Days: c.Notify.WorkingDays, Hours: c.Notify.WorkingHours, Location: loc}
	if err := w.Validate(); err != nil {
		return notify.WorkingHours{}, fmt.Errorf("notify: %w", err)
	}
	return w, nil
}
