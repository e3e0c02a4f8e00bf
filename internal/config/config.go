// Package config loads and validates taskprogress configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Storage backends for task artifacts.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Progress ProgressConfig          `mapstructure:"progress"`
	Worker   WorkerConfig            `mapstructure:"worker"`
	Storage  StorageConfig           `mapstructure:"storage"`
	DB       DBConfig                `mapstructure:"db"`
	PubSub   PubSubConfig            `mapstructure:"pubsub"`
	Logging  LoggingConfig           `mapstructure:"logging"`
	Tasks    map[string]TaskTemplate `mapstructure:"tasks"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProgressConfig tunes the event hub and the run command's polling.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	CoalesceProgress bool          `mapstructure:"coalesce_progress"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	LogEvents        bool          `mapstructure:"log_events"`
	Prometheus       bool          `mapstructure:"prometheus"`
}

// WorkerConfig controls the simulated workers and how many launched tasks
// run at once.
type WorkerConfig struct {
	StepInterval  time.Duration `mapstructure:"step_interval"`
	OutputDir     string        `mapstructure:"output_dir"`
	FailAt        int           `mapstructure:"fail_at"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	// LaunchRPS limits template launches per template name; 0 disables it.
	LaunchRPS   float64 `mapstructure:"launch_rps"`
	LaunchBurst int     `mapstructure:"launch_burst"`
}

// StorageConfig selects where finished task outputs are uploaded.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"gcs_bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// DBConfig controls access to the run history database. An empty DSN keeps
// history in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for completion notices. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features. Level overrides the
// preset's minimum level when set.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TaskTemplate names a task shape that can be launched by name.
type TaskTemplate struct {
	Kind      string `mapstructure:"kind"`
	Steps     int    `mapstructure:"steps"`
	Autostart bool   `mapstructure:"autostart"`
}

var validKinds = map[string]struct{}{
	"generic":   {},
	"train":     {},
	"inference": {},
	"export":    {},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKPROGRESS")
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
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.coalesce_progress", true)
	v.SetDefault("progress.poll_interval", time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("worker.step_interval", 500*time.Millisecond)
	v.SetDefault("worker.output_dir", "runs")
	v.SetDefault("worker.max_concurrent", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "artifacts")
	v.SetDefault("storage.prefix", "tasks")
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Progress.BufferSize < 0 || c.Progress.MaxBatchEvents < 0 {
		return errors.New("progress.buffer_size and progress.max_batch_events must be >= 0")
	}
	if c.Progress.PollInterval <= 0 {
		return errors.New("progress.poll_interval must be > 0")
	}
	if c.Worker.StepInterval < 0 {
		return errors.New("worker.step_interval must be >= 0")
	}
	if strings.TrimSpace(c.Worker.OutputDir) == "" {
		return errors.New("worker.output_dir is required")
	}
	if c.Worker.MaxConcurrent < 0 || c.Worker.QueueDepth < 0 {
		return errors.New("worker.max_concurrent and worker.queue_depth must be >= 0")
	}
	if c.Worker.LaunchRPS < 0 {
		return errors.New("worker.launch_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageNone, "":
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return errors.New("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			return errors.New("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, local, gcs", c.Storage.Backend)
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	for _, name := range c.TaskNames() {
		tpl := c.Tasks[name]
		if _, ok := validKinds[tpl.Kind]; !ok {
			return fmt.Errorf("tasks.%s.kind %q is not a known task kind", name, tpl.Kind)
		}
		if tpl.Steps <= 0 {
			return fmt.Errorf("tasks.%s.steps must be > 0", name)
		}
	}
	return nil
}

// TaskNames lists the configured templates in sorted order.
func (c Config) TaskNames() []string {
	names := make([]string, 0, len(c.Tasks))
	for name := range c.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
