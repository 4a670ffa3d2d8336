package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server        Server        `mapstructure:"server"`
	Database      Database      `mapstructure:"database"`
	Storage       Storage       `mapstructure:"storage"`
	Kafka         Kafka         `mapstructure:"kafka"`
	Retry         Retry         `mapstructure:"retry"`
	Worker        Worker        `mapstructure:"worker"`
	Retention     Retention     `mapstructure:"retention"`
	Optimizer     Optimizer     `mapstructure:"optimizer"`
	Color         Color         `mapstructure:"color"`
	PipelineCache PipelineCache `mapstructure:"pipeline_cache"`
	Intake        Intake        `mapstructure:"intake"`
	Notify        Notify        `mapstructure:"notify"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for input object storage and local outputs.
type Storage struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	OutputDir  string `mapstructure:"output_dir"` // root of job output directories
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	GroupID     string   `mapstructure:"group_id"`     // Consumer group ID
	Topic       string   `mapstructure:"topic"`        // Job topic
	EventsTopic string   `mapstructure:"events_topic"` // Status events topic
	Brokers     []string `mapstructure:"brokers"`      // List of Kafka broker addresses
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Worker configures job execution.
type Worker struct {
	Concurrency        int           `mapstructure:"concurrency"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	StallInterval      time.Duration `mapstructure:"stall_interval"`
	StallCheckInterval time.Duration `mapstructure:"stall_check_interval"`
	StallBatchSize     int           `mapstructure:"stall_batch_size"`
}

// Retention configures the sweeper.
type Retention struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	CompletedDays int           `mapstructure:"completed_days"`
	FailedDays    int           `mapstructure:"failed_days"`
}

// Optimizer configures the secondary optimization tools.
type Optimizer struct {
	Enabled      bool          `mapstructure:"enabled"`
	PNGCrushPath string        `mapstructure:"pngcrush_path"`
	JPEGTranPath string        `mapstructure:"jpegtran_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	WorkDir      string        `mapstructure:"work_dir"`
}

// Color configures profile lookup.
type Color struct {
	ProfileDir string `mapstructure:"profile_dir"`
}

// PipelineCache configures the worker-side pipeline cache.
type PipelineCache struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Capacity uint64        `mapstructure:"capacity"`
}

// Intake limits submissions.
type Intake struct {
	MaxFiles    int   `mapstructure:"max_files"`
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// Notify configures the status event channel.
type Notify struct {
	Enabled       bool          `mapstructure:"enabled"`
	DepthInterval time.Duration `mapstructure:"depth_interval"`
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.output_dir", "./output")
	v.SetDefault("kafka.topic", "asset-jobs")
	v.SetDefault("kafka.events_topic", "asset-events")
	v.SetDefault("kafka.group_id", "asset-workers")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 200*time.Millisecond)
	v.SetDefault("retry.backoff", 2.0)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.stall_interval", 60*time.Second)
	v.SetDefault("worker.stall_check_interval", 30*time.Second)
	v.SetDefault("worker.stall_batch_size", 100)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("retention.completed_days", 30)
	v.SetDefault("retention.failed_days", 7)
	v.SetDefault("optimizer.enabled", true)
	v.SetDefault("optimizer.timeout", time.Minute)
	v.SetDefault("pipeline_cache.ttl", 5*time.Minute)
	v.SetDefault("pipeline_cache.capacity", 256)
	v.SetDefault("intake.max_files", 100)
	v.SetDefault("intake.max_file_size", 100<<20)
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.depth_interval", 5*time.Second)
}

// bindEnv binds critical environment variables to Viper keys.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",
		"storage.access_key":   "MINIO_ACCESS_KEY",
		"storage.secret_key":   "MINIO_SECRET_KEY",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	return nil
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Worker.Concurrency < 1:
		return fmt.Errorf("worker.concurrency must be at least 1")
	case c.Intake.MaxFiles < 1:
		return fmt.Errorf("intake.max_files must be at least 1")
	case c.Retention.CompletedDays < 1 || c.Retention.FailedDays < 1:
		return fmt.Errorf("retention days must be at least 1")
	case c.Worker.StallInterval <= c.Worker.HeartbeatInterval:
		return fmt.Errorf("worker.stall_interval must exceed worker.heartbeat_interval")
	}
	return nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}
