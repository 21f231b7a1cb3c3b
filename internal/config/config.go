// config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"curve-dispatch/internal/repository"
	"curve-dispatch/pkg/archive"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BlobBackendHTTP = "http"
	BlobBackendFS   = "fs"

	// DispatchModeLocal runs jobs inside the API process instead of publishing them to Redis.
	DispatchModeStream = "stream"
	DispatchModeLocal  = "local"
)

type Config struct {
	// Redis
	RedisURL      string `mapstructure:"redis_url"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	StreamName    string `mapstructure:"redis_stream"`
	ConsumerGroup string `mapstructure:"redis_consumer_group"`

	// RethinkDB
	RethinkDBURL string `mapstructure:"rethinkdb_url"`
	DBName       string `mapstructure:"db_name"`
	JobsTable    string `mapstructure:"jobs_table"`
	StagesTable  string `mapstructure:"stages_table"`
	FilesTable   string `mapstructure:"files_table"`
	ResultsTable string `mapstructure:"results_table"`
	LogsTable    string `mapstructure:"logs_table"`

	// Server
	ServerPort  string `mapstructure:"server_port"`
	HealthPort  string `mapstructure:"health_port"`
	MetricsPort string `mapstructure:"metrics_port"`
	LogFormat   string `mapstructure:"log_format"`

	// Entry point. OwnerID is passed to every job created by this process.
	OwnerID  string `mapstructure:"owner_id"`
	APIToken string `mapstructure:"api_token"`

	// Worker
	DispatchMode string        `mapstructure:"dispatch_mode"`
	WorkerCount  int           `mapstructure:"worker_count"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`

	// Blob store
	BlobBackend     string        `mapstructure:"blob_backend"`
	BlobRoot        string        `mapstructure:"blob_root"`
	BlobHTTPTimeout time.Duration `mapstructure:"blob_http_timeout"`
	MaxBlobBytes    int64         `mapstructure:"max_blob_bytes"`

	// Archive walking
	ArchiveMaxTabular       int           `mapstructure:"archive_max_tabular"`
	ArchiveMaxNested        int           `mapstructure:"archive_max_nested"`
	ArchiveNestedEntryLimit int           `mapstructure:"archive_nested_entry_limit"`
	ArchiveTimeout          time.Duration `mapstructure:"archive_timeout"`
	ArchiveMaxMemberBytes   int64         `mapstructure:"archive_max_member_bytes"`
}

func setDefaults(v *viper.Viper) {
	limits := archive.DefaultLimits()

	v.SetDefault("redis_url", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_stream", "dispatch-jobs")
	v.SetDefault("redis_consumer_group", "dispatch-workers")
	v.SetDefault("rethinkdb_url", "localhost:28015")
	v.SetDefault("db_name", "curve_dispatch")
	v.SetDefault("jobs_table", "jobs")
	v.SetDefault("stages_table", "stage_states")
	v.SetDefault("files_table", "source_files")
	v.SetDefault("results_table", "results")
	v.SetDefault("logs_table", "job_logs")
	v.SetDefault("server_port", ":8081")
	v.SetDefault("health_port", ":8082")
	v.SetDefault("metrics_port", ":9090")
	v.SetDefault("log_format", "json")
	v.SetDefault("owner_id", "default-owner")
	v.SetDefault("api_token", "")
	v.SetDefault("dispatch_mode", DispatchModeStream)
	v.SetDefault("worker_count", 4)
	v.SetDefault("job_timeout", 30*time.Minute)
	v.SetDefault("blob_backend", BlobBackendHTTP)
	v.SetDefault("blob_root", "")
	v.SetDefault("blob_http_timeout", 2*time.Minute)
	v.SetDefault("max_blob_bytes", int64(512<<20))
	v.SetDefault("archive_max_tabular", limits.MaxTabular)
	v.SetDefault("archive_max_nested", limits.MaxNested)
	v.SetDefault("archive_nested_entry_limit", limits.NestedEntryLimit)
	v.SetDefault("archive_timeout", limits.Timeout)
	v.SetDefault("archive_max_member_bytes", limits.MaxMemberBytes)
}

// Load reads defaults, an optional config.yaml, an optional .env file and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/curve-dispatch/")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.BlobBackend {
	case BlobBackendHTTP, BlobBackendFS:
	default:
		return fmt.Errorf("unknown blob_backend %q", c.BlobBackend)
	}
	switch c.DispatchMode {
	case DispatchModeStream, DispatchModeLocal:
	default:
		return fmt.Errorf("unknown dispatch_mode %q", c.DispatchMode)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be at least 1, got %d", c.WorkerCount)
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return errors.New("owner_id is required")
	}
	return nil
}

func (c *Config) Tables() repository.Tables {
	return repository.Tables{
		Jobs:    c.JobsTable,
		Stages:  c.StagesTable,
		Files:   c.FilesTable,
		Results: c.ResultsTable,
		Logs:    c.LogsTable,
	}
}

// ArchiveLimits keeps the nesting depth at its default; only the ceilings are configurable.
func (c *Config) ArchiveLimits() archive.Limits {
	limits := archive.DefaultLimits()
	limits.MaxTabular = c.ArchiveMaxTabular
	limits.MaxNested = c.ArchiveMaxNested
	limits.NestedEntryLimit = c.ArchiveNestedEntryLimit
	limits.Timeout = c.ArchiveTimeout
	limits.MaxMemberBytes = c.ArchiveMaxMemberBytes
	return limits
}
