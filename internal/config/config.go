package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Output   OutputConfig   `mapstructure:"output"`
	Database DatabaseConfig `mapstructure:"database"`
	History  HistoryConfig  `mapstructure:"history"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel   string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	StatusAddr string `mapstructure:"status_addr" validate:"required,hostname_port"`
}

// RemoteConfig describes the remote flow service every task is submitted to.
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	APIKey         string        `mapstructure:"api_key"`
	FlowID         string        `mapstructure:"flow_id" validate:"required"`
	WorkspaceID    string        `mapstructure:"workspace_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// BatchConfig contains the scheduling settings of a batch run.
type BatchConfig struct {
	Parallelism        int           `mapstructure:"parallelism" validate:"required,gt=0,lte=256"`
	ExecutionMode      string        `mapstructure:"execution_mode" validate:"required,oneof=normal singleton withSession"`
	TaskTimeoutSeconds int           `mapstructure:"task_timeout_seconds" validate:"required,gt=0"`
	TimeoutPolicy      string        `mapstructure:"timeout_policy" validate:"required,oneof=retry markAsError"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// TaskTimeout returns the task timeout as a duration.
func (b BatchConfig) TaskTimeout() time.Duration {
	return time.Duration(b.TaskTimeoutSeconds) * time.Second
}

// OutputConfig controls where successful results are written.
type OutputConfig struct {
	WriteEnabled      bool   `mapstructure:"write_enabled"`
	OverwriteExisting bool   `mapstructure:"overwrite_existing"`
	Sink              string `mapstructure:"sink" validate:"required,oneof=file postgres"`
	Dir               string `mapstructure:"dir"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// HistoryConfig controls persistence of finished task runs.
type HistoryConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	QueueSize int  `mapstructure:"queue_size" validate:"gt=0"`
}

// ScheduleConfig holds the cron expression of recurring runs.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// NeedsDatabase reports whether any enabled component uses postgres.
func (c *Config) NeedsDatabase() bool {
	return c.History.Enabled || (c.Output.WriteEnabled && c.Output.Sink == "postgres")
}
