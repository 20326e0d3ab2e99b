package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "FLOWBATCH"

// setDefaults registers every configuration key so that environment
// variables can override keys that have no file value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.status_addr", "127.0.0.1:8090")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.flow_id", "")
	v.SetDefault("remote.workspace_id", "")
	v.SetDefault("remote.request_timeout", "30s")

	v.SetDefault("batch.parallelism", 5)
	v.SetDefault("batch.execution_mode", "normal")
	v.SetDefault("batch.task_timeout_seconds", 600)
	v.SetDefault("batch.timeout_policy", "markAsError")
	v.SetDefault("batch.poll_interval", "2s")

	v.SetDefault("output.write_enabled", false)
	v.SetDefault("output.overwrite_existing", false)
	v.SetDefault("output.sink", "file")
	v.SetDefault("output.dir", "output")

	v.SetDefault("database.url", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.queue_size", 256)

	v.SetDefault("schedule.cron", "")
}

// Load reads configuration from defaults, an optional config file and
// environment variables, in increasing order of precedence.
// When configFile is empty, flowbatch.yaml is looked up in the working
// directory and in $HOME/.flowbatch; a missing file is not an error.
// Returns a populated Config struct or an error if loading/validation fails.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("flowbatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.flowbatch")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span several sections.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.NeedsDatabase() && cfg.Database.URL == "" {
		return errors.New("config validation failed: database.url is required when history or the postgres sink is enabled")
	}
	if cfg.Output.WriteEnabled && cfg.Output.Sink == "file" && cfg.Output.Dir == "" {
		return errors.New("config validation failed: output.dir is required for the file sink")
	}
	return nil
}
