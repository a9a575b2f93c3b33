package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig captures runtime settings for the nimbled agent.
type AgentConfig struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	DataDir             string        `mapstructure:"data_dir"`
	DatabaseURL         string        `mapstructure:"database_url"`
	QueueCapacity       int           `mapstructure:"queue_capacity"`
	DeployQueueCapacity int           `mapstructure:"deploy_queue_capacity"`
	BuildWorkers        int           `mapstructure:"build_workers"`
	BuildTimeout        time.Duration `mapstructure:"build_timeout"`
	PurgeWorkspaces     bool          `mapstructure:"purge_workspaces"`
	DevMode             bool          `mapstructure:"dev_mode"`
}

// LoadAgent loads agent configuration from defaults, files, and env vars.
func LoadAgent() (AgentConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/nimble")
	v.SetEnvPrefix("NIMBLE")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":7080")
	v.SetDefault("data_dir", "")
	v.SetDefault("database_url", "")
	v.SetDefault("queue_capacity", 100)
	v.SetDefault("deploy_queue_capacity", 100)
	v.SetDefault("build_workers", 2)
	v.SetDefault("build_timeout", 15*time.Minute)
	v.SetDefault("purge_workspaces", true)
	v.SetDefault("dev_mode", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return AgentConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Unless set explicitly, state lives under /var/lib in production and
	// the working directory in dev mode.
	if cfg.DataDir == "" {
		if cfg.DevMode {
			cfg.DataDir = "./data"
		} else {
			cfg.DataDir = "/var/lib/nimble"
		}
	}

	return cfg, nil
}
