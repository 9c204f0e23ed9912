// Package config loads runtime configuration from a YAML file and
// REINIT_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for a process or coordinator.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	LogJSON     bool              `mapstructure:"log_json"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Process     ProcessConfig     `mapstructure:"process"`
}

// CoordinatorConfig configures the HTTP group coordinator.
type CoordinatorConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	WorldSize        int           `mapstructure:"world_size"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	CheckpointDB     string        `mapstructure:"checkpoint_db"`
}

// ProcessConfig configures one participating process.
type ProcessConfig struct {
	CoordinatorURL    string        `mapstructure:"coordinator_url"`
	StartStep         uint64        `mapstructure:"start_step"`
	FaultMode         string        `mapstructure:"fault_mode"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_json", false)
	v.SetDefault("coordinator.listen_addr", ":8080")
	v.SetDefault("coordinator.world_size", 4)
	v.SetDefault("coordinator.heartbeat_timeout", 15*time.Second)
	v.SetDefault("coordinator.checkpoint_db", "")
	v.SetDefault("process.coordinator_url", "http://localhost:8080")
	v.SetDefault("process.start_step", 0)
	v.SetDefault("process.fault_mode", "synchronous")
	v.SetDefault("process.heartbeat_interval", 3*time.Second)
}

// Load reads configuration from path, or from $HOME/.reinit/config.yaml when
// path is empty. A missing file is not an error; defaults and environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".reinit"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("REINIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
