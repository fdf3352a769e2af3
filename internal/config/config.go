// Package config loads runtime settings from a YAML file with environment
// overrides (prefix STRIKEFLOW_, dots become underscores).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Resources struct {
		MaxConcurrent  int           `mapstructure:"max_concurrent"`
		CPUHighWater   float64       `mapstructure:"cpu_high_water"`
		CPULowWater    float64       `mapstructure:"cpu_low_water"`
		MemHighWater   float64       `mapstructure:"mem_high_water"`
		MemLowWater    float64       `mapstructure:"mem_low_water"`
		SampleInterval time.Duration `mapstructure:"sample_interval"`
	} `mapstructure:"resources"`

	Approval struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"approval"`

	Audit struct {
		Dir         string `mapstructure:"dir"`
		MaxSizeMB   int    `mapstructure:"max_size_mb"`
		MaxBackups  int    `mapstructure:"max_backups"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"audit"`

	Artifacts struct {
		Dir       string `mapstructure:"dir"`
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
		UseSSL    bool   `mapstructure:"use_ssl"`
	} `mapstructure:"artifacts"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Scope struct {
		Allow []string `mapstructure:"allow"`
		Deny  []string `mapstructure:"deny"`
	} `mapstructure:"scope"`

	Tools map[string]string `mapstructure:"tools"`
}

// Load reads path when given, otherwise searches for strikeflow.yaml in the
// working directory. A missing file is fine; environment overrides still
// apply on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("strikeflow")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("STRIKEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("resources.max_concurrent", 8)
	v.SetDefault("resources.cpu_high_water", 85.0)
	v.SetDefault("resources.cpu_low_water", 60.0)
	v.SetDefault("resources.mem_high_water", 90.0)
	v.SetDefault("resources.mem_low_water", 70.0)
	v.SetDefault("resources.sample_interval", 5*time.Second)
	v.SetDefault("approval.timeout", 15*time.Minute)
	v.SetDefault("audit.dir", "audit")
	v.SetDefault("audit.max_size_mb", 50)
	v.SetDefault("audit.max_backups", 5)
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("tools", map[string]string{
		"nmap":   "nmap",
		"nikto":  "nikto",
		"gobust": "gobuster",
	})
}

func validate(cfg *Config) error {
	if cfg.Resources.MaxConcurrent <= 0 {
		return fmt.Errorf("resources.max_concurrent must be > 0")
	}
	if cfg.Resources.CPULowWater >= cfg.Resources.CPUHighWater {
		return fmt.Errorf("resources.cpu_low_water must be below cpu_high_water")
	}
	if cfg.Resources.MemLowWater >= cfg.Resources.MemHighWater {
		return fmt.Errorf("resources.mem_low_water must be below mem_high_water")
	}
	if cfg.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be > 0")
	}
	return nil
}
