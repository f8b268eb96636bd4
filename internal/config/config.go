// Package config loads process-wide settings from an optional YAML file
// with environment-variable overrides. A .env file is honored when
// present, matching how the deployment scripts pass credentials.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Detection DetectionConfig `yaml:"detection"`
	Streams   StreamsConfig   `yaml:"streams"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	PublicHost string `yaml:"public_host"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type DetectionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RulesDir string `yaml:"rules_dir"`
}

type StreamsConfig struct {
	EventCap    int64 `yaml:"event_cap"`
	AlertCap    int64 `yaml:"alert_cap"`
	TailBlockMS int   `yaml:"tail_block_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080},
		Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		Detection: DetectionConfig{Enabled: true, RulesDir: "rules"},
		Streams:   StreamsConfig{EventCap: 5000, AlertCap: 2000, TailBlockMS: 2000},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file is absent) and applies environment overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setString(&cfg.Detection.RulesDir, "RULES_DIR")
	setString(&cfg.Server.PublicHost, "PUBLIC_HOST")
	setInt(&cfg.Server.Port, "PORT")
	if v := os.Getenv("DETECTION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Detection.Enabled = b
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
