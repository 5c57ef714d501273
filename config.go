package main

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v2"

	"github.com/uplinkd/uplink/pkg/storage"
)

type Config struct {
	Storage struct {
		// Backend selects "local" or "s3".
		Backend  string           `yaml:"backend"`
		Path     string           `yaml:"path"`
		Database string           `yaml:"database"`
		S3       storage.S3Config `yaml:"s3"`
	} `yaml:"storage"`
	API struct {
		Port string `yaml:"port"`
		Key  string `yaml:"key"`
		// RateLimitPerSecond of 0 disables rate limiting.
		RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
		RateLimitBurst     int     `yaml:"rate_limit_burst"`
	} `yaml:"api"`
	Upload struct {
		MaxFileSizeBytes int64         `yaml:"max_file_size_bytes"`
		SessionMaxAge    time.Duration `yaml:"session_max_age"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
	} `yaml:"upload"`
	Events struct {
		AMQPURL string `yaml:"amqp_url"`
		Queue   string `yaml:"queue"`
	} `yaml:"events"`
}

func configPath() string {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

func LoadConfig() *Config {
	config := defaultConfig()

	data, err := os.ReadFile(configPath())
	if err != nil {
		log.Warn("failed to read config file, using defaults", "error", err)
	} else if err := yaml.Unmarshal(data, config); err != nil {
		log.Warn("failed to parse config file, using defaults", "error", err)
	}

	// Environment overrides for secrets.
	if envAPIKey := os.Getenv("UPLINK_API_KEY"); envAPIKey != "" {
		config.API.Key = envAPIKey
	}
	if envAMQP := os.Getenv("UPLINK_AMQP_URL"); envAMQP != "" {
		config.Events.AMQPURL = envAMQP
	}

	config.normalize()
	return config
}

func defaultConfig() *Config {
	c := &Config{}
	c.Storage.Backend = "local"
	c.Storage.Path = "./storage"
	c.Storage.Database = "./uplink.db"
	c.API.Port = "8080"
	c.Upload.MaxFileSizeBytes = 500 * 1024 * 1024
	c.Upload.SessionMaxAge = 24 * time.Hour
	c.Upload.SweepInterval = time.Hour
	c.Events.Queue = "upload_events"
	return c
}

func (c *Config) normalize() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Upload.MaxFileSizeBytes <= 0 {
		c.Upload.MaxFileSizeBytes = 500 * 1024 * 1024
	}
	if c.Upload.SessionMaxAge <= 0 {
		c.Upload.SessionMaxAge = 24 * time.Hour
	}
	if c.Upload.SweepInterval <= 0 {
		c.Upload.SweepInterval = time.Hour
	}
	if c.API.RateLimitPerSecond > 0 && c.API.RateLimitBurst <= 0 {
		c.API.RateLimitBurst = 20
	}
	if c.Events.Queue == "" {
		c.Events.Queue = "upload_events"
	}
}
