package scorer

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the scoring worker configuration.
type Config struct {
	Node struct {
		ID        string `yaml:"id"`        // unique worker identifier
		Signature string `yaml:"signature"` // ED25519 signature of ID (Base64)
	} `yaml:"node"`

	Server struct {
		URL string `yaml:"url"` // e.g. ws://localhost:8080/ws
	} `yaml:"server"`

	HuggingFace struct {
		URL       string        `yaml:"url"`        // inference API base, model name is appended
		Token     string        `yaml:"token"`      // bearer token
		Timeout   time.Duration `yaml:"timeout"`    // per request
		RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	} `yaml:"huggingface"`

	Workers     int  `yaml:"workers"`
	Development bool `yaml:"development"`

	Status struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"status"`
}

// LoadConfig reads the configuration from a YAML file and fills defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		cfg.HuggingFace.Token = v
	}

	if cfg.Node.ID == "" {
		return nil, fmt.Errorf("node.id is required")
	}
	if cfg.Node.Signature == "" {
		return nil, fmt.Errorf("node.signature is required")
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}

	if cfg.HuggingFace.URL == "" {
		cfg.HuggingFace.URL = DefaultInferenceURL
	}
	if cfg.HuggingFace.Timeout <= 0 {
		cfg.HuggingFace.Timeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Status.Enabled && cfg.Status.Address == "" {
		cfg.Status.Address = ":8090"
	}
	return &cfg, nil
}
