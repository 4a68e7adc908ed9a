package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTokenTTL      = 7 * 24 * time.Hour
	DefaultMaxUpload     = 5 << 20
	DefaultMaxAttachment = 5
)

// Config models taskflow.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		TokenTTL  Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Uploads UploadConfig    `yaml:"uploads"`
	Log     LogConfig       `yaml:"log"`
	Webhook []WebhookConfig `yaml:"webhooks"`
}

type UploadConfig struct {
	Dir          string   `yaml:"dir"`
	MaxBytes     int64    `yaml:"max_bytes"`
	AllowedTypes []string `yaml:"allowed_types"`
	MaxPerTask   int      `yaml:"max_per_task"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebhookConfig describes an activity log subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Duration accepts Go duration strings like "168h" in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns a config with every field populated.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Auth.TokenTTL.Duration == 0 {
		c.Auth.TokenTTL.Duration = DefaultTokenTTL
	}
	if c.Database.Path == "" {
		c.Database.Path = "taskflow.db"
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "uploads"
	}
	if c.Uploads.MaxBytes == 0 {
		c.Uploads.MaxBytes = DefaultMaxUpload
	}
	if len(c.Uploads.AllowedTypes) == 0 {
		c.Uploads.AllowedTypes = []string{"image/png", "image/jpeg", "application/pdf"}
	}
	if c.Uploads.MaxPerTask == 0 {
		c.Uploads.MaxPerTask = DefaultMaxAttachment
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	if c.Auth.TokenTTL.Duration < 0 {
		return fmt.Errorf("config.auth.token_ttl must be positive")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("config.uploads.max_bytes must be positive")
	}
	if c.Uploads.MaxPerTask <= 0 {
		return fmt.Errorf("config.uploads.max_per_task must be positive")
	}
	for _, t := range c.Uploads.AllowedTypes {
		if !strings.Contains(t, "/") {
			return fmt.Errorf("config.uploads.allowed_types: %q is not a MIME type", t)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json'")
	}
	for i, h := range c.Webhook {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RequireSecret checks the settings needed to issue tokens.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.jwt_secret is required (or set TASKFLOW_JWT_SECRET)")
	}
	return nil
}

// FromYAML parses, defaults and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromFile loads config from path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional loads path when it exists and falls back to defaults.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromFile(path)
}

// ToYAML renders the config, used by `tf config show`.
func (c *Config) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
