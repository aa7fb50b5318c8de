// Package config loads and validates the collector configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/naka-gawa/kuper/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the configuration file is looked up.
const DefaultPath = "config.yaml"

// TokenEnv overrides the token from the file when set.
const TokenEnv = "GITLAB_TOKEN"

// Config contains the application configuration.
type Config struct {
	Token             string        `yaml:"token"`
	Users             []UserEntry   `yaml:"users"`
	Excludes          []string      `yaml:"excludes"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
}

// UserEntry is a tracked user. In the file it is either a bare username or a
// mapping carrying extra author emails.
type UserEntry struct {
	Username string   `yaml:"username"`
	Emails   []string `yaml:"emails"`
}

func (u *UserEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&u.Username)
	}
	type plain UserEntry
	return node.Decode((*plain)(u))
}

// Load reads, defaults and validates the configuration at path. A non-empty
// token takes precedence over the one in the file.
func Load(path, token string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Field: "config file", Reason: fmt.Sprintf("can not read %q", path), Err: err}
	}
	return Parse(data, token)
}

// Parse decodes a configuration document, then defaults and validates it.
func Parse(data []byte, token string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigError{Field: "config file", Reason: "can not parse", Err: err}
	}
	setDefaults(&cfg)
	cfg.OverrideToken(token)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// OverrideToken replaces the token when token is not empty.
func (c *Config) OverrideToken(token string) {
	if token = strings.TrimSpace(token); token != "" {
		c.Token = token
	}
}

// Validate checks the configuration. A missing token is an AuthError.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return &domain.AuthError{Op: "load config", Err: errors.New("token is missing")}
	}
	if len(c.Users) == 0 {
		return &domain.ConfigError{Field: "users", Reason: "at least one user is required"}
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.Username) == "" {
			return &domain.ConfigError{Field: "users", Reason: fmt.Sprintf("entry %d has no username", i)}
		}
	}
	switch {
	case c.Concurrency < 1:
		return &domain.ConfigError{Field: "concurrency", Reason: "must be positive"}
	case c.RequestsPerSecond <= 0:
		return &domain.ConfigError{Field: "requests_per_second", Reason: "must be positive"}
	case c.Timeout <= 0:
		return &domain.ConfigError{Field: "timeout", Reason: "must be positive"}
	case c.Retries < 1:
		return &domain.ConfigError{Field: "retries", Reason: "must be at least 1"}
	}
	return nil
}

// TrackedUsers returns the configured users, first entry per username winning.
func (c *Config) TrackedUsers() []UserEntry {
	seen := make(map[string]bool, len(c.Users))
	users := make([]UserEntry, 0, len(c.Users))
	for _, u := range c.Users {
		name := strings.TrimSpace(u.Username)
		if seen[name] {
			continue
		}
		seen[name] = true
		users = append(users, UserEntry{Username: name, Emails: u.Emails})
	}
	return users
}

// Excluded returns the exclude prefix matching projectPath, if any.
func (c *Config) Excluded(projectPath string) (string, bool) {
	for _, prefix := range c.Excludes {
		if prefix != "" && strings.HasPrefix(projectPath, prefix) {
			return prefix, true
		}
	}
	return "", false
}

func setDefaults(cfg *Config) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
}
