package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_sync/internal/auth"
)

// Target is one remote node content is replicated to.
type Target struct {
	ID                 string  `mapstructure:"id"`
	BaseURL            string  `mapstructure:"base_url"`
	Secret             string  `mapstructure:"secret"`
	ExcludedCategories []int64 `mapstructure:"excluded_categories"`
	PushMedia          bool    `mapstructure:"push_media"`
}

// Excludes reports whether any of categories is excluded for this target.
func (t Target) Excludes(categories []int64) bool {
	for _, excluded := range t.ExcludedCategories {
		for _, c := range categories {
			if c == excluded {
				return true
			}
		}
	}
	return false
}

// Settings is the externally managed replication configuration.
type Settings struct {
	AutoSync    bool              `mapstructure:"auto_sync"`
	Targets     []Target          `mapstructure:"targets"`
	Credentials []auth.Credential `mapstructure:"credentials"`
}

// Target looks up a target by id.
func (s Settings) Target(id string) (Target, bool) {
	for _, t := range s.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return Target{}, false
}

// Keyring returns the credentials an inbound receiver accepts.
func (s Settings) Keyring() auth.Keyring {
	return auth.Keyring(s.Credentials)
}

// Validate checks ids are unique and base URLs are absolute.
func (s Settings) Validate() error {
	seen := make(map[string]bool, len(s.Targets))
	for i, t := range s.Targets {
		if t.ID == "" {
			return fmt.Errorf("target %d: missing id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("target %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		u, err := url.Parse(t.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("target %q: invalid base_url %q", t.ID, t.BaseURL)
		}
		if t.Secret == "" {
			return fmt.Errorf("target %q: missing secret", t.ID)
		}
	}
	for i, c := range s.Credentials {
		if c.Secret == "" {
			return fmt.Errorf("credential %d (%s): missing secret", i, c.ID)
		}
	}
	return nil
}

// Provider supplies the current settings. The dispatcher calls Load once
// per batch, so file edits take effect on the next tick.
type Provider interface {
	Load(ctx context.Context) (Settings, error)
}

// Static is a Provider that always returns the same settings.
type Static Settings

func (s Static) Load(ctx context.Context) (Settings, error) {
	return Settings(s), nil
}

// FileProvider reads settings from a YAML, JSON or TOML file on every Load.
type FileProvider struct {
	Path string
}

func (p FileProvider) Load(ctx context.Context) (Settings, error) {
	return LoadSettings(p.Path)
}

// LoadSettings reads and validates a settings file.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("auto_sync", true)
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings %s: %w", path, err)
	}
	for i := range s.Targets {
		s.Targets[i].BaseURL = strings.TrimRight(s.Targets[i].BaseURL, "/")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
