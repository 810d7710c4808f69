package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads, parses, defaults, env-overrides and validates a config file.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.WithField("path", path).Info("configuration loaded")
	return cfg, nil
}

// Parse reads a YAML (or JSON) config file without applying defaults.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	}
	return &cfg, nil
}

// Save writes the config back to disk in the format implied by the extension.
// Used by PUT /admin/config so accepted updates survive restarts.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	log.WithField("path", path).Info("configuration saved")
	return nil
}

// Clone returns a deep copy so reloads can mutate without racing readers.
func (c *Config) Clone() *Config {
	out := *c
	out.Groups = make([]GroupConfig, len(c.Groups))
	for i, g := range c.Groups {
		cg := g
		cg.APIKeys = append([]string(nil), g.APIKeys...)
		cg.ModelAliases = append([]string(nil), g.ModelAliases...)
		if g.TopP != nil {
			v := *g.TopP
			cg.TopP = &v
		}
		out.Groups[i] = cg
	}
	if c.Server.TopP != nil {
		v := *c.Server.TopP
		out.Server.TopP = &v
	}
	return &out
}
