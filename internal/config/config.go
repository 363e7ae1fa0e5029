// Package config loads the service registry, threshold overrides, and
// server configuration from a config directory of human-edited JSON
// files, plus an optional YAML check-template file.
//
// Configuration is loaded from (in order):
//  1. services.json / thresholds.json / config.json (required, fatal on
//     missing or invalid JSON — these describe what to monitor)
//  2. recipes.yaml (optional; merges named check templates into
//     services.json checks that reference a template by name)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// ServicesFile is the decoded form of services.json.
type ServicesFile struct {
	Services []ServiceEntry `json:"services"`
}

// ServiceEntry is one entry in services.json.
type ServiceEntry struct {
	Name              string       `json:"name"`
	URL               string       `json:"url"`
	Tier              types.Tier   `json:"tier"`
	HeartbeatInterval JSONDuration `json:"heartbeatInterval"`
	Checks            []CheckEntry `json:"checks"`
	AuthToken         string       `json:"authToken,omitempty"`
	AuthTokenRef      string       `json:"authTokenRef,omitempty"`
}

// CheckEntry is one entry in a service's checks array.
type CheckEntry struct {
	Name      string                 `json:"name"`
	Strategy  types.Strategy         `json:"strategy"`
	Query     string                 `json:"query,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	Timeout   JSONDuration           `json:"timeout,omitempty"`
	Template  string                 `json:"template,omitempty"`
}

// JSONDuration unmarshals a Go duration string ("30s") from JSON or YAML.
type JSONDuration time.Duration

// UnmarshalJSON accepts a duration string like "30s".
func (d *JSONDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = JSONDuration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d JSONDuration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts a duration string like "30s" in recipes.yaml.
func (d *JSONDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = JSONDuration(parsed)
	return nil
}

// ThresholdsFile is the decoded form of thresholds.json.
type ThresholdsFile struct {
	Default ThresholdBand            `json:"default"`
	Tiers   map[types.Tier]TierBand  `json:"tiers"`
}

// ThresholdBand mirrors the default thresholds shape. Only healthy.max,
// warning.max and warning.sustainedCount are applied; the critical block
// is parsed but not used (flatline thresholds come from Tiers).
type ThresholdBand struct {
	Healthy  struct{ Max int } `json:"healthy"`
	Warning  struct {
		Max            int `json:"max"`
		SustainedCount int `json:"sustainedCount,omitempty"`
	} `json:"warning"`
	Critical struct {
		Min                int `json:"min,omitempty"`
		ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`
	} `json:"critical"`
}

// TierBand is a per-tier override of the default thresholds. Only
// critical.consecutiveFailures is applied, as that tier's flatline
// threshold; healthy.max is parsed but not applied.
type TierBand struct {
	Healthy *struct {
		Max int `json:"max"`
	} `json:"healthy,omitempty"`
	Critical *struct {
		ConsecutiveFailures int `json:"consecutiveFailures"`
	} `json:"critical,omitempty"`
}

// ServerConfig is config.json's server section.
type ServerConfig struct {
	Port          int `json:"port"`
	WebsocketPort int `json:"websocketPort"`
}

// MonitoringConfig is config.json's monitoring section.
type MonitoringConfig struct {
	LogPath          string       `json:"logPath"`
	HistoryRetention JSONDuration `json:"historyRetention"`
}

// AlertsConfig is config.json's alerts section.
type AlertsConfig struct {
	Audio bool `json:"audio"`
}

// AdminConfig holds the bcrypt hash gating mutation routes. An empty
// TokenHash disables admin auth entirely (local/dev mode).
type AdminConfig struct {
	TokenHash string `json:"tokenHash,omitempty"`
}

// RedisConfig holds the optional Redis connection string. An empty URL
// disables Redis: the service runs fully in-memory.
type RedisConfig struct {
	URL string `json:"url,omitempty"`
}

// ConfigFile is the decoded form of config.json.
type ConfigFile struct {
	Server     ServerConfig     `json:"server"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Alerts     AlertsConfig     `json:"alerts"`
	Admin      AdminConfig      `json:"admin"`
	Redis      RedisConfig      `json:"redis"`
}

// RecipesFile is the optional recipes.yaml: named check templates that
// services.json entries can reference via Check.Template.
type RecipesFile struct {
	Templates map[string]CheckEntry `yaml:"templates"`
}

// Config is the fully loaded, merged configuration.
type Config struct {
	Services   []types.ServiceDescriptor
	Thresholds types.Thresholds
	Server     ServerConfig
	Monitoring MonitoringConfig
	Alerts     AlertsConfig
	Admin      AdminConfig
	Redis      RedisConfig
}

// Load reads services.json, thresholds.json, and config.json from dir,
// merges in recipes.yaml if present, and returns the combined Config.
// Any missing or invalid required file is a fatal error for the caller.
func Load(dir string) (*Config, error) {
	var servicesFile ServicesFile
	if err := readJSON(filepath.Join(dir, "services.json"), &servicesFile); err != nil {
		return nil, fmt.Errorf("loading services.json: %w", err)
	}

	var thresholdsFile ThresholdsFile
	if err := readJSON(filepath.Join(dir, "thresholds.json"), &thresholdsFile); err != nil {
		return nil, fmt.Errorf("loading thresholds.json: %w", err)
	}

	var configFile ConfigFile
	if err := readJSON(filepath.Join(dir, "config.json"), &configFile); err != nil {
		return nil, fmt.Errorf("loading config.json: %w", err)
	}

	recipes, err := loadRecipes(filepath.Join(dir, "recipes.yaml"))
	if err != nil {
		return nil, fmt.Errorf("loading recipes.yaml: %w", err)
	}

	services, err := buildServices(servicesFile, recipes)
	if err != nil {
		return nil, err
	}

	return &Config{
		Services:   services,
		Thresholds: buildThresholds(thresholdsFile),
		Server:     configFile.Server,
		Monitoring: configFile.Monitoring,
		Alerts:     configFile.Alerts,
		Admin:      configFile.Admin,
		Redis:      configFile.Redis,
	}, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func loadRecipes(path string) (*RecipesFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recipes RecipesFile
	if err := yaml.Unmarshal(data, &recipes); err != nil {
		return nil, fmt.Errorf("parsing recipes.yaml: %w", err)
	}
	return &recipes, nil
}

func buildServices(file ServicesFile, recipes *RecipesFile) ([]types.ServiceDescriptor, error) {
	out := make([]types.ServiceDescriptor, 0, len(file.Services))
	for _, entry := range file.Services {
		checks := make([]types.Check, 0, len(entry.Checks))
		for _, c := range entry.Checks {
			merged := c
			if c.Template != "" {
				tmpl, err := resolveTemplate(recipes, c.Template)
				if err != nil {
					return nil, fmt.Errorf("service %s check %s: %w", entry.Name, c.Name, err)
				}
				merged = mergeTemplate(tmpl, c)
			}
			checks = append(checks, types.Check{
				Name:      merged.Name,
				Strategy:  merged.Strategy,
				Query:     merged.Query,
				Variables: merged.Variables,
				Timeout:   merged.Timeout.Duration(),
				Template:  merged.Template,
			})
		}

		out = append(out, types.ServiceDescriptor{
			Name:          entry.Name,
			URL:           entry.URL,
			Tier:          entry.Tier,
			ProbeInterval: entry.HeartbeatInterval.Duration(),
			Checks:        checks,
			AuthToken:     entry.AuthToken,
			AuthTokenRef:  entry.AuthTokenRef,
		})
	}
	return out, nil
}

func resolveTemplate(recipes *RecipesFile, name string) (CheckEntry, error) {
	if recipes == nil {
		return CheckEntry{}, fmt.Errorf("template %q referenced but recipes.yaml is absent", name)
	}
	tmpl, ok := recipes.Templates[name]
	if !ok {
		return CheckEntry{}, fmt.Errorf("template %q not found in recipes.yaml", name)
	}
	return tmpl, nil
}

// mergeTemplate overlays the service's check entry onto its named
// template, with the service's own non-zero fields taking precedence.
func mergeTemplate(tmpl, override CheckEntry) CheckEntry {
	merged := tmpl
	merged.Name = override.Name
	merged.Template = override.Template
	if override.Strategy != "" {
		merged.Strategy = override.Strategy
	}
	if override.Query != "" {
		merged.Query = override.Query
	}
	if override.Variables != nil {
		merged.Variables = override.Variables
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	return merged
}

func buildThresholds(file ThresholdsFile) types.Thresholds {
	t := types.DefaultThresholds()

	if file.Default.Healthy.Max > 0 {
		t.HealthyMaxMs = file.Default.Healthy.Max
	}
	if file.Default.Warning.Max > 0 {
		t.WarningMaxMs = file.Default.Warning.Max
	}
	if file.Default.Warning.SustainedCount > 0 {
		t.SustainedCount = file.Default.Warning.SustainedCount
	}

	for tier, band := range file.Tiers {
		existing, ok := t.Tiers[tier]
		if !ok {
			existing = t.Tiers[types.TierStandard]
		}
		if band.Critical != nil && band.Critical.ConsecutiveFailures > 0 {
			existing.FlatlineThreshold = band.Critical.ConsecutiveFailures
		}
		t.Tiers[tier] = existing
	}

	return t
}
