// Package config loads the client's runtime settings from
// ~/.fitchat/config.yaml with environment overrides for deployment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider defaults. The authorize endpoint and scopes are fixed by the
// Fitbit integration; the client id is per-deployment.
const (
	DefaultFitbitAuthURL = "https://www.fitbit.com/oauth2/authorize"
	DefaultCallbackPort  = 8417
)

// DefaultFitbitScopes are the delegated scopes requested when linking.
var DefaultFitbitScopes = []string{"activity", "heartrate", "sleep", "profile"}

// Config captures the tunable runtime settings for the client.
type Config struct {
	BackendURL            string   `yaml:"backend_url"`
	FitbitClientID        string   `yaml:"fitbit_client_id"`
	FitbitAuthURL         string   `yaml:"fitbit_auth_url"`
	FitbitScopes          []string `yaml:"fitbit_scopes"`
	RedirectURI           string   `yaml:"redirect_uri"`
	CallbackPort          int      `yaml:"callback_port"`
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
	StorePath             string   `yaml:"store_path"`
	LogPath               string   `yaml:"log_path"`
	HistoryPath           string   `yaml:"history_path"`
}

// GetConfigDir returns the directory holding config and data files.
// FITCHAT_CONFIG_DIR overrides for tests and portable installs.
func GetConfigDir() string {
	if dir := os.Getenv("FITCHAT_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fitchat"
	}
	return filepath.Join(home, ".fitchat")
}

// Load reads the config file at path, applies defaults and env
// overrides, and validates the result. A missing file yields defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDefault loads from the standard location.
func LoadDefault() (Config, error) {
	return Load(filepath.Join(GetConfigDir(), "config.yaml"))
}

// EnsureDefaultConfig writes a starter config.yaml if none exists, so
// first-run users have a file to fill in.
func EnsureDefaultConfig() error {
	configDir := GetConfigDir()
	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	cfg := Config{}
	cfg.applyDefaults()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	dir := GetConfigDir()
	if c.FitbitAuthURL == "" {
		c.FitbitAuthURL = DefaultFitbitAuthURL
	}
	if len(c.FitbitScopes) == 0 {
		c.FitbitScopes = append([]string(nil), DefaultFitbitScopes...)
	}
	if c.CallbackPort == 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.RedirectURI == "" {
		c.RedirectURI = fmt.Sprintf("http://127.0.0.1:%d/callback", c.CallbackPort)
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 90
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(dir, "store.db")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(dir, "fitchat.log")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(dir, ".history")
	}
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("FITCHAT_BACKEND_URL")); v != "" {
		c.BackendURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FITCHAT_FITBIT_CLIENT_ID")); v != "" {
		c.FitbitClientID = v
	}
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url must be set (config or FITCHAT_BACKEND_URL)")
	}
	if _, err := url.ParseRequestURI(c.BackendURL); err != nil {
		return fmt.Errorf("backend_url is not a valid URL: %w", err)
	}
	if c.RequestTimeoutSeconds < 0 || c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("request_timeout_seconds must be between 0 and 600")
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("callback_port must be a valid port number")
	}
	return nil
}

// RequestTimeout returns the backend call timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
