// Package config loads service configuration from an optional YAML
// file with environment variable overrides. Env always wins, so
// deployments can keep secrets out of the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything the serve command needs.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseURL    string `yaml:"base_url"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`

	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`

	// APIKeyHash is a bcrypt hash of the API key clients must present.
	// Empty disables auth.
	APIKeyHash string `yaml:"api_key_hash"`
}

func defaults() Config {
	return Config{
		ListenAddr: ":8091",
		BaseURL:    "http://localhost:8091",
		DataDir:    "./data",
		DBPath:     "./data/mailsync.db",
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	override(&cfg.ListenAddr, "LISTEN_ADDR")
	override(&cfg.BaseURL, "BASE_URL")
	override(&cfg.DataDir, "DATA_DIR")
	override(&cfg.DBPath, "DB_PATH")
	override(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	override(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	override(&cfg.APIKeyHash, "API_KEY_HASH")

	return cfg, nil
}

// Validate checks the fields serve cannot run without.
func (c Config) Validate() error {
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return fmt.Errorf("google oauth client id and secret are required")
	}
	return nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
