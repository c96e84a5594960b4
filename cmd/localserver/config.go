package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is read from the config file, then overridden by LOCALSERVER_*
// environment variables.
type Config struct {
	DB                   string        `yaml:"db" env:"DB"`
	Listen               string        `yaml:"listen" env:"LISTEN"`
	UpdateInterval       time.Duration `yaml:"updateInterval" env:"UPDATE_INTERVAL"`
	ReuseCurrentPayloads bool          `yaml:"reuseCurrentPayloads" env:"REUSE_CURRENT_PAYLOADS"`
	PrunePayloads        bool          `yaml:"prunePayloads" env:"PRUNE_PAYLOADS"`
	LogFile              string        `yaml:"logFile" env:"LOG_FILE"`
	Fetch                FetchConfig   `yaml:"fetch" envPrefix:"FETCH_"`
	Stores               []StoreConfig `yaml:"stores"`
}

type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRedirects int           `yaml:"maxRedirects" env:"MAX_REDIRECTS"`
	MaxBodySize  int64         `yaml:"maxBodySize" env:"MAX_BODY_SIZE"`
	UserAgent    string        `yaml:"userAgent" env:"USER_AGENT"`
}

// StoreConfig declares a store that is created on startup if missing.
type StoreConfig struct {
	Origin         string `yaml:"origin"`
	Name           string `yaml:"name"`
	RequiredCookie string `yaml:"requiredCookie"`
	ManifestURL    string `yaml:"manifestUrl"`
}

func defaultConfig() Config {
	return Config{
		DB:             "localserver.db",
		Listen:         ":8001",
		UpdateInterval: 15 * time.Minute,
	}
}

// getConfig reads filename, if given, on top of the defaults and applies
// the environment.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: "LOCALSERVER_"}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, config.validate()
}

func (c Config) validate() error {
	var errs []error
	for i, s := range c.Stores {
		if s.Origin == "" || s.Name == "" {
			errs = append(errs, fmt.Errorf("store %d: origin and name are required", i))
		}
	}
	if c.UpdateInterval < 0 {
		errs = append(errs, errors.New("updateInterval must not be negative"))
	}
	return errors.Join(errs...)
}
