// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config loads and validates the cache engine configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration.
type Config struct {
	// UserID is the fully-qualified local user the cache belongs to.
	UserID string `yaml:"user_id"`
	// DeviceID of the session this cache serves.
	DeviceID string `yaml:"device_id"`

	Cache    CacheConfig    `yaml:"cache"`
	Fulltext FulltextConfig `yaml:"fulltext"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CacheConfig controls the on-disk store and in-memory caches.
type CacheConfig struct {
	// StoragePath is the directory holding the store. Created on first open.
	StoragePath string `yaml:"storage_path"`

	// MaxCacheUsage bounds the in-memory room-state cache. Accepts human
	// units, e.g. "64mb".
	MaxCacheUsage DataUnit `yaml:"max_cache_usage"`

	// EnableMetrics exports prometheus metrics for the caches and the
	// ingest/query paths.
	EnableMetrics bool `yaml:"enable_metrics"`

	// QueryWorkers is the number of goroutines serving async queries.
	QueryWorkers int `yaml:"query_workers"`
}

// FulltextConfig controls the message search index.
type FulltextConfig struct {
	Enabled bool `yaml:"enabled"`
	// IndexPath is the bleve index directory. Defaults to a sibling of the
	// store when empty.
	IndexPath string `yaml:"index_path"`
}

// LoggingConfig mirrors the logrus setup.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Defaults sets sane values for everything optional.
func (c *Config) Defaults() {
	c.Cache.MaxCacheUsage = 64 * MB
	c.Cache.QueryWorkers = 2
	c.Fulltext.Enabled = true
	c.Logging.Level = "info"
}

// Verify accumulates every problem with the configuration rather than
// stopping at the first.
func (c *Config) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "user_id", c.UserID)
	checkNotEmpty(configErrs, "device_id", c.DeviceID)
	checkNotEmpty(configErrs, "cache.storage_path", c.Cache.StoragePath)
	checkPositive(configErrs, "cache.max_cache_usage", int64(c.Cache.MaxCacheUsage))
	checkPositive(configErrs, "cache.query_workers", int64(c.Cache.QueryWorkers))
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %q", "logging.level", c.Logging.Level))
	}
}

// Load reads, defaults and verifies the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return loadConfig(data)
}

func loadConfig(data []byte) (*Config, error) {
	var c Config
	c.Defaults()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

// ConfigErrors collects validation failures so a bad file reports every
// problem at once.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
