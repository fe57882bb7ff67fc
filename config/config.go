/*
 *
 * browser-harness - a browser automation driver for tests
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package config holds the process-wide tunables of the harness: the default
// operation deadline, the poll cadence and the logging/listening settings.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimeout is the default deadline of every driver operation.
	DefaultTimeout = 10 * time.Second
	// DefaultRetry is the delay between two poll attempts.
	DefaultRetry = 10 * time.Millisecond
	// DefaultAddress is where the harness listens for browser sessions.
	DefaultAddress = "localhost:4500"
)

// Config holds the harness tunables. Durations are expressed in milliseconds,
// like in the browser-side harness script.
type Config struct {
	TimeoutMS null.Int    `json:"timeoutMS" envconfig:"BROWSER_HARNESS_TIMEOUT_MS"`
	RetryMS   null.Int    `json:"retryMS" envconfig:"BROWSER_HARNESS_RETRY_MS"`
	LogLevel  null.String `json:"logLevel" envconfig:"BROWSER_HARNESS_LOG_LEVEL"`
	Address   null.String `json:"address" envconfig:"BROWSER_HARNESS_ADDRESS"`
}

// NewConfig creates a new Config instance with default values for all fields.
func NewConfig() Config {
	return Config{
		TimeoutMS: null.NewInt(DefaultTimeout.Milliseconds(), false),
		RetryMS:   null.NewInt(DefaultRetry.Milliseconds(), false),
		LogLevel:  null.NewString("info", false),
		Address:   null.NewString(DefaultAddress, false),
	}
}

// Apply saves config non-zero config values from the passed config in the receiver.
func (c Config) Apply(cfg Config) Config {
	if cfg.TimeoutMS.Valid && cfg.TimeoutMS.Int64 > 0 {
		c.TimeoutMS = cfg.TimeoutMS
	}
	if cfg.RetryMS.Valid && cfg.RetryMS.Int64 > 0 {
		c.RetryMS = cfg.RetryMS
	}
	if cfg.LogLevel.Valid && cfg.LogLevel.String != "" {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.Address.Valid && cfg.Address.String != "" {
		c.Address = cfg.Address
	}
	return c
}

// Timeout returns the default operation deadline.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMS.Int64 <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMS.Int64) * time.Millisecond
}

// Retry returns the poll cadence.
func (c Config) Retry() time.Duration {
	if c.RetryMS.Int64 <= 0 {
		return DefaultRetry
	}
	return time.Duration(c.RetryMS.Int64) * time.Millisecond
}

// FromEnv reads the configuration from the environment through lookup.
func FromEnv(lookup func(key string) (string, bool)) (Config, error) {
	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, lookup); err != nil {
		return envConfig, err
	}
	return envConfig, nil
}

// FromJSON reads a configuration document. Empty input yields an empty Config.
func FromJSON(data []byte) (Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

// Load consolidates the defaults, an optional JSON document and the
// environment, in that order of precedence (last wins).
func Load(data []byte, lookup func(key string) (string, bool)) (Config, error) {
	result := NewConfig()

	fileConfig, err := FromJSON(data)
	if err != nil {
		return result, err
	}
	result = result.Apply(fileConfig)

	envConfig, err := FromEnv(lookup)
	if err != nil {
		return result, err
	}
	return result.Apply(envConfig), nil
}

// FromYAML reads a YAML configuration document with the same keys as the
// JSON one.
func FromYAML(data []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, err
	}
	if len(doc) == 0 {
		return Config{}, nil
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, err
	}
	return FromJSON(js)
}

// LoadFile is Load for a config file named name; files ending in .yaml or
// .yml are read as YAML, everything else as JSON.
func LoadFile(name string, data []byte, lookup func(key string) (string, bool)) (Config, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		fileConfig, err := FromYAML(data)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", name, err)
		}
		js, err := json.Marshal(fileConfig)
		if err != nil {
			return Config{}, err
		}
		return Load(js, lookup)
	default:
		return Load(data, lookup)
	}
}
