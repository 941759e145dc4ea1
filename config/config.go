// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the YAML deployment configuration and maps it onto
// the channel, store and endpoint tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/destiny/wirespool"
	"github.com/destiny/wirespool/spool"
)

type Config struct {
	Channel  ChannelConfig  `yaml:"channel"`
	Store    StoreConfig    `yaml:"store"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ---- CHANNEL ----

type ChannelConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// ---- STORE ----

type StoreConfig struct {
	Dir             string `yaml:"dir"` // empty selects the in-memory medium
	QuotaBytes      int64  `yaml:"quota_bytes"`
	InitialFileSize int64  `yaml:"initial_file_size"`
	GrowthStep      int64  `yaml:"growth_step"`
}

// ---- ENDPOINT ----

type EndpointConfig struct {
	AckTimeoutMs  int `yaml:"ack_timeout_ms"`
	MaxNacks      int `yaml:"max_nacks"`
	SendTimeoutMs int `yaml:"send_timeout_ms"`
}

// ---- LOGGING ----

type LoggingConfig struct {
	Level string `yaml:"level"` // error, warn, info, debug, trace
}

// Load reads and parses the configuration file. The result is validated and
// normalized before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses, validates and normalizes raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}

// ChannelConfig maps onto the channel tunables.
func (c *Config) ChannelConfig() wirespool.ChannelConfig {
	return wirespool.ChannelConfig{BufferSize: c.Channel.BufferSize}
}

// StoreConfig maps onto the session store tunables.
func (c *Config) StoreConfig() spool.StoreConfig {
	return spool.StoreConfig{
		Quota:           c.Store.QuotaBytes,
		InitialFileSize: c.Store.InitialFileSize,
		GrowthStep:      c.Store.GrowthStep,
	}
}

// EndpointConfig maps onto the delivery engine tunables.
func (c *Config) EndpointConfig() spool.EndpointConfig {
	return spool.EndpointConfig{
		AckTimeout:  time.Duration(c.Endpoint.AckTimeoutMs) * time.Millisecond,
		MaxNacks:    c.Endpoint.MaxNacks,
		SendTimeout: time.Duration(c.Endpoint.SendTimeoutMs) * time.Millisecond,
	}
}
