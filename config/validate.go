// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import "fmt"

// Validate checks configuration correctness.
//
// It rejects values that cannot be repaired by normalization; omitted values
// are legal and select defaults.
func Validate(cfg *Config) error {
	if cfg.Channel.BufferSize < 0 {
		return fmt.Errorf("config: channel.buffer_size must not be negative")
	}
	if cfg.Store.QuotaBytes < 0 {
		return fmt.Errorf("config: store.quota_bytes must not be negative")
	}
	if cfg.Store.InitialFileSize < 0 {
		return fmt.Errorf("config: store.initial_file_size must not be negative")
	}
	if cfg.Store.GrowthStep < 0 {
		return fmt.Errorf("config: store.growth_step must not be negative")
	}
	if cfg.Store.QuotaBytes > 0 && cfg.Store.InitialFileSize > cfg.Store.QuotaBytes {
		return fmt.Errorf("config: store.initial_file_size %d exceeds quota %d",
			cfg.Store.InitialFileSize, cfg.Store.QuotaBytes)
	}
	if cfg.Endpoint.AckTimeoutMs < 0 {
		return fmt.Errorf("config: endpoint.ack_timeout_ms must not be negative")
	}
	if cfg.Endpoint.MaxNacks < 0 {
		return fmt.Errorf("config: endpoint.max_nacks must not be negative")
	}
	if cfg.Endpoint.SendTimeoutMs < 0 {
		return fmt.Errorf("config: endpoint.send_timeout_ms must not be negative")
	}
	switch cfg.Logging.Level {
	case "", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("config: unknown logging.level %q", cfg.Logging.Level)
	}
	return nil
}
