// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import "github.com/destiny/wirespool/logging"

// Normalize applies post-validation normalization.
//
// It MUST be called only after Validate(). Zero values stay zero here; the
// consuming packages resolve them to their own defaults so a config file and
// a hand-built struct behave identically.
func Normalize(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LogLevel resolves the configured logging level.
func (c *Config) LogLevel() logging.LogLevel {
	switch c.Logging.Level {
	case "error":
		return logging.LogLevelError
	case "warn":
		return logging.LogLevelWarn
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelInfo
	}
}
