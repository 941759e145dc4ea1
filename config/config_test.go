// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/wirespool/logging"
)

const sampleYAML = `
channel:
  buffer_size: 16384
store:
  dir: /var/lib/wirespool
  quota_bytes: 1048576
  initial_file_size: 8192
  growth_step: 4096
endpoint:
  ack_timeout_ms: 15000
  max_nacks: 3
  send_timeout_ms: 2500
logging:
  level: debug
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 16384, cfg.ChannelConfig().BufferSize)

	sc := cfg.StoreConfig()
	assert.Equal(t, int64(1048576), sc.Quota)
	assert.Equal(t, int64(8192), sc.InitialFileSize)
	assert.Equal(t, int64(4096), sc.GrowthStep)

	ec := cfg.EndpointConfig()
	assert.Equal(t, 15*time.Second, ec.AckTimeout)
	assert.Equal(t, 3, ec.MaxNacks)
	assert.Equal(t, 2500*time.Millisecond, ec.SendTimeout)

	assert.Equal(t, logging.LogLevelDebug, cfg.LogLevel())
}

func TestParseEmptySelectsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	// Zero values pass through; the consuming packages apply defaults.
	assert.Zero(t, cfg.StoreConfig().Quota)
	assert.Zero(t, cfg.EndpointConfig().MaxNacks)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, logging.LogLevelInfo, cfg.LogLevel())
}

func TestValidateRejections(t *testing.T) {
	for name, yml := range map[string]string{
		"negative quota":   "store:\n  quota_bytes: -1\n",
		"negative timeout": "endpoint:\n  ack_timeout_ms: -5\n",
		"bad level":        "logging:\n  level: loud\n",
		"file above quota": "store:\n  quota_bytes: 100\n  initial_file_size: 200\n",
		"malformed yaml":   "store: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(yml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wirespool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wirespool", cfg.Store.Dir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
