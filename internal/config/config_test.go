// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
imap_accounts:
  - user_id: u1
    host: imap.example.nl
    username: jan@example.nl
    password: ${IMAP_PASSWORD}
  - host: ""
    username: skipped@example.nl
retailers:
  - name: Coolblue
    domains: [coolblue.fr]
  - name: Wehkamp
    domains: [wehkamp.nl]
    keywords: [wehkamp]
ai:
  instructions: |
    Prefer the invoice total over the subtotal.
redis:
  url: redis://cache:6379/1
  queues:
    scans: yaml_scans
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleYAML))
	t.Setenv("IMAP_PASSWORD", "s3cret")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("MIN_CONFIDENCE", "0.65")
	t.Setenv("SCAN_STALE_AFTER", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 0.65, cfg.MinConfidence)
	assert.Equal(t, 90*time.Second, cfg.ScanStaleAfter)
	assert.Equal(t, 5000, cfg.AIBodyLimit)
	assert.Equal(t, 4, cfg.ScanWorkers)
	assert.Equal(t, 2, cfg.ScanConcurrentJobs)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, "yaml_scans", cfg.ScanQueue)
	assert.Equal(t, "Prefer the invoice total over the subtotal.", cfg.AIInstructions)

	require.Len(t, cfg.IMAPAccounts, 1)
	acct := cfg.IMAPAccounts[0]
	assert.Equal(t, "s3cret", acct.Password)
	assert.Equal(t, 993, acct.Port)
	assert.True(t, acct.TLS)
	assert.Equal(t, "INBOX", acct.Mailbox)
	assert.Equal(t, "jan@example.nl", acct.AccountID)

	require.Len(t, cfg.Retailers, 2)
	assert.Equal(t, []string{"wehkamp"}, cfg.Retailers[1].Keywords)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleYAML))
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("SCAN_QUEUE", "env_scans")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379/0", cfg.RedisURL)
	assert.Equal(t, "env_scans", cfg.ScanQueue)
}

func TestLoad_MissingFileIsOptional(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.IMAPAccounts)
	assert.Equal(t, "scan_jobs", cfg.ScanQueue)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"confidence", map[string]string{"DATABASE_DRIVER": "sqlite", "MIN_CONFIDENCE": "1.5"}, "MIN_CONFIDENCE"},
		{"body limit", map[string]string{"DATABASE_DRIVER": "sqlite", "AI_BODY_LIMIT": "100"}, "AI_BODY_LIMIT"},
		{"workers", map[string]string{"DATABASE_DRIVER": "sqlite", "SCAN_WORKERS": "0"}, "SCAN_WORKERS"},
		{"concurrent jobs", map[string]string{"DATABASE_DRIVER": "sqlite", "SCAN_CONCURRENT_JOBS": "0"}, "SCAN_CONCURRENT_JOBS"},
		{"postgres url", map[string]string{"DATABASE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"ai key", map[string]string{"DATABASE_DRIVER": "sqlite", "AI_ENABLED": "true"}, "AI_API_KEY"},
		{"bad duration", map[string]string{"DATABASE_DRIVER": "sqlite", "RETRY_BACKOFF": "soon"}, "parse environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "retailers: [unclosed"))
	t.Setenv("DATABASE_DRIVER", "sqlite")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config YAML")
}
