package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronicle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  base_path: /var/lib/chronicle
ring_buffer:
  path: /var/lib/chronicle/ring.bin
  size: 67108864
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "snappy", cfg.Storage.Compression)
	assert.Equal(t, 90, cfg.Storage.RetentionDays)
	assert.Equal(t, "aes-256-gcm", cfg.Encryption.Algorithm)
	assert.Equal(t, "03:00", cfg.Scheduling.DailyTime)
	assert.Equal(t, 0.8, cfg.Scheduling.BackpressureThreshold)
	assert.Equal(t, time.Hour, cfg.Scheduling.MaxProcessingTime)
	assert.Equal(t, "xxhash", cfg.Integrity.HashAlgorithm)
}

func TestLoad_MissingRequiredFieldIsAnError(t *testing.T) {
	path := writeConfig(t, `
ring_buffer:
  path: /var/lib/chronicle/ring.bin
  size: 67108864
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "storage.base_path")
}

func TestLoad_RejectsUnknownAlgorithm(t *testing.T) {
	path := writeConfig(t, `
storage:
  base_path: /var/lib/chronicle
ring_buffer:
  path: /var/lib/chronicle/ring.bin
  size: 67108864
encryption:
  algorithm: rot13
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "encryption.algorithm")
}

func TestLoad_RejectsOutOfRangeThreshold(t *testing.T) {
	path := writeConfig(t, `
storage:
  base_path: /var/lib/chronicle
ring_buffer:
  path: /var/lib/chronicle/ring.bin
  size: 67108864
scheduling:
  backpressure_threshold: 1.5
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "backpressure_threshold")
}

func TestParseDailyTime(t *testing.T) {
	d, err := ParseDailyTime("03:30")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour+30*time.Minute, d)

	_, err = ParseDailyTime("not-a-time")
	assert.Error(t, err)
}

func TestResolveTimezone(t *testing.T) {
	loc, err := ResolveTimezone("Local")
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = ResolveTimezone("UTC")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = ResolveTimezone("Not/A/Zone")
	assert.Error(t, err)
}

func TestLoad_FullDocumentRoundTrips(t *testing.T) {
	path := writeConfig(t, `
storage:
  base_path: /data/chronicle
  retention_days: 30
  compression: zstd
  row_group_size: 1000
  page_size: 4096
encryption:
  enabled: true
  algorithm: chacha20poly1305
  kdf_params:
    time_cost: 4
    memory_kib: 131072
    parallelism: 2
  key_rotation_days: 14
  keystore_identifier: local-file
scheduling:
  daily_time: "04:15"
  timezone: America/Los_Angeles
  backpressure_threshold: 0.6
  max_processing_time: 45m
ring_buffer:
  path: /data/chronicle/ring.bin
  size: 134217728
  backpressure_threshold: 0.75
  read_timeout: 1s
  write_timeout: 1s
integrity:
  hash_algorithm: xxhash
  verify_on_read: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "zstd", cfg.Storage.Compression)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	assert.Equal(t, "chacha20poly1305", cfg.Encryption.Algorithm)
	assert.EqualValues(t, 4, cfg.Encryption.KDFParams.TimeCost)
	assert.Equal(t, "America/Los_Angeles", cfg.Scheduling.Timezone)
	assert.Equal(t, 45*time.Minute, cfg.Scheduling.MaxProcessingTime)
	assert.True(t, cfg.Integrity.VerifyOnRead)
}
