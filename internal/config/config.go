// Package config loads Chronicle's on-disk configuration document,
// the single structured file covering storage, encryption, scheduling,
// ring buffer, and integrity settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, matching friggdb's single
// yaml-tagged struct approach rather than a layered/merged config
// library: Chronicle runs as one local process with one config file,
// so there is no fleet-wide override story to support.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	RingBuffer RingBufferConfig `yaml:"ring_buffer"`
	Integrity  IntegrityConfig  `yaml:"integrity"`
}

// StorageConfig controls where and how artifacts are written and
// retained.
type StorageConfig struct {
	BasePath      string `yaml:"base_path"`
	RetentionDays int    `yaml:"retention_days"`
	Compression   string `yaml:"compression"`
	RowGroupSize  int    `yaml:"row_group_size"`
	PageSize      int    `yaml:"page_size"`
}

// EncryptionConfig controls whether and how artifacts are sealed.
type EncryptionConfig struct {
	Enabled           bool        `yaml:"enabled"`
	Algorithm         string      `yaml:"algorithm"` // "aes-256-gcm" or "chacha20poly1305"
	KDFParams         KDFParams   `yaml:"kdf_params"`
	KeyRotationDays   int         `yaml:"key_rotation_days"`
	KeystoreIdentifier string     `yaml:"keystore_identifier"`
}

// KDFParams mirrors cryptoenv.Argon2Params' fields under their
// configuration-document names.
type KDFParams struct {
	TimeCost    uint32 `yaml:"time_cost"`
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Parallelism uint8  `yaml:"parallelism"`
}

// SchedulingConfig controls when the orchestrator drains the ring.
type SchedulingConfig struct {
	DailyTime             string        `yaml:"daily_time"` // "HH:MM"
	Timezone              string        `yaml:"timezone"`   // IANA name, e.g. "America/Los_Angeles"
	BackpressureThreshold float64       `yaml:"backpressure_threshold"`
	MaxProcessingTime     time.Duration `yaml:"max_processing_time"`
}

// RingBufferConfig controls the mmap ring's layout and admission
// policy.
type RingBufferConfig struct {
	Path                  string        `yaml:"path"`
	Size                  uint64        `yaml:"size"`
	BackpressureThreshold float64       `yaml:"backpressure_threshold"`
	ReadTimeout           time.Duration `yaml:"read_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
}

// IntegrityConfig controls the corruption-detection layer's behavior.
type IntegrityConfig struct {
	HashAlgorithm string `yaml:"hash_algorithm"` // currently always "xxhash"
	VerifyOnRead  bool   `yaml:"verify_on_read"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Storage.Compression == "" {
		c.Storage.Compression = "snappy"
	}
	if c.Storage.RowGroupSize == 0 {
		c.Storage.RowGroupSize = 64 * 1024
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 90
	}
	if c.Encryption.Algorithm == "" {
		c.Encryption.Algorithm = "aes-256-gcm"
	}
	if c.Encryption.KDFParams.TimeCost == 0 {
		c.Encryption.KDFParams.TimeCost = 3
	}
	if c.Encryption.KDFParams.MemoryKiB == 0 {
		c.Encryption.KDFParams.MemoryKiB = 256 * 1024
	}
	if c.Encryption.KDFParams.Parallelism == 0 {
		c.Encryption.KDFParams.Parallelism = 4
	}
	if c.Encryption.KeyRotationDays == 0 {
		c.Encryption.KeyRotationDays = 30
	}
	if c.Scheduling.DailyTime == "" {
		c.Scheduling.DailyTime = "03:00"
	}
	if c.Scheduling.Timezone == "" {
		c.Scheduling.Timezone = "Local"
	}
	if c.Scheduling.BackpressureThreshold == 0 {
		c.Scheduling.BackpressureThreshold = 0.8
	}
	if c.Scheduling.MaxProcessingTime == 0 {
		c.Scheduling.MaxProcessingTime = time.Hour
	}
	if c.RingBuffer.BackpressureThreshold == 0 {
		c.RingBuffer.BackpressureThreshold = 0.8
	}
	if c.Integrity.HashAlgorithm == "" {
		c.Integrity.HashAlgorithm = "xxhash"
	}
}

// validate rejects a config that is missing fields Chronicle has no
// sane default for (paths) or that sets a field outside its allowed
// range.
func (c *Config) validate() error {
	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path is required")
	}
	if c.RingBuffer.Path == "" {
		return fmt.Errorf("ring_buffer.path is required")
	}
	if c.RingBuffer.Size == 0 {
		return fmt.Errorf("ring_buffer.size is required")
	}
	if c.Scheduling.BackpressureThreshold <= 0 || c.Scheduling.BackpressureThreshold > 1 {
		return fmt.Errorf("scheduling.backpressure_threshold must be in (0, 1]")
	}
	if c.RingBuffer.BackpressureThreshold <= 0 || c.RingBuffer.BackpressureThreshold > 1 {
		return fmt.Errorf("ring_buffer.backpressure_threshold must be in (0, 1]")
	}
	switch c.Encryption.Algorithm {
	case "aes-256-gcm", "chacha20poly1305":
	default:
		return fmt.Errorf("encryption.algorithm %q is not one of aes-256-gcm, chacha20poly1305", c.Encryption.Algorithm)
	}
	switch c.Storage.Compression {
	case "snappy", "gzip", "lz4", "zstd":
	default:
		return fmt.Errorf("storage.compression %q is not one of snappy, gzip, lz4, zstd", c.Storage.Compression)
	}
	return nil
}

// ParseDailyTime splits "HH:MM" into an offset from midnight, the form
// the packer scheduler consumes.
func ParseDailyTime(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("config: invalid daily_time %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ResolveTimezone parses the configured timezone name, treating the
// special value "Local" as time.Local per Go's own convention.
func ResolveTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: invalid scheduling.timezone %q: %w", name, err)
	}
	return loc, nil
}
