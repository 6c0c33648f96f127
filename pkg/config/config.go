// Package config handles fasq's cache/query/mutation configuration via
// environment variables and YAML files.
//
// fasq is configured by building a Config (directly, via LoadFromEnv,
// or via LoadFromYAML) and validating it with Validate() before handing
// it to client.New. Memory-size fields accept human-readable strings
// ("50MiB", "512KB") via github.com/dustin/go-humanize, matching the
// client-side cache's need to be configured the same way an operator
// configures container memory limits.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//
//	FASQ_MAX_CACHE_SIZE=50MiB
//	FASQ_MAX_ENTRIES=1000
//	FASQ_EVICTION_POLICY=LRU
//	FASQ_DEFAULT_CACHE_TIME=5m
//	FASQ_HOT_CACHE_SIZE=50
//	FASQ_PERSISTENCE_ENABLED=true
//	FASQ_PERSISTENCE_DIR=./data/fasq
//	FASQ_LOG_LEVEL=info
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// EvictionPolicy names the ordering strategy CacheConfig.EvictionPolicy
// selects; it mirrors pkg/eviction.Policy by name so config files don't
// need to import that package's constants.
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "LRU"
	EvictionLFU  EvictionPolicy = "LFU"
	EvictionFIFO EvictionPolicy = "FIFO"
)

// Config holds all fasq configuration: one section per subsystem plus
// a Logging section, loaded in one pass from the environment or a
// YAML file.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// PerformanceConfig holds the tuning knobs a CacheConfig's
// performance section names.
type PerformanceConfig struct {
	// HotCacheSize bounds the in-front Ristretto hot set (default 50).
	HotCacheSize int64 `yaml:"hotCacheSize"`
	// IsolatePoolSize is the worker-pool goroutine count for offloaded
	// transforms (default 2).
	IsolatePoolSize int `yaml:"isolatePoolSize"`
	// DefaultIsolateThresholdStr is parsed into DefaultIsolateThreshold,
	// as a human-readable size (default "100KiB"). No part of fasq
	// reads the parsed value: whether a Query offloads its result
	// transform is decided by its own Performance.IsolateThreshold.
	DefaultIsolateThresholdStr string `yaml:"defaultIsolateThreshold"`
	DefaultIsolateThreshold    int64  `yaml:"-"`
	// SlowQueryThresholdMs flags fetches slower than this as slow
	// (default 1000).
	SlowQueryThresholdMs int64 `yaml:"slowQueryThresholdMs"`
	// MemoryWarningThresholdStr is the store-size threshold handed to
	// metrics.Recorder, as a human-readable size (default "10MiB").
	// No part of fasq checks the store's size against it or logs a
	// warning when it is crossed.
	MemoryWarningThresholdStr string `yaml:"memoryWarningThreshold"`
	MemoryWarningThreshold    int64  `yaml:"-"`
	// EnableMetrics toggles OTel instrumentation (default true).
	EnableMetrics bool `yaml:"enableMetrics"`
}

// CacheConfig holds Store-level sizing and eviction settings, per
// CacheConfig.
type CacheConfig struct {
	// MaxCacheSizeStr bounds total entry size, as a human-readable
	// size string (default "50MiB").
	MaxCacheSizeStr string `yaml:"maxCacheSize"`
	MaxCacheSize    int64  `yaml:"-"`
	// MaxEntries bounds the entry count (default 1000).
	MaxEntries int `yaml:"maxEntries"`
	// DefaultStaleTime is the default staleTime for entries that don't
	// specify one (default 0 — always stale).
	DefaultStaleTime time.Duration `yaml:"defaultStaleTime"`
	// DefaultCacheTime is the default cacheTime (default 5m).
	DefaultCacheTime time.Duration `yaml:"defaultCacheTime"`
	// EvictionPolicy selects LRU, LFU, or FIFO ordering (default LRU).
	EvictionPolicy EvictionPolicy `yaml:"evictionPolicy"`
	// EnableMemoryPressure is carried in the config (default true); no
	// part of fasq reads it, and no memory-pressure-driven GC runs.
	EnableMemoryPressure bool `yaml:"enableMemoryPressure"`

	Performance PerformanceConfig `yaml:"performance"`
}

// PersistenceConfig holds the durable-storage options.
type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir is the on-disk directory for the Badger-backed provider.
	Dir string `yaml:"dir"`
	// GCInterval is carried in the config (default 5m); no part of
	// fasq reads it, and there is no separate periodic sweep of
	// persisted records.
	GCInterval time.Duration `yaml:"gcInterval"`
	// InMemory runs the persistence provider's backing store entirely
	// in memory, useful for tests and ephemeral CLI runs.
	InMemory bool `yaml:"inMemory"`
}

// EncryptionConfig holds the settings needed to build an
// EncryptionProvider for persisted entries (non-secure entries; secure
// entries are never persisted).
type EncryptionConfig struct {
	// Enabled controls whether persisted entries are actually encrypted
	// before persistence (disabling is for tests only).
	Enabled bool `yaml:"enabled"`
	// Passphrase derives the encryption key via PBKDF2 when KeyPath is
	// empty.
	Passphrase string `yaml:"passphrase"`
	// KeyPath, if set, loads a raw key from disk instead of deriving
	// one from Passphrase.
	KeyPath string `yaml:"keyPath"`
	// KeyRotationInterval is carried in the config; no part of fasq
	// reads it, and the encryption key is never rotated.
	KeyRotationInterval time.Duration `yaml:"keyRotationInterval"`
}

// LoggingConfig holds logging settings. No part of fasq reads Level or
// Output; Store and Client take their logr.Logger from the caller.
type LoggingConfig struct {
	// Level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Output path (stdout, stderr, or a file path).
	Output string `yaml:"output"`
}

// Default returns fasq's documented default Config.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxCacheSizeStr:      "50MiB",
			MaxCacheSize:         50 * 1024 * 1024,
			MaxEntries:           1000,
			DefaultStaleTime:     0,
			DefaultCacheTime:     5 * time.Minute,
			EvictionPolicy:       EvictionLRU,
			EnableMemoryPressure: true,
			Performance: PerformanceConfig{
				HotCacheSize:               50,
				IsolatePoolSize:            2,
				DefaultIsolateThresholdStr: "100KiB",
				DefaultIsolateThreshold:    100 * 1024,
				SlowQueryThresholdMs:       1000,
				MemoryWarningThresholdStr:  "10MiB",
				MemoryWarningThreshold:     10 * 1024 * 1024,
				EnableMetrics:              true,
			},
		},
		Persistence: PersistenceConfig{
			Enabled:    false,
			Dir:        "./data/fasq",
			GCInterval: 5 * time.Minute,
		},
		Encryption: EncryptionConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
	}
}

// LoadFromEnv builds a Config from Default() overridden by
// FASQ_* environment variables.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Cache.MaxCacheSizeStr = getEnv("FASQ_MAX_CACHE_SIZE", cfg.Cache.MaxCacheSizeStr)
	cfg.Cache.MaxEntries = getEnvInt("FASQ_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.DefaultStaleTime = getEnvDuration("FASQ_DEFAULT_STALE_TIME", cfg.Cache.DefaultStaleTime)
	cfg.Cache.DefaultCacheTime = getEnvDuration("FASQ_DEFAULT_CACHE_TIME", cfg.Cache.DefaultCacheTime)
	cfg.Cache.EvictionPolicy = EvictionPolicy(strings.ToUpper(getEnv("FASQ_EVICTION_POLICY", string(cfg.Cache.EvictionPolicy))))
	cfg.Cache.EnableMemoryPressure = getEnvBool("FASQ_ENABLE_MEMORY_PRESSURE", cfg.Cache.EnableMemoryPressure)

	cfg.Cache.Performance.HotCacheSize = int64(getEnvInt("FASQ_HOT_CACHE_SIZE", int(cfg.Cache.Performance.HotCacheSize)))
	cfg.Cache.Performance.IsolatePoolSize = getEnvInt("FASQ_ISOLATE_POOL_SIZE", cfg.Cache.Performance.IsolatePoolSize)
	cfg.Cache.Performance.DefaultIsolateThresholdStr = getEnv("FASQ_ISOLATE_THRESHOLD", cfg.Cache.Performance.DefaultIsolateThresholdStr)
	cfg.Cache.Performance.SlowQueryThresholdMs = int64(getEnvInt("FASQ_SLOW_QUERY_THRESHOLD_MS", int(cfg.Cache.Performance.SlowQueryThresholdMs)))
	cfg.Cache.Performance.MemoryWarningThresholdStr = getEnv("FASQ_MEMORY_WARNING_THRESHOLD", cfg.Cache.Performance.MemoryWarningThresholdStr)
	cfg.Cache.Performance.EnableMetrics = getEnvBool("FASQ_ENABLE_METRICS", cfg.Cache.Performance.EnableMetrics)

	cfg.Persistence.Enabled = getEnvBool("FASQ_PERSISTENCE_ENABLED", cfg.Persistence.Enabled)
	cfg.Persistence.Dir = getEnv("FASQ_PERSISTENCE_DIR", cfg.Persistence.Dir)
	cfg.Persistence.GCInterval = getEnvDuration("FASQ_PERSISTENCE_GC_INTERVAL", cfg.Persistence.GCInterval)
	cfg.Persistence.InMemory = getEnvBool("FASQ_PERSISTENCE_IN_MEMORY", cfg.Persistence.InMemory)

	cfg.Encryption.Enabled = getEnvBool("FASQ_ENCRYPTION_ENABLED", cfg.Encryption.Enabled)
	cfg.Encryption.Passphrase = getEnv("FASQ_ENCRYPTION_PASSPHRASE", cfg.Encryption.Passphrase)
	cfg.Encryption.KeyPath = getEnv("FASQ_ENCRYPTION_KEY_PATH", cfg.Encryption.KeyPath)
	cfg.Encryption.KeyRotationInterval = getEnvDuration("FASQ_ENCRYPTION_KEY_ROTATION", cfg.Encryption.KeyRotationInterval)

	cfg.Logging.Level = getEnv("FASQ_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnv("FASQ_LOG_OUTPUT", cfg.Logging.Output)

	cfg.resolveSizes()
	return cfg
}

// LoadFromYAML builds a Config by overlaying a YAML document (as
// produced by a fasq.yaml file) onto Default().
func LoadFromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.resolveSizes()
	return cfg, nil
}

// resolveSizes parses the human-readable size fields into their byte
// counts, using humanize rather than a hand-rolled KB/MB/GB switch.
func (c *Config) resolveSizes() {
	if n, err := humanize.ParseBytes(c.Cache.MaxCacheSizeStr); err == nil {
		c.Cache.MaxCacheSize = int64(n)
	}
	if n, err := humanize.ParseBytes(c.Cache.Performance.DefaultIsolateThresholdStr); err == nil {
		c.Cache.Performance.DefaultIsolateThreshold = int64(n)
	}
	if n, err := humanize.ParseBytes(c.Cache.Performance.MemoryWarningThresholdStr); err == nil {
		c.Cache.Performance.MemoryWarningThreshold = int64(n)
	}
}

// Validate checks the Config for internally inconsistent settings.
func (c *Config) Validate() error {
	if c.Cache.MaxCacheSize <= 0 {
		return fmt.Errorf("config: cache.maxCacheSize must be positive, got %q", c.Cache.MaxCacheSizeStr)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.maxEntries must be positive, got %d", c.Cache.MaxEntries)
	}
	switch c.Cache.EvictionPolicy {
	case EvictionLRU, EvictionLFU, EvictionFIFO:
	default:
		return fmt.Errorf("config: cache.evictionPolicy must be one of LRU, LFU, FIFO, got %q", c.Cache.EvictionPolicy)
	}
	if c.Cache.Performance.IsolatePoolSize <= 0 {
		return fmt.Errorf("config: cache.performance.isolatePoolSize must be positive, got %d", c.Cache.Performance.IsolatePoolSize)
	}
	if c.Persistence.Enabled && c.Persistence.Dir == "" && !c.Persistence.InMemory {
		return fmt.Errorf("config: persistence.dir must be set when persistence.enabled and not inMemory")
	}
	// Encryption.Passphrase/KeyPath are optional: with neither set, the
	// KeystoreProvider generates and durably stores a random key itself
	// the first time persistence is enabled.
	return nil
}

// String renders a human-readable summary, for dumping config at
// startup.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{cache: %s/%d entries (%s), persistence: %v@%s, encryption: %v, log: %s}",
		FormatMemorySize(c.Cache.MaxCacheSize), c.Cache.MaxEntries, c.Cache.EvictionPolicy,
		c.Persistence.Enabled, c.Persistence.Dir,
		c.Encryption.Enabled, c.Logging.Level,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// FormatMemorySize formats bytes as a human-readable string, for
// logging and the String() summary.
func FormatMemorySize(bytes int64) string {
	return humanize.IBytes(uint64(bytes))
}
