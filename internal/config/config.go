// Package config loads the memory bus configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file
// (membus.yaml), then MEMBUS_* environment variables. The result is
// validated before anything is built from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/membus/internal/consistency"
	"github.com/HendryAvila/membus/internal/docstore"
	"github.com/HendryAvila/membus/internal/embed"
	"github.com/HendryAvila/membus/internal/membus"
	"github.com/HendryAvila/membus/internal/syncq"
	"github.com/HendryAvila/membus/internal/vectorindex"
)

const (
	// FileName is the default configuration file name.
	FileName = "membus.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MEMBUS_"
	// DataDirName is the directory under the user's home that holds the
	// stores when no paths are configured.
	DataDirName = ".membus"
)

// ErrNotFound is returned by Load when an explicitly requested file does
// not exist.
var ErrNotFound = errors.New("config: file not found")

// ─── Types ───────────────────────────────────────────────────────────────────

// Config is the full configuration surface.
type Config struct {
	DataDir        string            `yaml:"data_dir"`
	Vault          string            `yaml:"vault"`
	DocumentStore  DocumentStoreConf `yaml:"document_store"`
	VectorIndex    VectorIndexConf   `yaml:"vector_index"`
	WriteTimeoutMS int               `yaml:"write_timeout_ms"`
	SyncTimeoutMS  int               `yaml:"sync_timeout_ms"`
	ReadTimeoutMS  int               `yaml:"read_timeout_ms"`
	CacheSizeMB    int               `yaml:"cache_size_mb"`
	SyncQueue      SyncQueueConf     `yaml:"sync_queue"`
	Embedding      EmbeddingConf     `yaml:"embedding"`
	Consistency    ConsistencyConf   `yaml:"consistency"`
}

// DocumentStoreConf locates the SQLite document store.
type DocumentStoreConf struct {
	Path          string `yaml:"path"`
	RevisionLimit int    `yaml:"revision_limit"`
}

// VectorIndexConf locates the vector collection.
type VectorIndexConf struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
}

// SyncQueueConf bounds the sync queue and its spill log.
type SyncQueueConf struct {
	MaxBytes      int64  `yaml:"max_bytes"`
	SpillDir      string `yaml:"spill_dir"`
	SpillMaxBytes int64  `yaml:"spill_max_bytes"`
	Workers       int    `yaml:"workers"`
}

// EmbeddingConf selects the embedding model.
type EmbeddingConf struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
}

// ConsistencyConf tunes the consistency monitor.
type ConsistencyConf struct {
	Interval       time.Duration `yaml:"interval"`
	LagThresholdMS int           `yaml:"lag_threshold_ms"`
	DesyncChecks   int           `yaml:"desync_checks"`
	SampleSize     int           `yaml:"sample_size"`
	RebuildRate    float64       `yaml:"rebuild_rate"`
	AlertThreshold int           `yaml:"alert_threshold"`
}

// Default returns the built-in configuration rooted at ~/.membus.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return defaultsIn(filepath.Join(home, DataDirName))
}

func defaultsIn(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Vault:   "default",
		DocumentStore: DocumentStoreConf{
			RevisionLimit: 16,
		},
		VectorIndex: VectorIndexConf{
			Collection: "membus",
		},
		WriteTimeoutMS: 200,
		SyncTimeoutMS:  300,
		ReadTimeoutMS:  500,
		CacheSizeMB:    100,
		SyncQueue: SyncQueueConf{
			MaxBytes:      10 << 20,
			SpillMaxBytes: 256 << 20,
			Workers:       4,
		},
		Embedding: EmbeddingConf{
			Model:      "hash",
			Dimensions: embed.DefaultDimensions,
			BatchSize:  32,
		},
		Consistency: ConsistencyConf{
			Interval:       30 * time.Second,
			LagThresholdMS: 300,
			DesyncChecks:   3,
			AlertThreshold: 3,
		},
	}
}

// ─── Loading ─────────────────────────────────────────────────────────────────

// Load resolves the configuration. An empty path looks for membus.yaml in
// the working directory and then in the data directory; a missing default
// file is not an error, a missing explicit one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if dir, ok := os.LookupEnv(EnvPrefix + "DATA_DIR"); ok && dir != "" {
		cfg = defaultsIn(dir)
	}

	explicit := path != ""
	if !explicit {
		path = findFile(cfg.DataDir)
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil && (explicit || !errors.Is(err, ErrNotFound)) {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile(dataDir string) string {
	for _, p := range []string{FileName, filepath.Join(dataDir, FileName)} {
		if Exists(p) {
			return p
		}
	}
	return ""
}

// Exists reports whether a configuration file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// ─── Environment ─────────────────────────────────────────────────────────────

type lookupFunc func(string) (string, bool)

// envBindings maps each MEMBUS_* suffix to the field it overrides.
func (c *Config) envBindings() map[string]func(string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToIntE(v); return }
	}
	int64v := func(dst *int64) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToInt64E(v); return }
	}
	float := func(dst *float64) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToFloat64E(v); return }
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToBoolE(v); return }
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(v string) (err error) { *dst, err = cast.ToDurationE(v); return }
	}

	return map[string]func(string) error{
		"VAULT":                        str(&c.Vault),
		"DOCUMENT_STORE_PATH":          str(&c.DocumentStore.Path),
		"DOCUMENT_STORE_REVISIONS":     integer(&c.DocumentStore.RevisionLimit),
		"VECTOR_INDEX_URL":             str(&c.VectorIndex.URL),
		"VECTOR_INDEX_COLLECTION":      str(&c.VectorIndex.Collection),
		"VECTOR_INDEX_COMPRESS":        boolean(&c.VectorIndex.Compress),
		"WRITE_TIMEOUT_MS":             integer(&c.WriteTimeoutMS),
		"SYNC_TIMEOUT_MS":              integer(&c.SyncTimeoutMS),
		"READ_TIMEOUT_MS":              integer(&c.ReadTimeoutMS),
		"CACHE_SIZE_MB":                integer(&c.CacheSizeMB),
		"SYNC_QUEUE_MAX_BYTES":         int64v(&c.SyncQueue.MaxBytes),
		"SYNC_QUEUE_SPILL_DIR":         str(&c.SyncQueue.SpillDir),
		"SYNC_QUEUE_SPILL_MAX_BYTES":   int64v(&c.SyncQueue.SpillMaxBytes),
		"SYNC_QUEUE_WORKERS":           integer(&c.SyncQueue.Workers),
		"EMBEDDING_MODEL":              str(&c.Embedding.Model),
		"EMBEDDING_DIMENSIONS":         integer(&c.Embedding.Dimensions),
		"EMBEDDING_BATCH_SIZE":         integer(&c.Embedding.BatchSize),
		"CONSISTENCY_INTERVAL":         duration(&c.Consistency.Interval),
		"CONSISTENCY_LAG_THRESHOLD_MS": integer(&c.Consistency.LagThresholdMS),
		"CONSISTENCY_DESYNC_CHECKS":    integer(&c.Consistency.DesyncChecks),
		"CONSISTENCY_SAMPLE_SIZE":      integer(&c.Consistency.SampleSize),
		"CONSISTENCY_REBUILD_RATE":     float(&c.Consistency.RebuildRate),
		"CONSISTENCY_ALERT_THRESHOLD":  integer(&c.Consistency.AlertThreshold),
	}
}

func (c *Config) applyEnv(lookup lookupFunc) error {
	for suffix, set := range c.envBindings() {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok {
			continue
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, suffix, err)
		}
	}
	return nil
}

// ─── Validation ──────────────────────────────────────────────────────────────

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %s", field, msg))
		}
	}

	check(c.Vault != "", "vault", "must not be empty")
	check(c.DocumentStore.RevisionLimit >= 0, "document_store.revision_limit", "must not be negative")
	check(c.VectorIndex.URL == "" || strings.HasPrefix(c.VectorIndex.URL, "mem://") ||
		strings.HasPrefix(c.VectorIndex.URL, "file://"),
		"vector_index.url", "must use mem:// or file://")
	check(c.WriteTimeoutMS > 0, "write_timeout_ms", "must be positive")
	check(c.SyncTimeoutMS > 0, "sync_timeout_ms", "must be positive")
	check(c.ReadTimeoutMS > 0, "read_timeout_ms", "must be positive")
	check(c.CacheSizeMB >= 0, "cache_size_mb", "must not be negative")
	check(c.SyncQueue.MaxBytes > 0, "sync_queue.max_bytes", "must be positive")
	check(c.SyncQueue.SpillMaxBytes >= 0, "sync_queue.spill_max_bytes", "must not be negative")
	check(c.SyncQueue.Workers > 0, "sync_queue.workers", "must be positive")
	check(c.Embedding.Dimensions > 0, "embedding.dimensions", "must be positive")
	check(c.Embedding.BatchSize > 0, "embedding.batch_size", "must be positive")
	check(c.Consistency.Interval > 0, "consistency.interval", "must be positive")
	check(c.Consistency.LagThresholdMS > 0, "consistency.lag_threshold_ms", "must be positive")
	check(c.Consistency.DesyncChecks > 0, "consistency.desync_checks", "must be positive")
	check(c.Consistency.SampleSize >= 0, "consistency.sample_size", "must not be negative")
	check(c.Consistency.RebuildRate >= 0, "consistency.rebuild_rate", "must not be negative")
	check(c.Consistency.AlertThreshold > 0, "consistency.alert_threshold", "must be positive")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
}

// ─── Derived configs ─────────────────────────────────────────────────────────

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// DocumentStorePath is the SQLite file, defaulting to documents.db in the
// data directory.
func (c *Config) DocumentStorePath() string {
	if c.DocumentStore.Path != "" {
		return c.DocumentStore.Path
	}
	return filepath.Join(c.DataDir, "documents.db")
}

// VectorIndexURL defaults to a persistent index in the data directory.
func (c *Config) VectorIndexURL() string {
	if c.VectorIndex.URL != "" {
		return c.VectorIndex.URL
	}
	return "file://" + filepath.Join(c.DataDir, "vectors")
}

// SpillDir defaults to spill/ in the data directory.
func (c *Config) SpillDir() string {
	if c.SyncQueue.SpillDir != "" {
		return c.SyncQueue.SpillDir
	}
	return filepath.Join(c.DataDir, "spill")
}

// DocStore returns the document store configuration.
func (c *Config) DocStore() docstore.Config {
	d := docstore.DefaultConfig()
	d.Path = c.DocumentStorePath()
	d.Vault = c.Vault
	if c.DocumentStore.RevisionLimit > 0 {
		d.RevisionLimit = c.DocumentStore.RevisionLimit
	}
	return d
}

// VecIndex returns the vector index configuration.
func (c *Config) VecIndex() vectorindex.Config {
	return vectorindex.Config{
		URL:        c.VectorIndexURL(),
		Collection: c.VectorIndex.Collection,
		Dimensions: c.Embedding.Dimensions,
		Compress:   c.VectorIndex.Compress,
	}
}

// Bus returns the bus configuration. Logger and Metrics are left for the
// caller to inject.
func (c *Config) Bus() membus.Config {
	b := membus.DefaultConfig(c.DataDir)
	b.WriteTimeout = ms(c.WriteTimeoutMS)
	b.ReadTimeout = ms(c.ReadTimeoutMS)
	b.CacheSizeMB = c.CacheSizeMB
	if b.CacheSizeMB == 0 {
		b.CacheSizeMB = -1
	}

	q := syncq.DefaultConfig(c.DataDir)
	q.Workers = c.SyncQueue.Workers
	q.MaxBytes = c.SyncQueue.MaxBytes
	q.SpillDir = c.SpillDir()
	q.SpillMaxBytes = c.SyncQueue.SpillMaxBytes
	q.JobTimeout = ms(c.SyncTimeoutMS)
	b.Queue = q

	m := consistency.DefaultConfig()
	m.Interval = c.Consistency.Interval
	m.LagThreshold = ms(c.Consistency.LagThresholdMS)
	m.DesyncChecks = c.Consistency.DesyncChecks
	m.SampleSize = c.Consistency.SampleSize
	m.BatchSize = c.Embedding.BatchSize
	m.RebuildRate = c.Consistency.RebuildRate
	m.AlertThreshold = c.Consistency.AlertThreshold
	b.Consistency = m
	return b
}
