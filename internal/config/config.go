// Package config loads the unisearch configuration surface.
//
// Precedence, lowest to highest:
//  1. Hardcoded defaults (NewConfig)
//  2. User config ($XDG_CONFIG_HOME/unisearch/config.yaml)
//  3. Explicit config file (--config, YAML or TOML by extension)
//  4. Environment variables (UNISEARCH_*)
//
// Unknown keys are ignored.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a string like "60s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText accepts Go duration strings, or a bare integer as seconds.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config represents the complete unisearch configuration.
type Config struct {
	Index       IndexConfig       `yaml:"index" toml:"index" json:"index"`
	Search      SearchConfig      `yaml:"search" toml:"search" json:"search"`
	Cache       CacheConfig       `yaml:"cache" toml:"cache" json:"cache"`
	Indexing    IndexingConfig    `yaml:"indexing" toml:"indexing" json:"indexing"`
	Providers   ProvidersConfig   `yaml:"providers" toml:"providers" json:"providers"`
	Performance PerformanceConfig `yaml:"performance" toml:"performance" json:"performance"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging" json:"logging"`
}

// IndexConfig locates the index directory.
type IndexConfig struct {
	// Path is the index directory. It holds the segment store, the
	// metadata side-store and the lock file.
	Path string `yaml:"path" toml:"path" json:"path"`

	// MaxBodyBytes bounds document bodies; larger bodies are truncated.
	MaxBodyBytes int `yaml:"max_body_bytes" toml:"max_body_bytes" json:"max_body_bytes"`
}

// SearchConfig configures query execution.
type SearchConfig struct {
	MaxResults           int      `yaml:"max_results" toml:"max_results" json:"max_results"`
	DefaultLimit         int      `yaml:"default_limit" toml:"default_limit" json:"default_limit"`
	QueryTimeout         Duration `yaml:"query_timeout" toml:"query_timeout" json:"query_timeout"`
	MaxConcurrentQueries int      `yaml:"max_concurrent_queries" toml:"max_concurrent_queries" json:"max_concurrent_queries"`

	// AdmissionWait is how long a query waits for a slot before it is
	// rejected with TooManyConcurrentQueries.
	AdmissionWait Duration `yaml:"admission_wait" toml:"admission_wait" json:"admission_wait"`

	FuzzyMaxDistance   int     `yaml:"fuzzy_max_distance" toml:"fuzzy_max_distance" json:"fuzzy_max_distance"`
	FuzzyMaxExpansions int     `yaml:"fuzzy_max_expansions" toml:"fuzzy_max_expansions" json:"fuzzy_max_expansions"`
	RecencyWeight      float64 `yaml:"recency_weight" toml:"recency_weight" json:"recency_weight"`
	MaxQueryLength     int     `yaml:"max_query_length" toml:"max_query_length" json:"max_query_length"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	TTL        Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
	MaxEntries int      `yaml:"max_entries" toml:"max_entries" json:"max_entries"`
}

// IndexingConfig configures the ingestion pipeline.
type IndexingConfig struct {
	BatchSize       int      `yaml:"batch_size" toml:"batch_size" json:"batch_size"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval" json:"refresh_interval"`
	Workers         int      `yaml:"workers" toml:"workers" json:"workers"`

	// HighWaterMark is the queue depth past which bulk enqueues are rejected.
	HighWaterMark int `yaml:"high_water_mark" toml:"high_water_mark" json:"high_water_mark"`

	RetryAttempts     int      `yaml:"retry_attempts" toml:"retry_attempts" json:"retry_attempts"`
	RetryInitialDelay Duration `yaml:"retry_initial_delay" toml:"retry_initial_delay" json:"retry_initial_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay" toml:"retry_max_delay" json:"retry_max_delay"`

	// OptimizeSchedule is a cron expression (or @every) for index compaction.
	// Empty disables scheduled optimize.
	OptimizeSchedule string `yaml:"optimize_schedule" toml:"optimize_schedule" json:"optimize_schedule"`
}

// ProvidersConfig configures the provider fan-out and the built-in adapters.
type ProvidersConfig struct {
	MaxConcurrent    int      `yaml:"max_concurrent" toml:"max_concurrent" json:"max_concurrent"`
	FetchTimeout     Duration `yaml:"fetch_timeout" toml:"fetch_timeout" json:"fetch_timeout"`
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold" json:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown" toml:"cooldown" json:"cooldown"`
	SyncSchedule     string   `yaml:"sync_schedule" toml:"sync_schedule" json:"sync_schedule"`

	Filesystem []FilesystemSource `yaml:"filesystem" toml:"filesystem" json:"filesystem"`
	GitHub     []GitHubSource     `yaml:"github" toml:"github" json:"github"`
}

// FilesystemSource is one local directory to index.
type FilesystemSource struct {
	Name       string   `yaml:"name" toml:"name" json:"name"`
	Root       string   `yaml:"root" toml:"root" json:"root"`
	Extensions []string `yaml:"extensions" toml:"extensions" json:"extensions"`
	Watch      bool     `yaml:"watch" toml:"watch" json:"watch"`
}

// GitHubSource is one repository whose issues and pull requests are indexed.
type GitHubSource struct {
	Name  string `yaml:"name" toml:"name" json:"name"`
	Owner string `yaml:"owner" toml:"owner" json:"owner"`
	Repo  string `yaml:"repo" toml:"repo" json:"repo"`

	// TokenEnv names the environment variable holding the access token.
	// Credentials are never stored in the config file.
	TokenEnv string `yaml:"token_env" toml:"token_env" json:"token_env"`

	// BaseURL overrides the API endpoint (GitHub Enterprise).
	BaseURL string `yaml:"base_url" toml:"base_url" json:"base_url"`
}

// PerformanceConfig configures the latency monitor and auto-tuning.
type PerformanceConfig struct {
	TargetP95          Duration `yaml:"target_p95" toml:"target_p95" json:"target_p95"`
	WindowSize         int      `yaml:"window_size" toml:"window_size" json:"window_size"`
	WindowDuration     Duration `yaml:"window_duration" toml:"window_duration" json:"window_duration"`
	SustainedChecks    int      `yaml:"sustained_checks" toml:"sustained_checks" json:"sustained_checks"`
	EvaluationInterval Duration `yaml:"evaluation_interval" toml:"evaluation_interval" json:"evaluation_interval"`
	AutoTune           bool     `yaml:"auto_tune" toml:"auto_tune" json:"auto_tune"`
	MinAdmission       int      `yaml:"min_admission" toml:"min_admission" json:"min_admission"`
	MaxCacheTTL        Duration `yaml:"max_cache_ttl" toml:"max_cache_ttl" json:"max_cache_ttl"`

	// FragmentationThreshold is the tombstone ratio above which a latency
	// breach schedules optimize.
	FragmentationThreshold float64 `yaml:"fragmentation_threshold" toml:"fragmentation_threshold" json:"fragmentation_threshold"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level" json:"level"`
	FilePath  string `yaml:"file_path" toml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" toml:"max_files" json:"max_files"`
	Stderr    bool   `yaml:"stderr" toml:"stderr" json:"stderr"`
}

// NewConfig returns a configuration with every documented default applied.
func NewConfig() *Config {
	return &Config{
		Index: IndexConfig{
			Path:         DefaultIndexPath(),
			MaxBodyBytes: 1 << 20,
		},
		Search: SearchConfig{
			MaxResults:           100,
			DefaultLimit:         50,
			QueryTimeout:         Duration(900 * time.Millisecond),
			MaxConcurrentQueries: 50,
			AdmissionWait:        Duration(50 * time.Millisecond),
			FuzzyMaxDistance:     2,
			FuzzyMaxExpansions:   50,
			RecencyWeight:        0.5,
			MaxQueryLength:       1024,
		},
		Cache: CacheConfig{
			TTL:        Duration(300 * time.Second),
			MaxEntries: 1000,
		},
		Indexing: IndexingConfig{
			BatchSize:         100,
			RefreshInterval:   Duration(60 * time.Second),
			Workers:           2,
			HighWaterMark:     10000,
			RetryAttempts:     3,
			RetryInitialDelay: Duration(100 * time.Millisecond),
			RetryMaxDelay:     Duration(5 * time.Second),
			OptimizeSchedule:  "@every 1h",
		},
		Providers: ProvidersConfig{
			MaxConcurrent:    4,
			FetchTimeout:     Duration(30 * time.Second),
			FailureThreshold: 3,
			Cooldown:         Duration(5 * time.Minute),
			SyncSchedule:     "@every 5m",
		},
		Performance: PerformanceConfig{
			TargetP95:              Duration(300 * time.Millisecond),
			WindowSize:             1000,
			WindowDuration:         Duration(5 * time.Minute),
			SustainedChecks:        3,
			EvaluationInterval:     Duration(30 * time.Second),
			AutoTune:               true,
			MinAdmission:           8,
			MaxCacheTTL:            Duration(30 * time.Minute),
			FragmentationThreshold: 0.3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// DefaultIndexPath returns ~/.unisearch/index.
func DefaultIndexPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "unisearch", "index")
	}
	return filepath.Join(home, ".unisearch", "index")
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// GetUserConfigPath returns the path to the user configuration file.
// Respects XDG_CONFIG_HOME if set.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "unisearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "unisearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "unisearch", "config.yaml")
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	userPath := GetUserConfigPath()
	if _, err := os.Stat(userPath); err == nil {
		if err := cfg.loadFile(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFile decodes a YAML or TOML file on top of the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return nil
}

// envBinding maps one UNISEARCH_* variable onto a field.
type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func intEnv(set func(c *Config, n int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

func durationEnv(set func(c *Config, d Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err != nil {
			return err
		}
		set(c, d)
		return nil
	}
}

var envBindings = []envBinding{
	{"UNISEARCH_INDEX_PATH", func(c *Config, v string) error { c.Index.Path = v; return nil }},
	{"UNISEARCH_MAX_RESULTS", intEnv(func(c *Config, n int) { c.Search.MaxResults = n })},
	{"UNISEARCH_QUERY_TIMEOUT", durationEnv(func(c *Config, d Duration) { c.Search.QueryTimeout = d })},
	{"UNISEARCH_MAX_CONCURRENT_QUERIES", intEnv(func(c *Config, n int) { c.Search.MaxConcurrentQueries = n })},
	{"UNISEARCH_CACHE_TTL", durationEnv(func(c *Config, d Duration) { c.Cache.TTL = d })},
	{"UNISEARCH_BATCH_SIZE", intEnv(func(c *Config, n int) { c.Indexing.BatchSize = n })},
	{"UNISEARCH_REFRESH_INTERVAL", durationEnv(func(c *Config, d Duration) { c.Indexing.RefreshInterval = d })},
	{"UNISEARCH_RETRY_ATTEMPTS", intEnv(func(c *Config, n int) { c.Indexing.RetryAttempts = n })},
	{"UNISEARCH_MAX_CONCURRENT_PROVIDERS", intEnv(func(c *Config, n int) { c.Providers.MaxConcurrent = n })},
	{"UNISEARCH_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
}

// applyEnvOverrides applies UNISEARCH_* variables. A malformed value is an error.
func (c *Config) applyEnvOverrides() error {
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Index.Path) == "" {
		return fmt.Errorf("index.path must not be empty")
	}
	if c.Index.MaxBodyBytes <= 0 {
		return fmt.Errorf("index.max_body_bytes must be positive, got %d", c.Index.MaxBodyBytes)
	}

	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxResults {
		return fmt.Errorf("search.default_limit must be between 1 and max_results (%d), got %d",
			c.Search.MaxResults, c.Search.DefaultLimit)
	}
	if c.Search.QueryTimeout <= 0 {
		return fmt.Errorf("search.query_timeout must be positive, got %s", c.Search.QueryTimeout)
	}
	if c.Search.MaxConcurrentQueries <= 0 {
		return fmt.Errorf("search.max_concurrent_queries must be positive, got %d", c.Search.MaxConcurrentQueries)
	}
	if c.Search.FuzzyMaxDistance < 0 || c.Search.FuzzyMaxDistance > 2 {
		return fmt.Errorf("search.fuzzy_max_distance must be between 0 and 2, got %d", c.Search.FuzzyMaxDistance)
	}
	if c.Search.RecencyWeight < 0 {
		return fmt.Errorf("search.recency_weight must be non-negative, got %f", c.Search.RecencyWeight)
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative, got %s", c.Cache.TTL)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}

	if c.Indexing.BatchSize <= 0 {
		return fmt.Errorf("indexing.batch_size must be positive, got %d", c.Indexing.BatchSize)
	}
	if c.Indexing.RefreshInterval <= 0 {
		return fmt.Errorf("indexing.refresh_interval must be positive, got %s", c.Indexing.RefreshInterval)
	}
	if c.Indexing.Workers <= 0 {
		return fmt.Errorf("indexing.workers must be positive, got %d", c.Indexing.Workers)
	}
	if c.Indexing.HighWaterMark < c.Indexing.BatchSize {
		return fmt.Errorf("indexing.high_water_mark (%d) must be at least batch_size (%d)",
			c.Indexing.HighWaterMark, c.Indexing.BatchSize)
	}
	if c.Indexing.RetryAttempts < 0 {
		return fmt.Errorf("indexing.retry_attempts must be non-negative, got %d", c.Indexing.RetryAttempts)
	}

	if c.Providers.MaxConcurrent <= 0 {
		return fmt.Errorf("providers.max_concurrent must be positive, got %d", c.Providers.MaxConcurrent)
	}
	if c.Providers.FetchTimeout <= 0 {
		return fmt.Errorf("providers.fetch_timeout must be positive, got %s", c.Providers.FetchTimeout)
	}
	if c.Providers.FailureThreshold <= 0 {
		return fmt.Errorf("providers.failure_threshold must be positive, got %d", c.Providers.FailureThreshold)
	}
	seen := make(map[string]bool)
	for _, fs := range c.Providers.Filesystem {
		if fs.Name == "" || fs.Root == "" {
			return fmt.Errorf("providers.filesystem entries need name and root")
		}
		if seen[fs.Name] {
			return fmt.Errorf("duplicate provider name %q", fs.Name)
		}
		seen[fs.Name] = true
	}
	for _, gh := range c.Providers.GitHub {
		if gh.Name == "" || gh.Owner == "" || gh.Repo == "" {
			return fmt.Errorf("providers.github entries need name, owner and repo")
		}
		if seen[gh.Name] {
			return fmt.Errorf("duplicate provider name %q", gh.Name)
		}
		seen[gh.Name] = true
	}

	if c.Performance.TargetP95 <= 0 {
		return fmt.Errorf("performance.target_p95 must be positive, got %s", c.Performance.TargetP95)
	}
	if c.Performance.WindowSize <= 0 {
		return fmt.Errorf("performance.window_size must be positive, got %d", c.Performance.WindowSize)
	}
	if c.Performance.MinAdmission <= 0 || c.Performance.MinAdmission > c.Search.MaxConcurrentQueries {
		return fmt.Errorf("performance.min_admission must be between 1 and max_concurrent_queries, got %d",
			c.Performance.MinAdmission)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to path, backing up any existing file.
func (c *Config) WriteYAML(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := BackupFile(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
