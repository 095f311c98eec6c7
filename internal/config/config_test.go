package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: documented defaults are applied
	assert.Equal(t, 100, cfg.Search.MaxResults)
	assert.Equal(t, 900*time.Millisecond, cfg.Search.QueryTimeout.Std())
	assert.Equal(t, 50, cfg.Search.MaxConcurrentQueries)
	assert.Equal(t, 2, cfg.Search.FuzzyMaxDistance)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 100, cfg.Indexing.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Indexing.RefreshInterval.Std())
	assert.Equal(t, 10000, cfg.Indexing.HighWaterMark)
	assert.Equal(t, 3, cfg.Indexing.RetryAttempts)
	assert.Equal(t, 4, cfg.Providers.MaxConcurrent)
	assert.Equal(t, 300*time.Millisecond, cfg.Performance.TargetP95.Std())
	assert.Contains(t, cfg.Index.Path, filepath.Join(".unisearch", "index"))
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	// Given: a YAML file setting a few keys plus an unknown one
	isolate(t)
	path := filepath.Join(t.TempDir(), "unisearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
index:
  path: /tmp/idx
search:
  query_timeout: 2s
cache:
  ttl: 45
indexing:
  batch_size: 25
some_future_option: true
providers:
  filesystem:
    - name: notes
      root: /home/me/notes
      extensions: [".md", ".txt"]
      watch: true
`), 0o644))

	// When: loading
	cfg, err := Load(path)

	// Then: given keys override, others keep defaults, unknown keys are ignored
	require.NoError(t, err)
	assert.Equal(t, "/tmp/idx", cfg.Index.Path)
	assert.Equal(t, 2*time.Second, cfg.Search.QueryTimeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, 25, cfg.Indexing.BatchSize)
	assert.Equal(t, 50, cfg.Search.MaxConcurrentQueries)
	require.Len(t, cfg.Providers.Filesystem, 1)
	assert.Equal(t, []string{".md", ".txt"}, cfg.Providers.Filesystem[0].Extensions)
	assert.True(t, cfg.Providers.Filesystem[0].Watch)
}

func TestLoad_TOML(t *testing.T) {
	// Given: a TOML file
	isolate(t)
	path := filepath.Join(t.TempDir(), "unisearch.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[search]
max_results = 20
default_limit = 10

[indexing]
refresh_interval = "5s"

[[providers.github]]
name = "gh-unisearch"
owner = "Aman-CERP"
repo = "unisearch"
token_env = "GITHUB_TOKEN"
`), 0o644))

	// When: loading
	cfg, err := Load(path)

	// Then: values are decoded
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Search.MaxResults)
	assert.Equal(t, 5*time.Second, cfg.Indexing.RefreshInterval.Std())
	require.Len(t, cfg.Providers.GitHub, 1)
	assert.Equal(t, "GITHUB_TOKEN", cfg.Providers.GitHub[0].TokenEnv)
}

func TestLoad_UserConfigThenFileThenEnv(t *testing.T) {
	// Given: a user config, a project file and an env override
	xdg := isolate(t)
	userPath := filepath.Join(xdg, "unisearch", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte("indexing:\n  batch_size: 10\n  workers: 3\n"), 0o644))

	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte("indexing:\n  batch_size: 20\n"), 0o644))
	t.Setenv("UNISEARCH_BATCH_SIZE", "30")
	t.Setenv("UNISEARCH_CACHE_TTL", "90s")

	// When: loading
	cfg, err := Load(path)

	// Then: precedence is env > file > user > defaults
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Indexing.BatchSize)
	assert.Equal(t, 3, cfg.Indexing.Workers)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL.Std())
}

func TestLoad_BadEnvValue(t *testing.T) {
	isolate(t)
	t.Setenv("UNISEARCH_MAX_RESULTS", "lots")

	_, err := Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNISEARCH_MAX_RESULTS")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"fuzzy too high", func(c *Config) { c.Search.FuzzyMaxDistance = 3 }, "fuzzy_max_distance"},
		{"zero batch", func(c *Config) { c.Indexing.BatchSize = 0 }, "batch_size"},
		{"limit over max", func(c *Config) { c.Search.DefaultLimit = 500 }, "default_limit"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"dup provider", func(c *Config) {
			c.Providers.Filesystem = []FilesystemSource{{Name: "a", Root: "/x"}}
			c.Providers.GitHub = []GitHubSource{{Name: "a", Owner: "o", Repo: "r"}}
		}, "duplicate"},
		{"high water below batch", func(c *Config) { c.Indexing.HighWaterMark = 10 }, "high_water_mark"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteYAML_RoundTripsAndBacksUp(t *testing.T) {
	// Given: an existing config file
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  max_results: 7\n  default_limit: 7\n"), 0o644))

	cfg := NewConfig()
	cfg.Cache.TTL = Duration(2 * time.Minute)

	// When: writing over it
	require.NoError(t, cfg.WriteYAML(path))

	// Then: the new file loads back and the old one is kept as a backup
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, loaded.Cache.TTL.Std())

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, d.UnmarshalText([]byte("15")))
	assert.Equal(t, 15*time.Second, d.Std())
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
