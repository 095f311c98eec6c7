package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/pkg/version"
)

// testEnv isolates a CLI run: the user config lives under a temp
// XDG_CONFIG_HOME and the index under a temp directory named by the
// returned --config file.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	cfg := "index:\n" +
		"  path: " + filepath.Join(dir, "index") + "\n" +
		"indexing:\n" +
		"  optimize_schedule: \"\"\n" +
		"providers:\n" +
		"  sync_schedule: \"\"\n"
	path := filepath.Join(dir, "unisearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// run executes a fresh command tree and returns stdout and stderr.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	// Given: a root command

	// When: executing with --help
	out, _, err := run(t, "", "--help")

	// Then: it lists the commands
	require.NoError(t, err)
	assert.Contains(t, out, "unisearch")
	for _, name := range []string{"search", "index", "sync", "status", "serve", "config"} {
		assert.Contains(t, out, name)
	}
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, _, err := run(t, "", "--version")

	require.NoError(t, err)
	assert.Equal(t, version.String(), strings.TrimSpace(out))
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, _, err := run(t, "", "frobnicate")

	assert.Error(t, err)
}

func TestRootCmd_InvalidConfigFails(t *testing.T) {
	// Given: a config file that fails validation
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  max_results: 0\n"), 0o644))

	// When: running a command that needs the config
	_, _, err := run(t, "", "--config", path, "status")

	// Then: the validation error surfaces
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_results")
}

func TestSkipsConfig(t *testing.T) {
	root := NewRootCmd()

	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"version"}, true},
		{[]string{"config", "path"}, true},
		{[]string{"config", "init"}, true},
		{[]string{"config", "show"}, false},
		{[]string{"status"}, false},
		{[]string{"search"}, false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			cmd, _, err := root.Find(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, skipsConfig(cmd))
		})
	}
}

func TestLoggingConfig_QuietWithoutLogFile(t *testing.T) {
	// Given: a config with no log file and stderr logging off
	cfgPath := testEnv(t)
	g := &globals{configPath: cfgPath}
	root := NewRootCmd()
	require.NoError(t, g.setup(root, nil))
	defer func() { _ = g.teardown() }()
	g.cfg.Logging.FilePath = ""
	g.cfg.Logging.Stderr = false

	// Then: only warnings reach stderr
	assert.Equal(t, "warn", g.loggingConfig(&bytes.Buffer{}).Level)

	// And: --debug raises the level and picks the default log file
	g.debug = true
	lc := g.loggingConfig(&bytes.Buffer{})
	assert.Equal(t, "debug", lc.Level)
	assert.NotEmpty(t, lc.FilePath)
}
