package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.unisearch/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".unisearch", "logs")
	}
	return filepath.Join(home, ".unisearch", "logs")
}

// DefaultLogPath returns the default engine log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "unisearch.log")
}
