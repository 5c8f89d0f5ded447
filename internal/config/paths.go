package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvRelkitHome overrides the data directory.
	EnvRelkitHome = "RELKIT_HOME"
	// EnvRelkitDB overrides the history database path.
	EnvRelkitDB = "RELKIT_DB"
)

// DataDir returns the directory used to store relkit data.
func DataDir() (string, error) {
	if v := os.Getenv(EnvRelkitHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	// Use a dot-directory in the user's home on all platforms
	return filepath.Join(home, ".relkit"), nil
}

// DBPath returns the full path to the SQLite run history database.
func DBPath() (string, error) {
	if v := os.Getenv(EnvRelkitDB); v != "" {
		return v, nil
	}
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "relkit.db"), nil
}
