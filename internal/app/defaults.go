package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the config file looked up in a project and its parents.
const ConfigFileName = "scenariodb.toml"

// Paths are the default locations used when the config does not name them.
type Paths struct {
	ConfigPath string // config file to read, or to create on init
	BaseDir    string // databases, snapshots, keys and logs
	LogDir     string
}

// DefaultPaths resolves the default locations for a command run from workDir.
//
// The config file is SCENARIODB_CONFIG_PATH when set, else the nearest
// scenariodb.toml in workDir or one of its parents, else
// ~/.config/scenariodb.toml. When nothing exists yet, init creates
// scenariodb.toml in workDir. The base directory is SCENARIODB_HOME, or
// ~/.cache/scenariodb.
func DefaultPaths(workDir string) (Paths, error) {
	configPath, err := configPath(workDir)
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := baseDir()
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func configPath(workDir string) (string, error) {
	if p := os.Getenv("SCENARIODB_CONFIG_PATH"); p != "" {
		return p, nil
	}
	if p, ok := findUp(workDir, ConfigFileName); ok {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	global := filepath.Join(home, ".config", ConfigFileName)
	if _, err := os.Stat(global); err == nil {
		return global, nil
	}
	return filepath.Join(workDir, ConfigFileName), nil
}

// findUp returns the first dir/name found walking from dir to the root.
func findUp(dir, name string) (string, bool) {
	for {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func baseDir() (string, error) {
	if p := os.Getenv("SCENARIODB_HOME"); p != "" {
		return p, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine cache directory: %w", err)
	}
	return filepath.Join(cache, "scenariodb"), nil
}
