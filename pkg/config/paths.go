package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvPicoCellConfig = "PICOCELL_CONFIG"
	EnvPicoCellHome   = "PICOCELL_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
	DataDir    string
	SkillsDir  string
}

// ResolveRuntimePaths decides where config and data live. PICOCELL_CONFIG
// wins outright; PICOCELL_HOME relocates the whole tree; otherwise
// ~/.picocell.
func ResolveRuntimePaths() RuntimePaths {
	if configPath := ExpandHome(strings.TrimSpace(os.Getenv(EnvPicoCellConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := ExpandHome(strings.TrimSpace(os.Getenv(EnvPicoCellHome)))
	if homeDir == "" {
		homeDir = defaultPicoCellHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultPicoCellHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".picocell"
	}
	return filepath.Join(home, ".picocell")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		DataDir:    filepath.Join(homeDir, "data"),
		SkillsDir:  filepath.Join(homeDir, "skills"),
	}
}

// ExpandHome resolves a leading ~ in path.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' {
		return home + path[1:]
	}
	return path
}
