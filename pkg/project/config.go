// Package project reads the per-application nimble.yaml manifest found at
// the root of an uploaded workspace.
package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the manifest looked for at the workspace root.
const ConfigFileName = "nimble.yaml"

const defaultPort = 8080

// Config is the parsed nimble.yaml. Every field is optional; a project with
// no manifest at all is built purely by auto-detection.
type Config struct {
	// Builder names a builder explicitly, overriding auto-detection.
	Builder string `yaml:"builder"`
	// App is the logical application name used to group deployments.
	App string `yaml:"app"`
	// Port is the port the built image listens on.
	Port int `yaml:"port"`
}

// Load reads the manifest from a workspace directory. A missing file is
// reported with an error wrapping fs.ErrNotExist so callers can treat the
// manifest as optional.
func Load(workspace string) (Config, error) {
	path := filepath.Join(workspace, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%s: %w", ConfigFileName, fs.ErrNotExist)
		}
		return Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}
	return Parse(data)
}

// Parse decodes manifest bytes, applying defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("%s: invalid port %d", ConfigFileName, cfg.Port)
	}
	return cfg, nil
}
