package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// ConfigFileNames are probed, in order, under the workspace root and
// the user config directory.
var ConfigFileNames = []string{"vtcode.yaml", "vtcode.yml", "vtcode.json5"}

// Load builds the effective configuration: defaults, overlaid by the
// first config file found under workspace (then the user config dir),
// with environment expansion applied to the file contents.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path, err := findConfigFile(workspace)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	if err := applyFile(cfg, path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFile builds the configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := applyFile(cfg, path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

func findConfigFile(workspace string) (string, error) {
	dirs := []string{workspace}
	if userDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(userDir, "vtcode"))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, name := range ConfigFileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return "", err
			}
		}
	}
	return "", nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	switch {
	case strings.HasSuffix(path, ".json5"), strings.HasSuffix(path, ".json"):
		// Decode through a raw map so the yaml struct tags apply to
		// JSON5 input as well.
		var raw map[string]any
		if err := json5.Unmarshal(expanded, &raw); err != nil {
			return err
		}
		rebuilt, err := yaml.Marshal(raw)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(rebuilt, cfg)
	default:
		return yaml.Unmarshal(expanded, cfg)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Agent.Provider == "" {
		return errors.New("agent.provider is required")
	}
	if c.Agent.Model == "" {
		return errors.New("agent.model is required")
	}
	if c.Agent.MaxIterations <= 0 {
		return errors.New("agent.max_iterations must be positive")
	}
	if c.Context.ContextWindow <= c.Context.ReservedForOutput {
		return errors.New("context.context_window must exceed context.reserved_for_output")
	}
	switch c.Tools.Autonomy {
	case "full", "hitl", "readonly":
	default:
		return fmt.Errorf("tools.autonomy %q is not one of full, hitl, readonly", c.Tools.Autonomy)
	}
	switch c.Sandbox.Mode {
	case "disabled", "auto", "strict":
	default:
		return fmt.Errorf("sandbox.mode %q is not one of disabled, auto, strict", c.Sandbox.Mode)
	}
	return nil
}
