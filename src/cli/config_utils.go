package cli

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"viewport-engine/src/config"
	"viewport-engine/src/internal/common"
)

// LoadConfigWithFallback loads configPath, or the default config file when it
// exists, and falls back to built-in defaults otherwise
func LoadConfigWithFallback(configPath string) *config.Config {
	path := resolvePath(configPath)
	if path == "" {
		path = config.GetDefaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			return config.GetDefaultConfig()
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		common.CLILogger.Warn("Failed to load config from %s, using defaults: %v", path, err)
		return config.GetDefaultConfig()
	}
	return cfg
}

func resolvePath(path string) string {
	expanded, err := common.ExpandPath(path)
	if err != nil {
		common.CLILogger.Warn("Using %s unexpanded: %v", path, err)
		return path
	}
	return expanded
}

// InitConfig writes the default configuration to configPath or the default location
func InitConfig(configPath string, force bool) error {
	path := resolvePath(configPath)
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
	}

	if err := config.GenerateDefaultConfig(path); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	common.CLILogger.Info("Configuration written to %s", path)
	return nil
}

// ShowConfig prints the effective configuration as YAML
func ShowConfig(configPath string, out io.Writer) error {
	cfg := LoadConfigWithFallback(configPath)
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = out.Write(data)
	return err
}
