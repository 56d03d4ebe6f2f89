// Package config – loader.go reads YAML configuration with .env loading
// and environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadFromFile reads and parses a YAML configuration file. .env files are
// loaded first (without overriding already-set variables), then ${VAR}
// references in the YAML are expanded.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolvePaths(cfg, filepath.Dir(path))
	return cfg, nil
}

// Load returns the config from the first file found in the standard
// locations, or the defaults when none exists.
func Load() (*Config, error) {
	if path := FindConfigFile(); path != "" {
		return LoadFromFile(path)
	}
	loadEnvFiles()
	cfg := DefaultConfig()
	resolveSecrets(cfg)
	return cfg, nil
}

// Parse parses YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"wagate.yaml",
		"wagate.yml",
		"configs/wagate.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files. godotenv.Load does not overwrite
// variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with their
// environment values. Unset variables without a default keep the
// placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// resolveSecrets fills secrets from environment variables when the config
// leaves them empty.
func resolveSecrets(cfg *Config) {
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = os.Getenv("WAGATE_API_KEY")
	}
	if cfg.Webhook != nil && cfg.Webhook.APIKey == "" {
		cfg.Webhook.APIKey = os.Getenv("WAGATE_WEBHOOK_KEY")
	}
}

// resolvePaths makes relative storage paths absolute against the config
// file's directory so the working directory does not matter.
func resolvePaths(cfg *Config, configDir string) {
	cfg.Session.DataDir = resolvePath(cfg.Session.DataDir, configDir)
	if cfg.Session.DatabasePath != "" {
		cfg.Session.DatabasePath = resolvePath(cfg.Session.DatabasePath, configDir)
	}
}

func resolvePath(path, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(configDir, path)
}
