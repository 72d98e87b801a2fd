// Package config manages Loom configuration via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/untoldecay/CodeLoom/internal/debug"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()

	v.SetConfigType("yaml")

	// Explicitly locate config.yaml and use SetConfigFile so nothing
	// else in the directory is picked up.
	// Precedence: project .loom/config.yaml > ~/.config/loom/config.yaml > ~/.loom/config.yaml
	configFileSet := false

	// 1. Walk up from CWD to find a project .loom/config.yaml, so
	//    commands work from subdirectories.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".loom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/loom/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "loom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.loom/config.yaml)
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".loom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. LOOM_MODEL, LOOM_SANDBOX_ADDR, LOOM_STATE_DIR.
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Core flags
	v.SetDefault("json", false)
	v.SetDefault("state-dir", ".loom")
	v.SetDefault("project-id", "default")
	v.SetDefault("hostname", "")

	// Model inference
	v.SetDefault("model", "claude-sonnet-4-20250514")
	v.SetDefault("model.max-tokens", 16384)
	v.SetDefault("model.max-retries", 3)

	// Sandbox service
	v.SetDefault("sandbox.addr", "")
	v.SetDefault("sandbox.timeout", "30s")

	// Registry service
	v.SetDefault("registry.base-url", "")
	v.SetDefault("registry.token", "")

	// Templates
	v.SetDefault("templates.dir", "")
	v.SetDefault("templates.default", "react-vite-cf")

	// Generation behavior
	v.SetDefault("generation.review-cycles", 5)
	v.SetDefault("generation.post-phase-fixing", true)
	v.SetDefault("generation.agent-mode", "smart")

	// Daemon
	v.SetDefault("daemon.max-conns", 100)
	v.SetDefault("daemon.request-timeout", "30s")
	v.SetDefault("daemon.log-max-size-mb", 10)
	v.SetDefault("daemon.log-max-backups", 3)

	// GitHub export
	v.SetDefault("github.token-ttl", "1h")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

// ensure lazily initializes the singleton so accessors work in tests
// that never call Initialize explicitly.
func ensure() *viper.Viper {
	if v == nil {
		if err := Initialize(); err != nil {
			panic(fmt.Sprintf("config: %v", err))
		}
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt returns an integer config value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// Set overrides a config value (flag binding).
func Set(key string, value interface{}) { ensure().Set(key, value) }

// Reset clears the singleton. Test helper.
func Reset() { v = nil }
