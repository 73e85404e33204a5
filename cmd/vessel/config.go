//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// Config holds the application configuration.
type Config struct {
	Runtime   RuntimeConfig   `json:"runtime"`
	Share     ShareConfig     `json:"share"`
	Home      HomeConfig      `json:"home"`
	Paths     PathsConfig     `json:"paths"`
	Env       EnvConfig       `json:"env"`
	Namespace NamespaceConfig `json:"namespace"`

	// Resolved (not serialized)
	EffectiveCwd string `json:"-"`
}

// RuntimeConfig describes the substituted runtime tree and how to
// materialize it.
type RuntimeConfig struct {
	// Dir is the host directory holding the materialized runtime tree,
	// used as the container's /usr. Empty means the host's own /usr.
	Dir string `json:"dir,omitempty"`

	// Manifest is an mtree manifest to reconcile Dir against before
	// launch. A ".gz" suffix selects gzip decompression.
	Manifest string `json:"manifest,omitempty"`

	// Source is a directory of pristine runtime files the reconciler may
	// hard-link or copy from.
	Source string `json:"source,omitempty"`
}

// ShareConfig selects which host services the container may reach.
type ShareConfig struct {
	X11     *bool `json:"x11,omitempty"`
	Pulse   *bool `json:"pulse,omitempty"`
	Network *bool `json:"network,omitempty"`
}

// HomeConfig selects home directory handling.
type HomeConfig struct {
	// Mode is "shared", "private" or "tmpfs". Empty defaults to tmpfs.
	Mode string `json:"mode,omitempty"`

	// Dir overrides the home path; defaults to $HOME.
	Dir string `json:"dir,omitempty"`

	// Private is the host directory bound over home in private mode.
	Private string `json:"private,omitempty"`
}

// PathsConfig holds extra host paths exposed at their own locations.
type PathsConfig struct {
	Ro []string `json:"ro,omitempty"`
	Rw []string `json:"rw,omitempty"`
}

// EnvConfig holds environment layering applied before exposure decisions.
type EnvConfig struct {
	// Files are dotenv files applied in order.
	Files []string `json:"files,omitempty"`

	Set   map[string]string `json:"set,omitempty"`
	Unset []string          `json:"unset,omitempty"`
}

// NamespaceConfig describes the namespace arrangement the helper will be
// invoked from, for source path translation.
type NamespaceConfig struct {
	// InterpreterRoot is the root presented by a user-space emulator, when
	// running under one.
	InterpreterRoot string `json:"interpreterRoot,omitempty"`

	// RealRoot is a path alias resolving to the unmediated root.
	RealRoot string `json:"realRoot,omitempty"`

	// HomeOnHost is the physical host location of the home directory when
	// it differs from the current namespace's view.
	HomeOnHost string `json:"homeOnHost,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Share: ShareConfig{Network: boolPtr(true)},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // --config flag value
	Env             map[string]string // Environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/vessel/config.json or config.jsonc
//     (defaults to ~/.config/vessel/) - always loaded if exists
//  3. Project config OR --config path (not both):
//     - Without --config: .vessel.json or .vessel.jsonc in workDir
//     - With --config: uses that path instead of project config
//
// Both .json and .jsonc files support comments via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := DefaultConfig()

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	if globalConfigBasePath != "" {
		globalConfigPath, findErr := findConfigFile(globalConfigBasePath)
		if findErr == nil {
			globalCfg, loadErr := loadConfigFile(globalConfigPath)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = mergeConfigs(&cfg, &globalCfg)
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
		// If os.ErrNotExist, silently skip: global config is optional.
	}

	if input.ConfigPath != "" {
		// Explicit --config path replaces project config.
		configPath := input.ConfigPath
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		explicitCfg, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
	} else {
		projectConfigBasePath := filepath.Join(workDir, ".vessel")

		projectConfigPath, findErr := findConfigFile(projectConfigBasePath)
		if findErr == nil {
			projectCfg, loadErr := loadConfigFile(projectConfigPath)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = mergeConfigs(&cfg, &projectCfg)
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
		// If os.ErrNotExist, silently skip: project config is optional.
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// findConfigFile finds a config file at the given base path (without
// extension). It checks for both .json and .jsonc and returns an error if
// both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, jsonErr := fileExists(jsonPath)
	jsoncExists, jsoncErr := fileExists(jsoncPath)

	if jsonErr != nil {
		return "", jsonErr
	}

	if jsoncErr != nil {
		return "", jsoncErr
	}

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	if info.IsDir() {
		return false, nil
	}

	return true, nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
// Both .json and .jsonc files support comments via hujson.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values.
func mergeConfigs(base, override *Config) Config {
	result := *base

	if override.Runtime.Dir != "" {
		result.Runtime.Dir = override.Runtime.Dir
	}

	if override.Runtime.Manifest != "" {
		result.Runtime.Manifest = override.Runtime.Manifest
	}

	if override.Runtime.Source != "" {
		result.Runtime.Source = override.Runtime.Source
	}

	if override.Share.X11 != nil {
		result.Share.X11 = override.Share.X11
	}

	if override.Share.Pulse != nil {
		result.Share.Pulse = override.Share.Pulse
	}

	if override.Share.Network != nil {
		result.Share.Network = override.Share.Network
	}

	if override.Home.Mode != "" {
		result.Home.Mode = override.Home.Mode
	}

	if override.Home.Dir != "" {
		result.Home.Dir = override.Home.Dir
	}

	if override.Home.Private != "" {
		result.Home.Private = override.Home.Private
	}

	if len(override.Paths.Ro) > 0 {
		result.Paths.Ro = override.Paths.Ro
	}

	if len(override.Paths.Rw) > 0 {
		result.Paths.Rw = override.Paths.Rw
	}

	if len(override.Env.Files) > 0 {
		result.Env.Files = override.Env.Files
	}

	if len(override.Env.Set) > 0 {
		result.Env.Set = override.Env.Set
	}

	if len(override.Env.Unset) > 0 {
		result.Env.Unset = override.Env.Unset
	}

	if override.Namespace.InterpreterRoot != "" {
		result.Namespace.InterpreterRoot = override.Namespace.InterpreterRoot
	}

	if override.Namespace.RealRoot != "" {
		result.Namespace.RealRoot = override.Namespace.RealRoot
	}

	if override.Namespace.HomeOnHost != "" {
		result.Namespace.HomeOnHost = override.Namespace.HomeOnHost
	}

	return result
}

// getUserConfigBasePath returns the user config base path (without extension).
// Uses env map for XDG_CONFIG_HOME instead of os.Getenv().
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "vessel", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "vessel", "config"), nil
}
