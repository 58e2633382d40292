package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// configFileName is the single YAML file this package reads. Secrets (CRM
// webhook credentials, the source DB password) are expected to arrive via
// environment variables referenced from it, expanded by ExpandEnv.
const configFileName = "sync.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read sync.yaml from configDir, expanding ${VAR}/$VAR references
//  2. Merge it over Defaults() so unset options fall back sanely
//  3. Validate the result with go-playground/validator struct tags
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("component", "config", "config_dir", configDir)
	log.Info("loading configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration loaded",
		"interval_minutes", cfg.Sync.IntervalMinutes,
		"batch_size", cfg.Sync.BatchSize,
		"filial_id", cfg.Sync.FilialID)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError(configFileName, fmt.Errorf("%s: %w", path, err))
	}

	data = ExpandEnv(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewLoadError(configFileName, err)
	}

	merged := Defaults()
	if err := mergo.Merge(merged, cfg, mergo.WithOverride); err != nil {
		return nil, NewLoadError(configFileName, fmt.Errorf("merging defaults: %w", err))
	}
	merged.configDir = configDir

	return merged, nil
}

// Reloadable subset of Config that may change between process restarts
// without requiring one: the rest (DB connection, store paths) takes effect
// only on the next process start.
type Reloadable struct {
	RetryDelays      []Duration
	RateLimit        float64
	IntervalMinutes  int
	ThrottleMinutes  Duration
	MaskPersonalData bool
}

func reloadableOf(cfg *Config) Reloadable {
	return Reloadable{
		RetryDelays:      cfg.CRM.RetryDelays,
		RateLimit:        cfg.CRM.RateLimit,
		IntervalMinutes:  cfg.Sync.IntervalMinutes,
		ThrottleMinutes:  cfg.Plans.ThrottleMinutes,
		MaskPersonalData: cfg.Logging.MaskPersonalData,
	}
}

// Watch starts an fsnotify watcher on configDir and invokes onChange with the
// reloadable subset of configuration whenever sync.yaml is rewritten and
// re-validates cleanly. Structural fields (source connection, store paths)
// are intentionally excluded from onChange: changing those requires a
// restart. The watcher stops when ctx is cancelled.
func Watch(ctx context.Context, configDir string, onChange func(Reloadable)) error {
	log := slog.With("component", "config", "config_dir", configDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", configDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != configFileName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := load(configDir)
				if err != nil {
					log.Warn("ignoring invalid config reload", "error", err)
					continue
				}
				if err := validateConfig(cfg); err != nil {
					log.Warn("ignoring invalid config reload", "error", err)
					continue
				}
				log.Info("configuration reloaded")
				onChange(reloadableOf(cfg))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
