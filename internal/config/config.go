// Package config loads the project-level puretrace configuration from a
// .puretrace.toml file at the repository root.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/puretrace/puretrace/internal/purity"
)

// FileName is the configuration file looked up at the project root.
const FileName = ".puretrace.toml"

// Config is the full project configuration.
type Config struct {
	Analysis AnalysisConfig `toml:"analysis"`
	Purity   PurityConfig   `toml:"purity"`
	Watch    WatchConfig    `toml:"watch"`
	Storage  StorageConfig  `toml:"storage"`
}

// AnalysisConfig controls file discovery and language selection.
type AnalysisConfig struct {
	// Languages restricts analysis to the named languages. Empty means
	// every supported language.
	Languages []string `toml:"languages"`

	// Ignore lists additional gitignore-style patterns excluded from
	// the walk, on top of the repository's own .gitignore.
	Ignore []string `toml:"ignore"`
}

// PurityConfig mirrors the propagation parameters.
type PurityConfig struct {
	Enabled                  bool    `toml:"enabled"`
	CyclePolicy              string  `toml:"cycle_policy"`
	ConfidenceDecayPerLevel  float64 `toml:"confidence_decay_per_level"`
	ConfidenceFloor          float64 `toml:"confidence_floor"`
	UnknownDependencyPenalty float64 `toml:"unknown_dependency_penalty"`
	RecursionPenalty         float64 `toml:"recursion_penalty"`
}

// WatchConfig controls watch mode.
type WatchConfig struct {
	// DebounceMillis is how long to batch filesystem events before
	// re-analyzing.
	DebounceMillis int `toml:"debounce_ms"`
}

// StorageConfig selects the results index backend.
type StorageConfig struct {
	// Backend is "badger" (persistent) or "memory".
	Backend string `toml:"backend"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	p := purity.DefaultConfig()
	return Config{
		Purity: PurityConfig{
			Enabled:                  p.Enabled,
			CyclePolicy:              string(p.CyclePolicy),
			ConfidenceDecayPerLevel:  p.ConfidenceDecayPerLevel,
			ConfidenceFloor:          p.ConfidenceFloor,
			UnknownDependencyPenalty: p.UnknownDependencyPenalty,
			RecursionPenalty:         p.RecursionPenalty,
		},
		Watch:   WatchConfig{DebounceMillis: 2000},
		Storage: StorageConfig{Backend: "badger"},
	}
}

// Load reads root/.puretrace.toml. A missing file yields the defaults; a
// present but invalid file is an error, since silently ignoring a typo in
// an explicit config is worse than failing.
func Load(root string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", FileName, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if err := c.PropagatorConfig().Validate(); err != nil {
		return err
	}
	if c.Watch.DebounceMillis < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative, got %d", c.Watch.DebounceMillis)
	}
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// PropagatorConfig converts the purity section into propagation parameters.
func (c Config) PropagatorConfig() purity.Config {
	return purity.Config{
		Enabled:                  c.Purity.Enabled,
		CyclePolicy:              purity.CyclePolicy(c.Purity.CyclePolicy),
		ConfidenceDecayPerLevel:  c.Purity.ConfidenceDecayPerLevel,
		ConfidenceFloor:          c.Purity.ConfidenceFloor,
		UnknownDependencyPenalty: c.Purity.UnknownDependencyPenalty,
		RecursionPenalty:         c.Purity.RecursionPenalty,
	}
}
