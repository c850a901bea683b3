// Package config loads and validates the notesim configuration.
// Configuration lives in a YAML file (default: ~/.notesim/config.yaml) and
// can be overridden per-vault with a .notesim.yaml at the vault root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete notesim configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Vault      VaultConfig      `yaml:"vault"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Storage    StorageConfig    `yaml:"storage"`
	LogLevel   string           `yaml:"log_level"`
}

// VaultConfig configures the host note vault and its inclusion rules.
type VaultConfig struct {
	// Path is the vault root directory.
	Path string `yaml:"path"`
	// Include holds inclusion patterns (gitignore-style). Empty means
	// all Markdown files.
	Include []string `yaml:"include"`
	// Exclude holds exclusion patterns applied after Include.
	Exclude []string `yaml:"exclude"`
	// WatchDebounce is the debounce window for file events (e.g. "200ms").
	WatchDebounce string `yaml:"watch_debounce"`
}

// ChunkingConfig configures the note splitter.
type ChunkingConfig struct {
	// MaxTokens is the token budget per chunk. 0 means use the oracle's
	// model context limit.
	MaxTokens int `yaml:"max_tokens"`
	// OverlapTokens is the approximate token overlap carried between
	// adjacent chunks.
	OverlapTokens int `yaml:"overlap_tokens"`
}

// EmbeddingsConfig configures the embedding oracle.
type EmbeddingsConfig struct {
	// Provider selects the backend: "ollama" (default) or "static".
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides auto-detection when non-zero.
	Dimensions int `yaml:"dimensions"`
	// BatchSize for batch embedding requests.
	BatchSize int `yaml:"batch_size"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// CacheSize is the LRU embedding cache capacity.
	CacheSize int `yaml:"cache_size"`
}

// StorageConfig configures index persistence.
type StorageConfig struct {
	// DataDir is where the index database and snapshots live.
	// Defaults to <vault>/.notesim.
	DataDir string `yaml:"data_dir"`
	// AutoPersistInterval is how often unsaved in-memory state is
	// flushed to disk (e.g. "30s"). Zero disables the timer.
	AutoPersistInterval string `yaml:"auto_persist_interval"`
}

// CurrentVersion is the config schema version.
const CurrentVersion = 1

// Default returns the default configuration for a vault path.
func Default(vaultPath string) *Config {
	return &Config{
		Version: CurrentVersion,
		Vault: VaultConfig{
			Path:          vaultPath,
			Include:       []string{"**/*.md"},
			Exclude:       []string{".notesim/", ".git/", ".obsidian/"},
			WatchDebounce: "200ms",
		},
		Chunking: ChunkingConfig{
			MaxTokens:     512,
			OverlapTokens: 0,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "",
			BatchSize:  32,
			OllamaHost: "http://localhost:11434",
			CacheSize:  1000,
		},
		Storage: StorageConfig{
			DataDir:             filepath.Join(vaultPath, ".notesim"),
			AutoPersistInterval: "30s",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path, applying defaults for zero values.
// A missing file returns the defaults for the given vault.
func Load(path, vaultPath string) (*Config, error) {
	cfg := Default(vaultPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults(vaultPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path in YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyDefaults fills zero values after a partial YAML load.
func (c *Config) applyDefaults(vaultPath string) {
	def := Default(vaultPath)
	if c.Version == 0 {
		c.Version = def.Version
	}
	if c.Vault.Path == "" {
		c.Vault.Path = def.Vault.Path
	}
	if len(c.Vault.Include) == 0 {
		c.Vault.Include = def.Vault.Include
	}
	if c.Vault.WatchDebounce == "" {
		c.Vault.WatchDebounce = def.Vault.WatchDebounce
	}
	if c.Chunking.MaxTokens == 0 {
		c.Chunking.MaxTokens = def.Chunking.MaxTokens
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = def.Embeddings.Provider
	}
	if c.Embeddings.BatchSize == 0 {
		c.Embeddings.BatchSize = def.Embeddings.BatchSize
	}
	if c.Embeddings.OllamaHost == "" {
		c.Embeddings.OllamaHost = def.Embeddings.OllamaHost
	}
	if c.Embeddings.CacheSize == 0 {
		c.Embeddings.CacheSize = def.Embeddings.CacheSize
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = filepath.Join(c.Vault.Path, ".notesim")
	}
	if c.Storage.AutoPersistInterval == "" {
		c.Storage.AutoPersistInterval = def.Storage.AutoPersistInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Vault.Path == "" {
		return fmt.Errorf("vault.path is required")
	}
	if c.Chunking.MaxTokens < 0 {
		return fmt.Errorf("chunking.max_tokens must be >= 0, got %d", c.Chunking.MaxTokens)
	}
	if c.Chunking.OverlapTokens < 0 {
		return fmt.Errorf("chunking.overlap_tokens must be >= 0, got %d", c.Chunking.OverlapTokens)
	}
	if c.Chunking.OverlapTokens > 0 && c.Chunking.OverlapTokens >= c.Chunking.MaxTokens {
		return fmt.Errorf("chunking.overlap_tokens (%d) must be smaller than max_tokens (%d)",
			c.Chunking.OverlapTokens, c.Chunking.MaxTokens)
	}
	switch c.Embeddings.Provider {
	case "ollama", "static":
	default:
		return fmt.Errorf("embeddings.provider must be \"ollama\" or \"static\", got %q", c.Embeddings.Provider)
	}
	if _, err := c.WatchDebounce(); err != nil {
		return err
	}
	if _, err := c.AutoPersistInterval(); err != nil {
		return err
	}
	return nil
}

// WatchDebounce parses the watch debounce window.
func (c *Config) WatchDebounce() (time.Duration, error) {
	d, err := time.ParseDuration(c.Vault.WatchDebounce)
	if err != nil {
		return 0, fmt.Errorf("vault.watch_debounce: %w", err)
	}
	return d, nil
}

// AutoPersistInterval parses the auto-persist interval. "0" disables it.
func (c *Config) AutoPersistInterval() (time.Duration, error) {
	if c.Storage.AutoPersistInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Storage.AutoPersistInterval)
	if err != nil {
		return 0, fmt.Errorf("storage.auto_persist_interval: %w", err)
	}
	return d, nil
}

// DefaultPath returns the default config path inside a vault.
func DefaultPath(vaultPath string) string {
	return filepath.Join(vaultPath, ".notesim.yaml")
}
