package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lazypower/mnemo/internal/engine"
)

// Config holds all mnemo configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Embedder    EmbedderConfig    `mapstructure:"embedder" yaml:"embedder"`
	Index       IndexConfig       `mapstructure:"index" yaml:"index"`
	Search      SearchConfig      `mapstructure:"search" yaml:"search"`
	Decay       DecayConfig       `mapstructure:"decay" yaml:"decay"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	AutoTune    AutoTuneConfig    `mapstructure:"autotune" yaml:"autotune"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Entities    EntitiesConfig    `mapstructure:"entities" yaml:"entities"`
	Audit       AuditConfig       `mapstructure:"audit" yaml:"audit"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind" yaml:"bind"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // empty: ~/.mnemo/mnemo.db
}

type EmbedderConfig struct {
	Provider  string        `mapstructure:"provider" yaml:"provider"` // "auto", "ollama", "hash"
	OllamaURL string        `mapstructure:"ollama_url" yaml:"ollama_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	Dims      int           `mapstructure:"dims" yaml:"dims"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheSize int64         `mapstructure:"cache_size" yaml:"cache_size"`
}

type IndexConfig struct {
	Strategy      string  `mapstructure:"strategy" yaml:"strategy"` // "auto", "chromem", "memory"
	MinSimilarity float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
}

type SearchConfig struct {
	SemanticK       int `mapstructure:"semantic_k" yaml:"semantic_k"`
	DefaultPageSize int `mapstructure:"default_page_size" yaml:"default_page_size"`
}

type DecayConfig struct {
	MaxHalfLifeBoost float64 `mapstructure:"max_half_life_boost" yaml:"max_half_life_boost"`
}

type CompressionConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	ChunkSize int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	MaxDepth  int     `mapstructure:"max_depth" yaml:"max_depth"`
	Auto      bool    `mapstructure:"auto" yaml:"auto"`
}

type AutoTuneConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type EntitiesConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Embedder providers.
const (
	ProviderAuto   = "auto"
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

// Default returns a Config with sensible defaults.
func Default() Config {
	opts := engine.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Embedder: EmbedderConfig{
			Provider:  ProviderAuto,
			OllamaURL: "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dims:      768,
			Timeout:   opts.EmbedTimeout,
			CacheSize: 10000,
		},
		Index: IndexConfig{
			Strategy:      "auto",
			MinSimilarity: opts.MinSimilarity,
		},
		Search: SearchConfig{
			SemanticK:       opts.SemanticK,
			DefaultPageSize: opts.DefaultPageSize,
		},
		Decay: DecayConfig{MaxHalfLifeBoost: opts.MaxHalfLifeBoost},
		Compression: CompressionConfig{
			Threshold: opts.CompressionThreshold,
			ChunkSize: opts.CompressionChunk,
			MaxDepth:  opts.CompressionMaxDepth,
		},
		Maintenance: MaintenanceConfig{Interval: opts.MaintenanceInterval},
		Audit:       AuditConfig{Retention: opts.AuditRetention},
		Log:         LogConfig{Level: "info"},
	}
}

// setDefaults registers every key so that MNEMO_* variables are seen by
// Unmarshal even when no config file mentions them.
func setDefaults(v *viper.Viper, c Config) {
	for key, val := range map[string]any{
		"server.bind":               c.Server.Bind,
		"server.port":               c.Server.Port,
		"database.path":             c.Database.Path,
		"embedder.provider":         c.Embedder.Provider,
		"embedder.ollama_url":       c.Embedder.OllamaURL,
		"embedder.model":            c.Embedder.Model,
		"embedder.dims":             c.Embedder.Dims,
		"embedder.timeout":          c.Embedder.Timeout,
		"embedder.cache_size":       c.Embedder.CacheSize,
		"index.strategy":            c.Index.Strategy,
		"index.min_similarity":      c.Index.MinSimilarity,
		"search.semantic_k":         c.Search.SemanticK,
		"search.default_page_size":  c.Search.DefaultPageSize,
		"decay.max_half_life_boost": c.Decay.MaxHalfLifeBoost,
		"compression.threshold":     c.Compression.Threshold,
		"compression.chunk_size":    c.Compression.ChunkSize,
		"compression.max_depth":     c.Compression.MaxDepth,
		"compression.auto":          c.Compression.Auto,
		"autotune.enabled":          c.AutoTune.Enabled,
		"maintenance.interval":      c.Maintenance.Interval,
		"entities.enabled":          c.Entities.Enabled,
		"audit.enabled":             c.Audit.Enabled,
		"audit.retention":           c.Audit.Retention,
		"log.level":                 c.Log.Level,
	} {
		v.SetDefault(key, val)
	}
}

// Load reads configuration in order: defaults, the YAML config file, a .env
// file in the working directory, then MNEMO_* environment variables
// (MNEMO_SERVER_PORT sets server.port). An explicit path must exist; the
// default search (./mnemo.yaml, ~/.mnemo/mnemo.yaml) may find nothing.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("config: could not read .env", "error", err)
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mnemo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mnemo"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Embedder.Provider {
	case ProviderAuto, ProviderOllama, ProviderHash:
	default:
		return fmt.Errorf("config: unknown embedder.provider %q", c.Embedder.Provider)
	}
	switch c.Index.Strategy {
	case "auto", "chromem", "memory":
	default:
		return fmt.Errorf("config: unknown index.strategy %q", c.Index.Strategy)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// LogLevel returns the configured level, info when unparsable.
func (c *Config) LogLevel() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Engine converts the tuning keys to engine options.
func (c *Config) Engine() engine.Options {
	return engine.Options{
		MinSimilarity:        c.Index.MinSimilarity,
		SemanticK:            c.Search.SemanticK,
		DefaultPageSize:      c.Search.DefaultPageSize,
		MaxHalfLifeBoost:     c.Decay.MaxHalfLifeBoost,
		EmbedTimeout:         c.Embedder.Timeout,
		CompressionThreshold: c.Compression.Threshold,
		CompressionChunk:     c.Compression.ChunkSize,
		CompressionMaxDepth:  c.Compression.MaxDepth,
		AutoCompress:         c.Compression.Auto,
		AutoTune:             c.AutoTune.Enabled,
		MaintenanceInterval:  c.Maintenance.Interval,
		EntityTags:           c.Entities.Enabled,
		Audit:                c.Audit.Enabled,
		AuditRetention:       c.Audit.Retention,
	}
}
